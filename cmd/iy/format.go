package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/intakeyard/internal/models"
)

// formatWeight renders an optional weight with its unit, or "-".
func formatWeight(w decimal.NullDecimal, unit string) string {
	if !w.Valid {
		return "-"
	}
	return w.Decimal.String() + " " + unit
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate shortens s to max runes, marking the cut with "...".
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func printRecord(out io.Writer, rec *models.IntakeRecord, unit string) {
	fmt.Fprintf(out, "Intake:      %s\n", rec.ID)
	fmt.Fprintf(out, "Source:      %s\n", rec.SourceRef)
	fmt.Fprintf(out, "Status:      %s (step %s)\n", rec.Status, rec.CurrentStep)
	fmt.Fprintf(out, "Vehicle:     %s\n", orDash(rec.VehicleNumber))
	if rec.DriverName != "" {
		fmt.Fprintf(out, "Driver:      %s %s\n", rec.DriverName, rec.DriverPhone)
	}
	if rec.Transporter != "" {
		fmt.Fprintf(out, "Transporter: %s\n", rec.Transporter)
	}
	if rec.CardID != nil {
		fmt.Fprintf(out, "Card:        %s\n", *rec.CardID)
	}
	fmt.Fprintf(out, "Tare:        %s\n", formatWeight(rec.InitialTareWeight, unit))
	fmt.Fprintf(out, "Loaded:      %s %s\n", rec.TotalLoadedWeight, unit)
	fmt.Fprintf(out, "Gross:       %s\n", formatWeight(rec.FinalGrossWeight, unit))
	fmt.Fprintf(out, "Net:         %s\n", formatWeight(rec.NetWeight, unit))
	fmt.Fprintf(out, "Started:     %s\n", formatTime(rec.StartedAt))
	switch {
	case rec.CompletedAt != nil:
		fmt.Fprintf(out, "Completed:   %s\n", formatTime(rec.CompletedAt))
	case rec.CancelledAt != nil:
		fmt.Fprintf(out, "Cancelled:   %s (%s)\n", formatTime(rec.CancelledAt), rec.CancelReason)
	}
	if rec.Flagged {
		fmt.Fprintf(out, "FLAGGED:     %s\n", rec.FlagReason)
	}
	if rec.OverrideReason != "" {
		fmt.Fprintf(out, "Override:    %s\n", rec.OverrideReason)
	}

	fmt.Fprintf(out, "\nItems (%d):\n", len(rec.Items))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  #\tMATERIAL\tQTY\tSTATUS\tWEIGHT\tREMARKS")
	for _, it := range rec.Items {
		fmt.Fprintf(w, "  %d\t%s\t%s %s\t%s\t%s\t%s\n",
			it.Position, truncate(it.MaterialCode+" "+it.Description, 32),
			it.ExpectedQuantity, it.Unit, it.LoadingStatus,
			formatWeight(it.LoadedWeight, unit), it.Remarks)
	}
	w.Flush()
}
