package telegraph

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/intakeyard/internal/messaging"
	"github.com/zulandar/intakeyard/internal/models"
	"github.com/zulandar/intakeyard/internal/store"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

func stepLabel(s models.Step) string {
	return strings.ReplaceAll(string(s), "_", " ")
}

// FormatAnomaly formats a refused weight reading.
func FormatAnomaly(evt messaging.Event) FormattedEvent {
	fields := []Field{
		{Name: "Intake", Value: evt.RecordID, Short: true},
		{Name: "Step", Value: stepLabel(evt.Step), Short: true},
	}
	if a := evt.Anomaly; a != nil {
		fields = append(fields,
			Field{Name: "Observed", Value: a.Observed.String(), Short: true},
			Field{Name: "Expected", Value: a.Expected.String(), Short: true},
		)
		if a.ItemID != "" {
			fields = append(fields, Field{Name: "Item", Value: a.ItemID, Short: true})
		}
	}
	return FormattedEvent{
		Title:    fmt.Sprintf("Weight anomaly on %s", evt.RecordID),
		Body:     evt.Detail,
		Severity: "error",
		Color:    ColorError,
		Fields:   fields,
	}
}

// FormatStale formats a stale-feed warning.
func FormatStale(evt messaging.Event) FormattedEvent {
	body := evt.Detail
	if body == "" {
		body = fmt.Sprintf("No weighbridge reading for %s", evt.Since.Round(time.Second))
	}
	return FormattedEvent{
		Title:    fmt.Sprintf("Weighbridge feed stale for %s", evt.RecordID),
		Body:     body,
		Severity: "warning",
		Color:    ColorWarning,
		Fields: []Field{
			{Name: "Intake", Value: evt.RecordID, Short: true},
			{Name: "Step", Value: stepLabel(evt.Step), Short: true},
		},
	}
}

// FormatDisconnected formats a feed drop.
func FormatDisconnected(evt messaging.Event) FormattedEvent {
	body := "Live weighbridge feed dropped; manual entry remains available."
	if evt.Detail != "" {
		body += "\n" + evt.Detail
	}
	return FormattedEvent{
		Title:    "Weighbridge feed disconnected",
		Body:     body,
		Severity: "warning",
		Color:    ColorWarning,
		Fields:   []Field{{Name: "Intake", Value: evt.RecordID, Short: true}},
	}
}

// FormatReconciliation formats a completed intake whose net weight and
// loaded items disagree, or whose final weighing was overridden.
func FormatReconciliation(evt messaging.Event) FormattedEvent {
	fields := []Field{{Name: "Intake", Value: evt.RecordID, Short: true}}
	if rc := evt.Reconciliation; rc != nil {
		fields = append(fields,
			Field{Name: "Net", Value: rc.Net.String(), Short: true},
			Field{Name: "Loaded", Value: rc.Loaded.String(), Short: true},
			Field{Name: "Difference", Value: rc.Difference.String(), Short: true},
			Field{Name: "Tolerance", Value: rc.Tolerance.String(), Short: true},
		)
	}
	return FormattedEvent{
		Title:    fmt.Sprintf("Intake %s flagged for review", evt.RecordID),
		Body:     evt.Detail,
		Severity: "warning",
		Color:    ColorWarning,
		Fields:   fields,
	}
}

// FormatCompletion formats a record that reached a terminal status.
func FormatCompletion(rec *models.IntakeRecord) FormattedEvent {
	fields := []Field{
		{Name: "Intake", Value: rec.ID, Short: true},
		{Name: "Source", Value: rec.SourceRef, Short: true},
	}
	if rec.VehicleNumber != "" {
		fields = append(fields, Field{Name: "Vehicle", Value: rec.VehicleNumber, Short: true})
	}

	if rec.Status == models.StatusCancelled {
		body := fmt.Sprintf("Stopped at %s", stepLabel(rec.CurrentStep))
		if rec.CancelReason != "" {
			body += ": " + rec.CancelReason
		}
		return FormattedEvent{
			Title:    fmt.Sprintf("Intake %s cancelled", rec.ID),
			Body:     body,
			Severity: "info",
			Color:    ColorInfo,
			Fields:   fields,
		}
	}

	var body []string
	if rec.NetWeight.Valid {
		body = append(body, fmt.Sprintf("Net weight %s", rec.NetWeight.Decimal))
		fields = append(fields, Field{Name: "Net", Value: rec.NetWeight.Decimal.String(), Short: true})
	}
	loaded, skipped := 0, 0
	for _, it := range rec.Items {
		switch it.LoadingStatus {
		case models.LoadingLoaded:
			loaded++
		case models.LoadingSkipped:
			skipped++
		}
	}
	body = append(body, fmt.Sprintf("%d loaded, %d skipped", loaded, skipped))

	severity := "success"
	if rec.Flagged {
		severity = "warning"
		body = append(body, "Flagged: "+rec.FlagReason)
	}
	return FormattedEvent{
		Title:    fmt.Sprintf("Intake %s completed", rec.ID),
		Body:     strings.Join(body, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// FormatDigest formats an activity summary.
func FormatDigest(sum *store.Summary, until time.Time) FormattedEvent {
	counts := make(map[models.Status]int)
	for _, c := range sum.Counts {
		counts[c.Status] = c.Count
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("**Period**: %s – %s",
		sum.Since.Format("Jan 2 15:04"), until.Format("Jan 2 15:04")))
	lines = append(lines, fmt.Sprintf("**Intakes**: %d completed, %d cancelled, %d open",
		counts[models.StatusCompleted], counts[models.StatusCancelled],
		counts[models.StatusInProgress]+counts[models.StatusPending]))
	lines = append(lines, fmt.Sprintf("**Net weight**: %s", sum.TotalNet))
	if sum.Flagged > 0 {
		lines = append(lines, fmt.Sprintf("**Flagged**: %d", sum.Flagged))
	}
	if sum.Anomalies > 0 {
		lines = append(lines, fmt.Sprintf("**Anomalies**: %d", sum.Anomalies))
	}

	fields := []Field{
		{Name: "Completed", Value: fmt.Sprintf("%d", counts[models.StatusCompleted]), Short: true},
		{Name: "Cancelled", Value: fmt.Sprintf("%d", counts[models.StatusCancelled]), Short: true},
		{Name: "Net", Value: sum.TotalNet.String(), Short: true},
	}
	if sum.Anomalies > 0 {
		fields = append(fields, Field{Name: "Anomalies", Value: fmt.Sprintf("%d", sum.Anomalies), Short: true})
	}

	return FormattedEvent{
		Title:    "Daily Intake Digest",
		Body:     strings.Join(lines, "\n"),
		Severity: "info",
		Color:    ColorInfo,
		Fields:   fields,
	}
}
