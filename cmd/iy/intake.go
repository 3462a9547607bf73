package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/intakeyard/internal/messaging"
	"github.com/zulandar/intakeyard/internal/models"
	"github.com/zulandar/intakeyard/internal/store"
)

func newIntakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "intake",
		Aliases: []string{"in"},
		Short:   "Inspect intake records",
	}

	cmd.AddCommand(newIntakeListCmd())
	cmd.AddCommand(newIntakeShowCmd())
	return cmd
}

func newIntakeListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		source     string
		flagged    bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intake records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			recs, err := store.New(gormDB).List(cmd.Context(), store.ListFilters{
				Status:    models.Status(status),
				SourceRef: source,
				Flagged:   flagged,
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No intakes found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSOURCE\tVEHICLE\tSTATUS\tSTEP\tNET\tFLAG")
			for _, r := range recs {
				flag := ""
				if r.Flagged {
					flag = "!"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, truncate(r.SourceRef, 24), orDash(r.VehicleNumber), r.Status, r.CurrentStep,
					formatWeight(r.NetWeight, cfg.Weighing.Unit), flag)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (in_progress, completed, cancelled)")
	cmd.Flags().StringVar(&source, "source", "", "filter by source document")
	cmd.Flags().BoolVar(&flagged, "flagged", false, "only records flagged for review")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	return cmd
}

func newIntakeShowCmd() *cobra.Command {
	var (
		configPath string
		events     bool
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an intake record with its line items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			rec, err := store.New(gormDB).Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printRecord(out, rec, cfg.Weighing.Unit)

			if !events {
				return nil
			}
			rows, err := messaging.History(gormDB.WithContext(cmd.Context()), rec.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nEvents (%d):\n", len(rows))
			for _, e := range rows {
				fmt.Fprintf(out, "  %s  %-22s %s\n", e.CreatedAt.Format(time.DateTime), e.Kind, e.Detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().BoolVar(&events, "events", false, "include the event history")
	return cmd
}
