package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/intakeyard/internal/store"
)

func newCardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "card",
		Short: "Manage identity cards",
	}

	cmd.AddCommand(newCardListCmd())
	cmd.AddCommand(newCardAddCmd())
	return cmd
}

func newCardListCmd() *cobra.Command {
	var (
		configPath string
		available  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identity cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			catalog := store.NewCatalog(gormDB)
			list := catalog.List
			if available {
				list = catalog.ListAvailable
			}
			cards, err := list(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(cards) == 0 {
				fmt.Fprintln(out, "No cards found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tAVAILABLE\tHELD BY")
			for _, c := range cards {
				holder := "-"
				if c.RecordID != nil {
					holder = *c.RecordID
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", c.ID, c.Label, c.Available, holder)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().BoolVar(&available, "available", false, "only cards not held by an intake")
	return cmd
}

func newCardAddCmd() *cobra.Command {
	var (
		configPath string
		label      string
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a new identity card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := openDB(configPath)
			if err != nil {
				return err
			}
			card, err := store.NewCatalog(gormDB).Add(cmd.Context(), args[0], label)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added card %s\n", card.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&label, "label", "", "human-readable card label")
	return cmd
}
