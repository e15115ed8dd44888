package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/server"
)

func newReconcileCmd() *cobra.Command {
	var (
		day      string
		finalize bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Group a day's raw items into unified topics",
		Args:  cobra.NoArgs,
		RunE: runWithApp(func(cmd *cobra.Command, app *server.App, _ []string) error {
			date := crawler.DateOf(app.Clock().Now())
			if day != "" {
				parsed, err := crawler.ParseDate(day)
				if err != nil {
					return fmt.Errorf("parse --date: %w", err)
				}
				date = parsed
			}
			res, err := app.Engine.ReconcileDate(cmd.Context(), date)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d topics, %d unaggregated, %d already owned\n",
				date, len(res.Topics), len(res.Unaggregated), res.AlreadyOwned)
			if res.EnrichErr != nil {
				fmt.Fprintf(out, "enrichment failed: %v\n", res.EnrichErr)
			}
			if !finalize {
				return nil
			}
			n, err := app.Engine.Finalize(cmd.Context(), date)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: finalized %d topics\n", date, n)
			return nil
		}),
	}
	cmd.Flags().StringVar(&day, "date", "", "day to reconcile as YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&finalize, "finalize", false, "freeze the day's topics afterwards; only past days")
	return cmd
}
