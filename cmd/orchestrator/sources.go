package main

import (
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/health"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/server"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Inspect and manage crawl sources",
	}
	cmd.AddCommand(newSourcesListCmd(), newSourcesReactivateCmd(), newSourcesDisableCmd())
	return cmd
}

func newSourcesListCmd() *cobra.Command {
	var (
		healths    []string
		activeOnly bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show source health as a table",
		Args:  cobra.NoArgs,
		RunE: runWithApp(func(cmd *cobra.Command, app *server.App, _ []string) error {
			filter := crawler.SourceFilter{ActiveOnly: activeOnly}
			for _, h := range healths {
				filter.Health = append(filter.Health, crawler.Health(h))
			}
			sources, err := app.Stores.Sources.ListSources(cmd.Context(), filter)
			if err != nil {
				return err
			}
			now := app.Clock().Now()
			table := uitable.New()
			table.MaxColWidth = 60
			table.AddRow("ID", "NAME", "ACTIVE", "HEALTH", "SCORE", "SUCCESS %", "STREAK", "LAST SUCCESS")
			for _, src := range sources {
				stats := health.Statistics(src, now)
				table.AddRow(
					src.ID,
					src.Name,
					src.Active,
					stats.Health,
					fmt.Sprintf("%.1f", stats.ReliabilityScore),
					fmt.Sprintf("%.2f", stats.SuccessRate),
					stats.ConsecutiveFailures,
					formatTime(src.LastSuccessAt),
				)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		}),
	}
	cmd.Flags().StringSliceVar(&healths, "health", nil, "only these health classes")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active sources")
	return cmd
}

func newSourcesReactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate SOURCE_ID",
		Short: "Re-enable a disabled source and clear its failure streak",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(func(cmd *cobra.Command, app *server.App, args []string) error {
			src, err := app.Tracker.Reactivate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reactivated (health %s)\n", src.ID, src.Health)
			return nil
		}),
	}
}

func newSourcesDisableCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "disable SOURCE_ID",
		Short: "Take a source out of rotation",
		Args:  cobra.ExactArgs(1),
		RunE: runWithApp(func(cmd *cobra.Command, app *server.App, args []string) error {
			src, err := app.Tracker.Disable(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s disabled: %s\n", src.ID, src.DisabledReason)
			return nil
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the source is disabled")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
