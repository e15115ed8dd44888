package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/schedule"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/server"
)

func newTriggerCmd() *cobra.Command {
	var (
		platforms  []string
		recurrence string
		at         string
		by         string
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Submit a crawl task",
		Example: `  orchestrator trigger --platforms weibo,zhihu
  orchestrator trigger --platforms baidu --recurrence daily --at 2026-01-02T08:00:00+08:00`,
		Args: cobra.NoArgs,
		RunE: runWithApp(func(cmd *cobra.Command, app *server.App, _ []string) error {
			req := schedule.TriggerRequest{
				Trigger:     crawler.TriggerManual,
				Platforms:   platforms,
				Recurrence:  crawler.Recurrence(recurrence),
				TriggeredBy: by,
			}
			if at != "" {
				when, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				req.ScheduledTime = when
			}
			res, err := app.Scheduler.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !res.Accepted {
				if res.ExistingTaskID != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "not accepted (open task %s): %s\n", res.ExistingTaskID, res.Reason)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "not accepted: %s\n", res.Reason)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted task %s\n", res.TaskID)
			return nil
		}),
	}
	cmd.Flags().StringSliceVar(&platforms, "platforms", nil, "platforms to crawl, comma separated")
	cmd.Flags().StringVar(&recurrence, "recurrence", string(crawler.RecurrenceNone), "none, daily, weekly or monthly")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 time the task becomes due (default now)")
	cmd.Flags().StringVar(&by, "by", "cli", "who triggered the task")
	_ = cmd.MarkFlagRequired("platforms")
	return cmd
}
