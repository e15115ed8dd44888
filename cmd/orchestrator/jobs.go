package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/server"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage downstream work jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset JOB_ID...",
		Short: "Return failed jobs to waiting with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: runWithApp(func(cmd *cobra.Command, app *server.App, args []string) error {
			for _, id := range args {
				job, err := app.Queue.Reset(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
			}
			return nil
		}),
	})
	return cmd
}
