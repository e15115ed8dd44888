package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/config"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/server"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to inject options.
var newApp = func(ctx context.Context, cfg config.Config) (*server.App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Crawl orchestration for trending-topic platforms.",
		Long: `orchestrator schedules hot-list crawls across platforms, deduplicates what
the agents observe, tracks source health and reconciles items into daily topics.`,
		SilenceUsage: true,

		// Builds the application once config is known, before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(".env"); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newTriggerCmd(),
		newReconcileCmd(),
		newSourcesCmd(),
		newJobsCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

// runWithApp resolves the App, runs fn and closes the App afterwards. serve
// closes the App itself on shutdown.
func runWithApp(fn func(cmd *cobra.Command, app *server.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = app.Close(context.WithoutCancel(cmd.Context())) }()
		return fn(cmd, app, args)
	}
}
