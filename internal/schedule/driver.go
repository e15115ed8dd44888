package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// Handler runs a claimed task. It owns calling Scheduler.Complete.
type Handler func(ctx context.Context, task crawler.CrawlTask)

// DriverConfig tunes a Driver.
type DriverConfig struct {
	// Spec is a robfig/cron spec with an optional seconds field, e.g. "@every 30s".
	Spec       string
	AgentID    string
	BatchSize  int
	StaleAfter time.Duration
}

// Driver claims due tasks on a cron schedule and hands them to a handler.
type Driver struct {
	scheduler *Scheduler
	clock     crawler.Clock
	cfg       DriverConfig
	handler   Handler
	logger    *zap.Logger
}

// NewDriver builds a Driver.
func NewDriver(s *Scheduler, clock crawler.Clock, cfg DriverConfig, handler Handler, logger *zap.Logger) (*Driver, error) {
	if handler == nil {
		return nil, fmt.Errorf("driver handler is required")
	}
	if cfg.Spec == "" {
		cfg.Spec = "@every 30s"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{scheduler: s, clock: clock, cfg: cfg, handler: handler, logger: logger}, nil
}

// Tick recovers stale tasks, then claims and runs up to BatchSize due tasks
// one at a time so no claimed task waits behind another. It returns how many
// tasks were dispatched.
func (d *Driver) Tick(ctx context.Context) (int, error) {
	if d.cfg.StaleAfter > 0 {
		if _, err := d.scheduler.RecoverStale(ctx, d.clock.Now(), d.cfg.StaleAfter); err != nil {
			d.logger.Error("recover stale tasks failed", zap.Error(err))
		}
	}
	dispatched := 0
	for dispatched < d.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return dispatched, nil
		}
		tasks, err := d.scheduler.DueTasks(ctx, d.clock.Now(), d.cfg.AgentID, 1)
		if err != nil {
			return dispatched, err
		}
		if len(tasks) == 0 {
			break
		}
		d.handler(ctx, tasks[0])
		dispatched++
	}
	return dispatched, nil
}

func newCron() *cron.Cron {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
}

// Run ticks on the configured schedule until ctx is canceled. Overlapping ticks
// are skipped.
func (d *Driver) Run(ctx context.Context) error {
	c := newCron()
	if _, err := c.AddFunc(d.cfg.Spec, func() {
		n, err := d.Tick(ctx)
		if err != nil {
			d.logger.Error("scheduler tick failed", zap.Error(err))
			return
		}
		if n > 0 {
			d.logger.Info("dispatched due tasks", zap.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("parse schedule %q: %w", d.cfg.Spec, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
