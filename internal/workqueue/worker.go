package workqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// Handler processes one job. A nil return completes it; any error goes
// through the retry policy.
type Handler func(ctx context.Context, job crawler.WorkJob) error

// Config controls Worker behavior.
type Config struct {
	Kind         crawler.JobKind
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Worker claims jobs of one kind and runs them through a Handler.
type Worker struct {
	id      string
	queue   *Queue
	handler Handler
	cfg     Config
	logger  *zap.Logger
}

// NewWorker constructs a Worker.
func NewWorker(id string, queue *Queue, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		queue:   queue,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(zap.String("worker", id), zap.String("kind", string(cfg.Kind))),
	}
}

// NewWorkers builds n workers named <prefix>-<i>.
func NewWorkers(n int, prefix string, queue *Queue, handler Handler, cfg Config, logger *zap.Logger) []*Worker {
	workers := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, NewWorker(fmt.Sprintf("%s-%d", prefix, i), queue, handler, cfg, logger))
	}
	return workers
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Run blocks, claiming and processing jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.Step(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("job step failed", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Step claims and processes at most one job. It reports whether a job was
// claimed.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	claimed, err := w.queue.Claim(ctx, w.cfg.Kind, w.id, w.cfg.LeaseTTL)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.logger.Debug("claimed job", zap.String("job_id", claimed.Job.ID), zap.String("subject_id", claimed.Job.SubjectID))

	lost, handleErr := w.handle(ctx, claimed)

	// Store writes finish even when ctx was canceled mid-job.
	storeCtx := context.WithoutCancel(ctx)
	if handleErr != nil && (lost || ctx.Err() != nil) {
		if err := w.queue.Abandon(storeCtx, claimed); err != nil {
			if errors.Is(err, crawler.ErrExpired) {
				w.logger.Info("job reclaimed by another worker", zap.String("job_id", claimed.Job.ID))
				return true, nil
			}
			return true, fmt.Errorf("abandon job %s: %w", claimed.Job.ID, err)
		}
		return true, nil
	}
	if handleErr != nil {
		if _, err := w.queue.Fail(storeCtx, claimed, handleErr); err != nil {
			return true, err
		}
		return true, nil
	}
	if _, err := w.queue.Complete(storeCtx, claimed); err != nil {
		return true, err
	}
	return true, nil
}

// handle runs the handler while a keepalive renews the job lease. Losing the
// lease cancels the handler and is reported as lost.
func (w *Worker) handle(ctx context.Context, claimed Claimed) (lost bool, err error) {
	jobCtx, cancel := context.WithCancel(ctx)
	renewErrs := w.queue.leases.Keepalive(jobCtx, claimed.Lease, w.cfg.LeaseTTL/3, w.cfg.LeaseTTL)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		if renewErr, ok := <-renewErrs; ok && renewErr != nil {
			w.logger.Warn("job lease lost", zap.String("job_id", claimed.Job.ID), zap.Error(renewErr))
			lost = true
			cancel()
		}
	}()
	err = w.handler(jobCtx, claimed.Job)
	cancel()
	<-watched
	return lost, err
}
