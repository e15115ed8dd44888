// Package dispatcher manages worker fan-out over the work queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// Queue is the part of workqueue.Queue the dispatcher drives.
type Queue interface {
	Enqueue(ctx context.Context, kind crawler.JobKind, subjectID, batchID string, maxRetries int) (crawler.WorkJob, bool, error)
	RequeueExpired(ctx context.Context) (int, error)
}

// Runner is a long-running worker loop.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers and periodically returns
// jobs with expired leases to the queue.
type Dispatcher struct {
	queue      Queue
	workers    []Runner
	sweepEvery time.Duration
	logger     *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSweepInterval sets how often expired jobs are requeued. Zero disables
// the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.sweepEvery = d }
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(disp *Dispatcher) {
		if logger != nil {
			disp.logger = logger
		}
	}
}

// New creates a Dispatcher.
func New(queue Queue, workers []Runner, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:      queue,
		workers:    workers,
		sweepEvery: time.Minute,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.sweepEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sweep(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) sweep(ctx context.Context) {
	ticker := time.NewTicker(d.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.queue.RequeueExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Error("requeue expired jobs", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				d.logger.Info("requeued expired jobs", zap.Int("count", n))
			}
		}
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(
	ctx context.Context,
	kind crawler.JobKind,
	subjectID, batchID string,
	maxRetries int,
) (crawler.WorkJob, bool, error) {
	job, created, err := d.queue.Enqueue(ctx, kind, subjectID, batchID, maxRetries)
	if err != nil {
		return crawler.WorkJob{}, false, fmt.Errorf("queue enqueue: %w", err)
	}
	return job, created, nil
}
