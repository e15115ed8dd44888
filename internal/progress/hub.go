package progress

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize is the channel capacity; events beyond it are dropped.
	BufferSize int
	// MaxBatchEvents flushes a batch once it reaches this size.
	MaxBatchEvents int
	// MaxBatchWait bounds how long the first event of a partial batch waits.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Filter selects the events a route receives. The zero Filter matches every
// event; set fields narrow it further.
type Filter struct {
	// Kinds keeps only these log kinds.
	Kinds []crawler.LogKind
	// Notable keeps failed attempts and attempts that moved their source
	// between health classes.
	Notable bool
	// Batched keeps only attempts that carry a batch id.
	Batched bool
}

// Match reports whether evt passes the filter.
func (f Filter) Match(evt Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, evt.Log.Kind) {
		return false
	}
	if f.Notable && evt.Log.Outcome != crawler.OutcomeFailure && !evt.HealthChanged() {
		return false
	}
	if f.Batched && evt.Log.BatchID == "" {
		return false
	}
	return true
}

// Route pairs a sink with the events it wants.
type Route struct {
	Sink   Sink
	Filter Filter
}

// All routes every event to sink.
func All(sink Sink) Route {
	return Route{Sink: sink}
}

// Stats are hub counters since start.
type Stats struct {
	Accepted   int64 `json:"accepted"`
	Invalid    int64 `json:"invalid"`
	Dropped    int64 `json:"dropped"`
	Flushes    int64 `json:"flushes"`
	SinkErrors int64 `json:"sink_errors"`
}

// Hub batches execution-log events and hands each route the part of a batch
// its filter matches. Emit never blocks.
type Hub struct {
	cfg    Config
	routes []Route
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropWarn   rate.Sometimes
	unreported atomic.Int64

	accepted   atomic.Int64
	invalid    atomic.Int64
	dropped    atomic.Int64
	flushes    atomic.Int64
	sinkErrors atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine over routes. Routes with a nil sink are
// ignored.
func NewHub(cfg Config, routes ...Route) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Sink != nil {
			kept = append(kept, r)
		}
	}
	h := &Hub{
		cfg:      cfg,
		routes:   kept,
		events:   make(chan Event, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
		dropWarn: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt. Invalid events are discarded; when the buffer is full the
// event is dropped and a warning is logged at most once per dropLogInterval.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.invalid.Add(1)
		h.logger.Debug("discarding invalid progress event",
			zap.String("subject_id", evt.Log.SubjectID),
			zap.Error(err),
		)
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
	default:
		h.dropped.Add(1)
		h.unreported.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.unreported.Swap(0)))
		})
	}
}

// Close stops intake, delivers what is buffered, closes the sinks and waits
// for the batching goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{
		Accepted:   h.accepted.Load(),
		Invalid:    h.invalid.Load(),
		Dropped:    h.dropped.Load(),
		Flushes:    h.flushes.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	var (
		pending  []Event
		deadline *time.Timer
		expired  <-chan time.Time
	)
	stopDeadline := func() {
		if deadline != nil {
			deadline.Stop()
			deadline, expired = nil, nil
		}
	}
	for {
		select {
		case evt := <-h.events:
			if len(pending) == 0 {
				deadline = time.NewTimer(h.cfg.MaxBatchWait)
				expired = deadline.C
			}
			pending = append(pending, evt)
			if len(pending) < h.cfg.MaxBatchEvents {
				continue
			}
		case <-expired:
		case <-h.stopCh:
			stopDeadline()
			h.shutdown(pending)
			return
		}
		stopDeadline()
		h.deliver(pending)
		pending = nil
	}
}

// shutdown delivers pending plus whatever is still buffered, then closes the
// sinks.
func (h *Hub) shutdown(pending []Event) {
	for drained := false; !drained; {
		select {
		case evt := <-h.events:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				h.deliver(pending)
				pending = nil
			}
		default:
			drained = true
		}
	}
	h.deliver(pending)

	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, r := range h.routes {
		if err := r.Sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", sinkName(r.Sink)), zap.Error(err))
		}
	}
	stats := h.Stats()
	h.logger.Debug("progress hub closed",
		zap.Int64("accepted", stats.Accepted),
		zap.Int64("dropped", stats.Dropped),
		zap.Int64("sink_errors", stats.SinkErrors),
	)
}

func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	h.flushes.Add(1)
	for _, r := range h.routes {
		matched := make([]Event, 0, len(batch))
		for _, evt := range batch {
			if r.Filter.Match(evt) {
				matched = append(matched, evt)
			}
		}
		if len(matched) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := r.Sink.Consume(ctx, matched)
		cancel()
		if err != nil {
			h.sinkErrors.Add(1)
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", sinkName(r.Sink)),
				zap.Int("events", len(matched)),
				zap.Error(err),
			)
		}
	}
}

func sinkName(s Sink) string {
	return fmt.Sprintf("%T", s)
}
