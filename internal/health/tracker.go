package health

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// Observer is told about every recorded attempt after it commits. before is
// the zero Source for logs without a source.
type Observer func(entry crawler.ExecutionLog, before, after crawler.Source)

// Tracker records attempts and keeps source health in step with them.
type Tracker struct {
	sources   crawler.SourceStore
	logs      crawler.LogStore
	clock     crawler.Clock
	ids       crawler.IDGenerator
	logger    *zap.Logger
	observers []Observer
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithIDGenerator assigns ids to logs recorded without one.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(t *Tracker) { t.ids = ids }
}

// WithObserver registers fn to run after every committed attempt.
func WithObserver(fn Observer) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.observers = append(t.observers, fn)
		}
	}
}

// NewTracker wires a tracker to its stores.
func NewTracker(sources crawler.SourceStore, logs crawler.LogStore, clock crawler.Clock, opts ...Option) *Tracker {
	t := &Tracker{
		sources: sources,
		logs:    logs,
		clock:   clock,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register makes sure src exists, keeping any stored state.
func (t *Tracker) Register(ctx context.Context, src crawler.Source) (crawler.Source, error) {
	stored, err := t.sources.EnsureSource(ctx, src)
	if err != nil {
		return crawler.Source{}, fmt.Errorf("register source %s: %w", src.ID, err)
	}
	return stored, nil
}

// Source returns the stored state of id.
func (t *Tracker) Source(ctx context.Context, id string) (crawler.Source, error) {
	src, err := t.sources.GetSource(ctx, id)
	if err != nil {
		return crawler.Source{}, fmt.Errorf("get source %s: %w", id, err)
	}
	return src, nil
}

// Statistics returns the operator summary of id.
func (t *Tracker) Statistics(ctx context.Context, id string) (Stats, error) {
	src, err := t.Source(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return Statistics(src, t.clock.Now()), nil
}

// Record writes entry and, when it names a source, applies the outcome to the
// source in the same transaction, auto-disabling it past its threshold. It
// never re-enables a source.
func (t *Tracker) Record(ctx context.Context, entry crawler.ExecutionLog) (crawler.Source, error) {
	now := t.clock.Now()
	if entry.ID == "" && t.ids != nil {
		id, err := t.ids.NewID()
		if err != nil {
			return crawler.Source{}, fmt.Errorf("record attempt: %w", err)
		}
		entry.ID = id
	}
	if entry.EndedAt.IsZero() {
		entry.EndedAt = now
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = entry.EndedAt
	}
	if entry.Outcome == "" {
		entry.Outcome = crawler.OutcomeFailure
	}

	if entry.SourceID == "" {
		if err := t.logs.AppendLog(ctx, entry); err != nil {
			return crawler.Source{}, fmt.Errorf("append execution log: %w", err)
		}
		t.notify(entry, crawler.Source{}, crawler.Source{})
		return crawler.Source{}, nil
	}

	var before crawler.Source
	after, err := t.sources.RecordAttempt(ctx, entry, func(state crawler.Source) crawler.Source {
		before = state
		next := Observe(state, ResultOf(entry), now)
		if ShouldDisable(next) {
			reason := fmt.Sprintf("auto-disabled after %d consecutive failures (last error: %s)",
				next.Counters.ConsecutiveFailures, next.LastErrorKind)
			next = Disable(next, reason, true, now)
		}
		return next
	})
	if err != nil {
		return crawler.Source{}, fmt.Errorf("record attempt for %s: %w", entry.SourceID, err)
	}

	if before.Health != after.Health {
		t.logger.Info("source health changed",
			zap.String("source_id", after.ID),
			zap.String("from", string(before.Health)),
			zap.String("to", string(after.Health)),
			zap.Int("consecutive_failures", after.Counters.ConsecutiveFailures),
		)
	}
	if before.Active && !after.Active {
		t.logger.Warn("source auto-disabled",
			zap.String("source_id", after.ID),
			zap.String("reason", after.DisabledReason),
		)
	}
	t.notify(entry, before, after)
	return after, nil
}

// Reactivate is the manual path back from a disabled state.
func (t *Tracker) Reactivate(ctx context.Context, id string) (crawler.Source, error) {
	now := t.clock.Now()
	src, err := t.sources.UpdateSource(ctx, id, func(state crawler.Source) (crawler.Source, error) {
		return Reactivate(state, now), nil
	})
	if err != nil {
		return crawler.Source{}, fmt.Errorf("reactivate source %s: %w", id, err)
	}
	t.logger.Info("source reactivated", zap.String("source_id", id))
	return src, nil
}

// Disable deactivates id on operator request.
func (t *Tracker) Disable(ctx context.Context, id, reason string) (crawler.Source, error) {
	if reason == "" {
		return crawler.Source{}, errors.New("disable reason is required")
	}
	now := t.clock.Now()
	src, err := t.sources.UpdateSource(ctx, id, func(state crawler.Source) (crawler.Source, error) {
		if !state.Active {
			return state, nil
		}
		return Disable(state, reason, false, now), nil
	})
	if err != nil {
		return crawler.Source{}, fmt.Errorf("disable source %s: %w", id, err)
	}
	return src, nil
}

func (t *Tracker) notify(entry crawler.ExecutionLog, before, after crawler.Source) {
	for _, fn := range t.observers {
		fn(entry, before, after)
	}
}
