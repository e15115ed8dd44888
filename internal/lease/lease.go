// Package lease grants time-bounded exclusive claims on work items. Expiry is
// the only cancellation primitive: a crashed holder's work becomes acquirable
// again strictly after the lease's ExpiresAt.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// TokenGenerator produces unguessable lease tokens.
type TokenGenerator interface {
	NewToken() (string, error)
}

// Observer is told about contention and expiry for metrics.
type Observer interface {
	LeaseAcquired(itemID string)
	LeaseBusy(itemID string)
	LeaseLost(itemID string)
}

// Manager acquires, renews and releases leases against a store.
type Manager struct {
	store    crawler.LeaseStore
	clock    crawler.Clock
	tokens   TokenGenerator
	logger   *zap.Logger
	observer Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver reports lease events to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager builds a Manager.
func NewManager(store crawler.LeaseStore, clock crawler.Clock, tokens TokenGenerator, opts ...Option) *Manager {
	m := &Manager{store: store, clock: clock, tokens: tokens, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire claims itemID for holder for ttl. It returns crawler.ErrBusy when a
// live lease exists.
func (m *Manager) Acquire(ctx context.Context, itemID, holder string, ttl time.Duration) (crawler.Lease, error) {
	if itemID == "" {
		return crawler.Lease{}, fmt.Errorf("acquire lease: %w: empty item id", crawler.ErrInvalid)
	}
	if ttl <= 0 {
		return crawler.Lease{}, fmt.Errorf("acquire lease: %w: ttl must be positive", crawler.ErrInvalid)
	}
	token, err := m.tokens.NewToken()
	if err != nil {
		return crawler.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	now := m.clock.Now()
	want := crawler.Lease{
		ItemID:     itemID,
		Holder:     holder,
		Token:      token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	got, ok, err := m.store.TryAcquire(ctx, want, now)
	if err != nil {
		return crawler.Lease{}, fmt.Errorf("acquire lease %s: %w", itemID, err)
	}
	if !ok {
		if m.observer != nil {
			m.observer.LeaseBusy(itemID)
		}
		m.logger.Debug("lease busy",
			zap.String("item_id", itemID),
			zap.String("holder", got.Holder),
			zap.Time("expires_at", got.ExpiresAt),
		)
		return crawler.Lease{}, crawler.ErrBusy
	}
	if m.observer != nil {
		m.observer.LeaseAcquired(itemID)
	}
	return got, nil
}

// Renew extends lease to max(current expiry, now+ttl). It returns
// crawler.ErrExpired when the lease was lost.
func (m *Manager) Renew(ctx context.Context, lease crawler.Lease, ttl time.Duration) (crawler.Lease, error) {
	now := m.clock.Now()
	if lease.Expired(now) {
		m.lost(lease)
		return crawler.Lease{}, crawler.ErrExpired
	}
	got, err := m.store.Extend(ctx, lease.ItemID, lease.Token, now.Add(ttl), now)
	if errors.Is(err, crawler.ErrExpired) {
		m.lost(lease)
		return crawler.Lease{}, crawler.ErrExpired
	}
	if err != nil {
		return crawler.Lease{}, fmt.Errorf("renew lease %s: %w", lease.ItemID, err)
	}
	return got, nil
}

// Release gives lease up. Releasing an expired or foreign lease is a no-op.
func (m *Manager) Release(ctx context.Context, lease crawler.Lease) error {
	if lease.ItemID == "" {
		return nil
	}
	if err := m.store.Delete(ctx, lease.ItemID, lease.Token); err != nil {
		return fmt.Errorf("release lease %s: %w", lease.ItemID, err)
	}
	return nil
}

// Held reports whether a live lease exists for itemID.
func (m *Manager) Held(ctx context.Context, itemID string) (bool, error) {
	current, err := m.store.Get(ctx, itemID)
	if errors.Is(err, crawler.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get lease %s: %w", itemID, err)
	}
	return !current.Expired(m.clock.Now()), nil
}

// Keepalive renews lease every interval until ctx ends or renewal fails. A
// renewal failure is sent on the returned channel, which is closed when the
// loop stops.
func (m *Manager) Keepalive(ctx context.Context, lease crawler.Lease, interval, ttl time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		current := lease
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, err := m.Renew(ctx, current, ttl)
				if err != nil {
					if ctx.Err() == nil {
						done <- err
					}
					return
				}
				current = renewed
			}
		}
	}()
	return done
}

func (m *Manager) lost(lease crawler.Lease) {
	if m.observer != nil {
		m.observer.LeaseLost(lease.ItemID)
	}
	m.logger.Warn("lease lost", zap.String("item_id", lease.ItemID), zap.String("holder", lease.Holder))
}

// CrawlKey is the lease on one platform of one task.
func CrawlKey(taskID, platform string) string { return "crawl:" + taskID + ":" + platform }

// JobKey is the lease on a work job.
func JobKey(jobID string) string { return "job:" + jobID }

// AggregateKey is the lease on a date's reconciliation.
func AggregateKey(date crawler.Date) string { return "aggregate:" + date.String() }
