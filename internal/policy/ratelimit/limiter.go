// Package ratelimit paces fetches per platform with token buckets sized from
// the platform capability table.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

// DelayObserver is told how long a Wait blocked.
type DelayObserver func(code platform.Code, waited time.Duration)

// Limiter manages per-platform rate limits.
type Limiter struct {
	mu       sync.Mutex
	table    *platform.Table
	limiters map[platform.Code]*rate.Limiter
	cooldown map[platform.Code]time.Time
	observe  DelayObserver
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithDelayObserver reports waits longer than a millisecond to fn.
func WithDelayObserver(fn DelayObserver) Option {
	return func(l *Limiter) { l.observe = fn }
}

// New creates a Limiter over table. A nil table uses the built-in capabilities.
func New(table *platform.Table, opts ...Option) *Limiter {
	l := &Limiter{
		table:    table,
		limiters: make(map[platform.Code]*rate.Limiter),
		cooldown: make(map[platform.Code]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) limiterFor(code platform.Code) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[code]; ok {
		return limiter
	}
	limit, burst := rate.Inf, 1
	if capability, ok := l.table.Lookup(code); ok && capability.RatePerMinute > 0 {
		limit = rate.Limit(float64(capability.RatePerMinute) / 60)
		if capability.Burst > 0 {
			burst = capability.Burst
		}
	}
	limiter := rate.NewLimiter(limit, burst)
	l.limiters[code] = limiter
	return limiter
}

// Wait blocks until code may be fetched again, honoring any cooldown set by
// Backoff, or until ctx ends.
func (l *Limiter) Wait(ctx context.Context, code platform.Code) error {
	start := l.now()
	if until := l.cooldownUntil(code); until.After(start) {
		timer := time.NewTimer(until.Sub(start))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := l.limiterFor(code).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := l.now().Sub(start); waited > time.Millisecond && l.observe != nil {
		l.observe(code, waited)
	}
	return nil
}

// Backoff pauses code until until, typically after the platform answered with
// a rate-limit error. An earlier until never shortens an existing cooldown.
func (l *Limiter) Backoff(code platform.Code, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.cooldown[code]) {
		l.cooldown[code] = until
	}
}

func (l *Limiter) cooldownUntil(code platform.Code) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldown[code]
}
