// Package retry decides whether and when a failed attempt is tried again. The
// same policy governs platform crawls, article fetches, vectorization and
// source syncs.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"net"
	"time"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// Strategy maps a retry number (0 for the first retry) to a wait.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay per attempt up to Max, returning a value in
// [d/2, d) where d is the capped delay.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements Strategy.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(2, float64(attempt))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Constant waits the same amount before every retry.
type Constant struct {
	Wait time.Duration
}

// Delay implements Strategy.
func (c Constant) Delay(int) time.Duration { return c.Wait }

// Policy bounds the number of retries and spaces them out.
type Policy struct {
	MaxRetries int
	Backoff    Strategy
}

// DefaultPolicy returns three retries with exponential backoff from 1s to 5m.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Backoff:    Exponential{Base: time.Second, Max: 5 * time.Minute},
	}
}

// ShouldRetry reports whether a failure of kind after attempt prior retries
// deserves another try.
func (p Policy) ShouldRetry(attempt int, kind crawler.ErrorKind) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return kind.Retryable()
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
	Kind  crawler.ErrorKind
}

// Decide classifies err and decides on a retry. Cancellation and exhausted
// capacity are never retried.
func (p Policy) Decide(attempt int, err error) Decision {
	kind := Classify(err)
	d := Decision{Kind: kind}
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, crawler.ErrCapacityExhausted) {
		return d
	}
	if !p.ShouldRetry(attempt, kind) {
		return d
	}
	d.Retry = true
	if p.Backoff != nil {
		d.Delay = p.Backoff.Delay(attempt)
	}
	var fetchErr *crawler.FetchError
	if errors.As(err, &fetchErr) && fetchErr.RetryAfter > d.Delay {
		d.Delay = fetchErr.RetryAfter
	}
	return d
}

// Classify maps err onto the failure taxonomy.
func Classify(err error) crawler.ErrorKind {
	if err == nil {
		return crawler.KindNone
	}
	var fetchErr *crawler.FetchError
	if errors.As(err, &fetchErr) && fetchErr.Kind != crawler.KindNone {
		return fetchErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawler.KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return crawler.KindInternal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return crawler.KindTimeout
		}
		return crawler.KindNetwork
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return crawler.KindParse
	}
	if errors.Is(err, crawler.ErrInvalid) {
		return crawler.KindFormat
	}
	return crawler.KindUnknown
}
