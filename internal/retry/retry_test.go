package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return e.timeout }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	t.Parallel()

	var syntaxErr error
	{
		var v map[string]any
		syntaxErr = json.Unmarshal([]byte("{"), &v)
	}

	tests := []struct {
		name string
		err  error
		want crawler.ErrorKind
	}{
		{name: "nil", err: nil, want: crawler.KindNone},
		{name: "fetch error", err: crawler.NewFetchError(crawler.KindRateLimited, "fetch", errors.New("429")), want: crawler.KindRateLimited},
		{name: "wrapped fetch error", err: fmt.Errorf("crawl: %w", crawler.NewFetchError(crawler.KindParse, "", errors.New("bad html"))), want: crawler.KindParse},
		{name: "deadline", err: fmt.Errorf("fetch: %w", context.DeadlineExceeded), want: crawler.KindTimeout},
		{name: "canceled", err: context.Canceled, want: crawler.KindInternal},
		{name: "net timeout", err: timeoutErr{timeout: true}, want: crawler.KindTimeout},
		{name: "net other", err: timeoutErr{}, want: crawler.KindNetwork},
		{name: "json syntax", err: syntaxErr, want: crawler.KindParse},
		{name: "invalid", err: fmt.Errorf("payload: %w", crawler.ErrInvalid), want: crawler.KindFormat},
		{name: "other", err: errors.New("boom"), want: crawler.KindUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 2, Backoff: Constant{Wait: time.Second}}
	assert.True(t, p.ShouldRetry(0, crawler.KindNetwork))
	assert.True(t, p.ShouldRetry(1, crawler.KindTimeout))
	assert.False(t, p.ShouldRetry(2, crawler.KindNetwork))
	assert.False(t, p.ShouldRetry(0, crawler.KindParse))
	assert.False(t, p.ShouldRetry(0, crawler.KindFormat))
}

func TestDecideExhaustion(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 3, Backoff: Constant{Wait: 2 * time.Second}}
	err := crawler.NewFetchError(crawler.KindNetwork, "fetch", errors.New("reset"))

	retries := 0
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Decide(attempt, err)
		if !d.Retry {
			break
		}
		retries++
		assert.Equal(t, 2*time.Second, d.Delay)
		assert.Equal(t, crawler.KindNetwork, d.Kind)
	}
	assert.Equal(t, 3, retries)
}

func TestDecidePermanentAndCanceled(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	d := p.Decide(0, crawler.NewFetchError(crawler.KindParse, "parse", errors.New("unexpected token")))
	assert.False(t, d.Retry)
	assert.Equal(t, crawler.KindParse, d.Kind)

	d = p.Decide(0, context.Canceled)
	assert.False(t, d.Retry)

	d = p.Decide(0, fmt.Errorf("job: %w", crawler.ErrCapacityExhausted))
	assert.False(t, d.Retry)

	d = p.Decide(0, nil)
	assert.False(t, d.Retry)
	assert.Equal(t, crawler.KindNone, d.Kind)
}

func TestDecideHonoursRetryAfter(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 1, Backoff: Constant{Wait: time.Second}}
	err := &crawler.FetchError{Kind: crawler.KindRateLimited, RetryAfter: time.Minute, Err: errors.New("slow down")}
	d := p.Decide(0, err)
	require.True(t, d.Retry)
	assert.Equal(t, time.Minute, d.Delay)
}

func TestExponentialBounds(t *testing.T) {
	t.Parallel()

	e := Exponential{Base: 100 * time.Millisecond, Max: time.Second}
	for attempt := 0; attempt < 8; attempt++ {
		capped := 100 * time.Millisecond * time.Duration(1<<attempt)
		if capped > time.Second {
			capped = time.Second
		}
		got := e.Delay(attempt)
		assert.GreaterOrEqual(t, got, capped/2, "attempt %d", attempt)
		assert.Less(t, got, capped, "attempt %d", attempt)
	}
	assert.Equal(t, time.Duration(0), Exponential{}.Delay(3))
}
