package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

func TestLimiterWaitPacesPerPlatform(t *testing.T) {
	t.Parallel()

	// 600 per minute is one token every 100ms.
	table, err := platform.NewTable(map[string]platform.Override{
		"weibo": {RatePerMinute: 600, Burst: 1},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	delays := map[platform.Code]time.Duration{}
	l := New(table, WithDelayObserver(func(code platform.Code, waited time.Duration) {
		mu.Lock()
		delays[code] += waited
		mu.Unlock()
	}))
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, platform.Weibo))
	require.NoError(t, l.Wait(ctx, platform.Weibo))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	mu.Lock()
	assert.Positive(t, delays[platform.Weibo])
	mu.Unlock()
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	table, err := platform.NewTable(map[string]platform.Override{
		"douyin": {RatePerMinute: 1, Burst: 1},
	})
	require.NoError(t, err)
	l := New(table)

	require.NoError(t, l.Wait(context.Background(), platform.Douyin))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Wait(ctx, platform.Douyin)
	require.Error(t, err)
}

func TestLimiterBackoff(t *testing.T) {
	t.Parallel()

	table, err := platform.NewTable(map[string]platform.Override{
		"rss": {RatePerMinute: 6000, Burst: 10},
	})
	require.NoError(t, err)
	l := New(table)

	l.Backoff(platform.RSS, time.Now().Add(time.Hour))
	l.Backoff(platform.RSS, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Wait(ctx, platform.RSS)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	// Other platforms are unaffected.
	require.NoError(t, l.Wait(context.Background(), platform.Zhihu))
}

func TestLimiterNilTableUsesBuiltinBurst(t *testing.T) {
	t.Parallel()

	l := New(nil)
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background(), platform.RSS))
	}
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, platform.RSS))
}
