package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

func TestLeaseStoreExpiry(t *testing.T) {
	t.Parallel()

	store := NewLeaseStore(4)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	first := crawler.Lease{ItemID: "item", Holder: "a", Token: "t1", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}

	got, ok, err := store.TryAcquire(ctx, first, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got)

	second := crawler.Lease{ItemID: "item", Holder: "b", Token: "t2", ExpiresAt: now.Add(2 * time.Minute)}
	holder, ok, err := store.TryAcquire(ctx, second, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "lease is still live at its expiry instant")
	assert.Equal(t, "a", holder.Holder)

	_, ok, err = store.TryAcquire(ctx, second, now.Add(time.Minute+time.Nanosecond))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Extend(ctx, "item", "t1", now.Add(time.Hour), now.Add(time.Minute+time.Second))
	require.ErrorIs(t, err, crawler.ErrExpired)
}

func TestLeaseStoreExtendNeverShrinks(t *testing.T) {
	t.Parallel()

	store := NewLeaseStore(0)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	_, _, err := store.TryAcquire(ctx, crawler.Lease{ItemID: "x", Token: "t", ExpiresAt: now.Add(10 * time.Minute)}, now)
	require.NoError(t, err)

	got, err := store.Extend(ctx, "x", "t", now.Add(time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), got.ExpiresAt)

	got, err = store.Extend(ctx, "x", "t", now.Add(20*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(20*time.Minute), got.ExpiresAt)

	require.NoError(t, store.Delete(ctx, "x", "other"))
	_, err = store.Get(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "x", "t"))
	_, err = store.Get(ctx, "x")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestLeaseStoreConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()

	store := NewLeaseStore(8)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease := crawler.Lease{ItemID: "hot", Holder: fmt.Sprintf("agent-%d", i), Token: fmt.Sprint(i), ExpiresAt: now.Add(time.Minute)}
			_, ok, err := store.TryAcquire(ctx, lease, now)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
