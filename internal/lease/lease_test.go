package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/clock/fake"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type counterTokens struct {
	mu sync.Mutex
	n  int
}

func (c *counterTokens) NewToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return fmt.Sprintf("token-%d", c.n), nil
}

type recordingObserver struct {
	mu                     sync.Mutex
	acquired, busy, losses int
}

func (r *recordingObserver) LeaseAcquired(string) { r.mu.Lock(); r.acquired++; r.mu.Unlock() }
func (r *recordingObserver) LeaseBusy(string)     { r.mu.Lock(); r.busy++; r.mu.Unlock() }
func (r *recordingObserver) LeaseLost(string)     { r.mu.Lock(); r.losses++; r.mu.Unlock() }

var start = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newManager(obs Observer) (*Manager, *fake.Clock) {
	clk := fake.New(start)
	return NewManager(memory.NewLeaseStore(4), clk, &counterTokens{}, WithObserver(obs)), clk
}

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	m, _ := newManager(obs)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := fmt.Sprintf("agent-%d", i)
			_, err := m.Acquire(ctx, "crawl:t1:weibo", holder, time.Minute)
			if err == nil {
				mu.Lock()
				winners = append(winners, holder)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, crawler.ErrBusy)
		}(i)
	}
	wg.Wait()
	assert.Len(t, winners, 1)
	assert.Equal(t, 1, obs.acquired)
	assert.Equal(t, 15, obs.busy)
}

func TestExpiredLeaseIsAcquirableOnlyAfterTTL(t *testing.T) {
	t.Parallel()

	m, clk := newManager(nil)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "job:1", "a", 30*time.Second)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	_, err = m.Acquire(ctx, "job:1", "b", 30*time.Second)
	require.ErrorIs(t, err, crawler.ErrBusy, "not acquirable at the expiry instant")

	clk.Advance(time.Millisecond)
	second, err := m.Acquire(ctx, "job:1", "b", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", second.Holder)

	_, err = m.Renew(ctx, first, time.Minute)
	require.ErrorIs(t, err, crawler.ErrExpired)

	require.NoError(t, m.Release(ctx, first), "releasing a lost lease is a no-op")
	held, err := m.Held(ctx, "job:1")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRenewNeverShortens(t *testing.T) {
	t.Parallel()

	m, clk := newManager(nil)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "x", "a", 10*time.Minute)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	renewed, err := m.Renew(ctx, l, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, l.ExpiresAt, renewed.ExpiresAt)

	renewed, err = m.Renew(ctx, l, 20*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, start.Add(21*time.Minute), renewed.ExpiresAt)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	m, _ := newManager(nil)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "x", "a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, l))
	require.NoError(t, m.Release(ctx, l))
	require.NoError(t, m.Release(ctx, crawler.Lease{}))

	_, err = m.Acquire(ctx, "x", "b", time.Minute)
	require.NoError(t, err)
}

func TestAcquireValidatesInput(t *testing.T) {
	t.Parallel()

	m, _ := newManager(nil)
	_, err := m.Acquire(context.Background(), "", "a", time.Minute)
	require.ErrorIs(t, err, crawler.ErrInvalid)
	_, err = m.Acquire(context.Background(), "x", "a", 0)
	require.ErrorIs(t, err, crawler.ErrInvalid)
}

type failingTokens struct{}

func (failingTokens) NewToken() (string, error) { return "", errors.New("entropy") }

func TestAcquireTokenFailure(t *testing.T) {
	t.Parallel()

	m := NewManager(memory.NewLeaseStore(1), fake.New(start), failingTokens{})
	_, err := m.Acquire(context.Background(), "x", "a", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, crawler.ErrBusy)
}

func TestKeepaliveReportsLoss(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	m, clk := newManager(obs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := m.Acquire(ctx, "x", "a", time.Second)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	done := m.Keepalive(ctx, l, time.Millisecond, time.Second)
	select {
	case err := <-done:
		require.ErrorIs(t, err, crawler.ErrExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not report the lost lease")
	}
	_, open := <-done
	assert.False(t, open)
}

func TestKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "crawl:t1:weibo", CrawlKey("t1", "weibo"))
	assert.Equal(t, "job:j1", JobKey("j1"))
	assert.Equal(t, "aggregate:2024-05-01", AggregateKey(crawler.Date{Year: 2024, Month: time.May, Day: 1}))
}
