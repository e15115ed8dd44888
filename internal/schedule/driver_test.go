package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

func TestDriverTickDispatchesDueTasks(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	_, err := f.scheduler.Submit(ctx, TriggerRequest{Platforms: []string{"weibo"}})
	require.NoError(t, err)
	_, err = f.scheduler.Submit(ctx, TriggerRequest{Platforms: []string{"douyin"}})
	require.NoError(t, err)

	var got []crawler.CrawlTask
	d, err := NewDriver(f.scheduler, f.clock, DriverConfig{AgentID: "agent-1", StaleAfter: time.Hour}, func(_ context.Context, task crawler.CrawlTask) {
		got = append(got, task)
	}, nil)
	require.NoError(t, err)

	n, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, got, 2)
	assert.Equal(t, "agent-1", got[0].AgentID)

	n, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDriverTickClaimsOneTaskAtATime(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	for _, p := range []string{"weibo", "douyin", "zhihu"} {
		_, err := f.scheduler.Submit(ctx, TriggerRequest{Platforms: []string{p}})
		require.NoError(t, err)
	}

	var pendingSeen []int
	d, err := NewDriver(f.scheduler, f.clock, DriverConfig{AgentID: "agent-1", BatchSize: 2}, func(ctx context.Context, task crawler.CrawlTask) {
		pending, err := f.tasks.ListTasks(ctx, crawler.TaskFilter{Status: crawler.TaskPending})
		require.NoError(t, err)
		pendingSeen = append(pendingSeen, len(pending))
		_, err = f.scheduler.Complete(ctx, task.ID, "agent-1", crawler.OutcomeSuccess, f.clock.Now())
		require.NoError(t, err)
	}, nil)
	require.NoError(t, err)

	n, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{2, 1}, pendingSeen, "later tasks stay pending while earlier ones run")

	n, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCronAcceptsOptionalSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec string
	}{
		{name: "five fields", spec: "*/5 * * * *"},
		{name: "six fields", spec: "30 */5 * * * *"},
		{name: "descriptor", spec: "@every 30s"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newCron()
			_, err := c.AddFunc(tt.spec, func() {})
			require.NoError(t, err)
		})
	}
}

func TestNewDriverRequiresHandler(t *testing.T) {
	t.Parallel()

	_, err := NewDriver(newFixture().scheduler, nil, DriverConfig{}, nil, nil)
	require.Error(t, err)
}

func TestDriverRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.scheduler.Submit(ctx, TriggerRequest{Platforms: []string{"weibo"}})
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		ran int
	)
	d, err := NewDriver(f.scheduler, f.clock, DriverConfig{Spec: "@every 1s"}, func(context.Context, crawler.CrawlTask) {
		mu.Lock()
		ran++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 1
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not stop")
	}
}

func TestDriverRunRejectsBadSpec(t *testing.T) {
	t.Parallel()

	d, err := NewDriver(newFixture().scheduler, nil, DriverConfig{Spec: "not a cron"}, func(context.Context, crawler.CrawlTask) {}, nil)
	require.NoError(t, err)
	require.Error(t, d.Run(context.Background()))
}
