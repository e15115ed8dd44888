package workqueue

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
	"github.com/JakeFAU/hotfeed-orchestrator/internal/health"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/lease"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/retry"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var start = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

func (s *seqIDs) NewToken() (string, error) { return s.NewID() }

type fixture struct {
	queue  *Queue
	jobs   *memory.JobStore
	logs   *memory.LogStore
	leases *lease.Manager
	clock  *fake.Clock
}

func newFixture(opts ...Option) *fixture {
	clk := fake.New(start)
	ids := &seqIDs{}
	jobs := memory.NewJobStore()
	logs := memory.NewLogStore()
	tracker := health.NewTracker(memory.NewSourceStore(logs), logs, clk, health.WithIDGenerator(ids))
	leases := lease.NewManager(memory.NewLeaseStore(4), clk, ids)
	opts = append([]Option{WithPolicy(retry.Policy{MaxRetries: 3, Backoff: retry.Constant{Wait: time.Minute}})}, opts...)
	return &fixture{
		queue:  New(jobs, leases, tracker, clk, ids, opts...),
		jobs:   jobs,
		logs:   logs,
		leases: leases,
		clock:  clk,
	}
}

func TestEnqueueIsIdempotentPerSubject(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()

	first, created, err := f.queue.Enqueue(ctx, crawler.JobVectorization, "item-1", "batch-1", -1)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 3, first.MaxRetries)
	assert.Equal(t, crawler.JobWaiting, first.Status)

	again, created, err := f.queue.Enqueue(ctx, crawler.JobVectorization, "item-1", "batch-2", 5)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, created, err = f.queue.Enqueue(ctx, crawler.JobArticleCrawl, "item-1", "", 1)
	require.NoError(t, err)
	assert.True(t, created)

	_, _, err = f.queue.Enqueue(ctx, crawler.JobArticleCrawl, "", "", 1)
	require.ErrorIs(t, err, crawler.ErrInvalid)
}

func TestClaimCompleteLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	job, _, err := f.queue.Enqueue(ctx, crawler.JobVectorization, "item-1", "", 2)
	require.NoError(t, err)

	claimed, err := f.queue.Claim(ctx, crawler.JobVectorization, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.Job.ID)
	assert.Equal(t, crawler.JobInProgress, claimed.Job.Status)
	assert.Equal(t, "w1", claimed.Job.AssignedWorker)

	_, err = f.queue.Claim(ctx, crawler.JobVectorization, "w2", time.Minute)
	require.ErrorIs(t, err, ErrEmpty)
	_, err = f.queue.Claim(ctx, crawler.JobArticleCrawl, "w2", time.Minute)
	require.ErrorIs(t, err, ErrEmpty)

	done, err := f.queue.Complete(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobDone, done.Status)

	held, err := f.leases.Held(ctx, lease.JobKey(job.ID))
	require.NoError(t, err)
	assert.False(t, held)

	logs, err := f.logs.ListLogs(ctx, crawler.LogFilter{SubjectID: "item-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, crawler.OutcomeSuccess, logs[0].Outcome)
	assert.Equal(t, crawler.LogVectorization, logs[0].Kind)
}

func TestFailSchedulesRetryThenExhausts(t *testing.T) {
	t.Parallel()

	var decisions []bool
	f := newFixture(WithRetryObserver(func(_ crawler.JobKind, _ crawler.ErrorKind, retried bool) {
		decisions = append(decisions, retried)
	}))
	ctx := context.Background()
	_, _, err := f.queue.Enqueue(ctx, crawler.JobArticleCrawl, "article-1", "", 1)
	require.NoError(t, err)
	transient := crawler.NewFetchError(crawler.KindNetwork, "fetch article", errors.New("connection reset"))

	claimed, err := f.queue.Claim(ctx, crawler.JobArticleCrawl, "w1", time.Minute)
	require.NoError(t, err)
	next, err := f.queue.Fail(ctx, claimed, transient)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobWaiting, next.Status)
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, crawler.KindNetwork, next.LastErrorKind)
	assert.Equal(t, start.Add(time.Minute), next.AvailableAt)

	_, err = f.queue.Claim(ctx, crawler.JobArticleCrawl, "w1", time.Minute)
	require.ErrorIs(t, err, ErrEmpty)

	f.clock.Advance(time.Minute)
	claimed, err = f.queue.Claim(ctx, crawler.JobArticleCrawl, "w1", time.Minute)
	require.NoError(t, err)
	next, err = f.queue.Fail(ctx, claimed, transient)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobFailed, next.Status)
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, []bool{true, false}, decisions)

	logs, err := f.logs.ListLogs(ctx, crawler.LogFilter{SubjectID: "article-1"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, entry := range logs {
		assert.Equal(t, crawler.OutcomeFailure, entry.Outcome)
		assert.Equal(t, crawler.KindNetwork, entry.ErrorKind)
		assert.Equal(t, crawler.LogArticle, entry.Kind)
	}
}

func TestFailPermanentErrorAndReset(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	job, _, err := f.queue.Enqueue(ctx, crawler.JobVectorization, "item-9", "", 3)
	require.NoError(t, err)

	claimed, err := f.queue.Claim(ctx, crawler.JobVectorization, "w1", time.Minute)
	require.NoError(t, err)
	failed, err := f.queue.Fail(ctx, claimed, crawler.NewFetchError(crawler.KindParse, "decode", errors.New("bad json")))
	require.NoError(t, err)
	assert.Equal(t, crawler.JobFailed, failed.Status)
	assert.Zero(t, failed.RetryCount)

	reset, err := f.queue.Reset(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobWaiting, reset.Status)
	assert.Zero(t, reset.RetryCount)

	_, err = f.queue.Reset(ctx, job.ID)
	require.ErrorIs(t, err, crawler.ErrConflict)
}

func TestRequeueExpiredRecoversCrashedWorker(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	_, _, err := f.queue.Enqueue(ctx, crawler.JobVectorization, "item-1", "", 3)
	require.NoError(t, err)
	claimed, err := f.queue.Claim(ctx, crawler.JobVectorization, "crashed", time.Minute)
	require.NoError(t, err)

	n, err := f.queue.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.queue.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.queue.Complete(ctx, claimed)
	require.ErrorIs(t, err, crawler.ErrExpired)

	again, err := f.queue.Claim(ctx, crawler.JobVectorization, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, claimed.Job.ID, again.Job.ID)
	assert.Zero(t, again.Job.RetryCount)
}

func TestStaleWorkerCannotFinishReclaimedJob(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	_, _, err := f.queue.Enqueue(ctx, crawler.JobVectorization, "item-1", "", 3)
	require.NoError(t, err)

	stale, err := f.queue.Claim(ctx, crawler.JobVectorization, "w-a", time.Minute)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	n, err := f.queue.RequeueExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	current, err := f.queue.Claim(ctx, crawler.JobVectorization, "w-b", time.Minute)
	require.NoError(t, err)
	require.Equal(t, stale.Job.ID, current.Job.ID)

	_, err = f.queue.Complete(ctx, stale)
	require.ErrorIs(t, err, crawler.ErrExpired)
	_, err = f.queue.Fail(ctx, stale, errors.New("late failure"))
	require.ErrorIs(t, err, crawler.ErrExpired)
	require.ErrorIs(t, f.queue.Abandon(ctx, stale), crawler.ErrExpired)

	got, err := f.queue.Get(ctx, current.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobInProgress, got.Status)
	assert.Equal(t, "w-b", got.AssignedWorker)
	assert.Zero(t, got.RetryCount)

	held, err := f.leases.Held(ctx, lease.JobKey(current.Job.ID))
	require.NoError(t, err)
	assert.True(t, held, "the stale worker must not release the new owner's lease")

	done, err := f.queue.Complete(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobDone, done.Status)
}

func TestTransientFailuresExhaustMaxRetries(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	job, _, err := f.queue.Enqueue(ctx, crawler.JobVectorization, "item-3", "", 3)
	require.NoError(t, err)
	transient := crawler.NewFetchError(crawler.KindTimeout, "embed", errors.New("deadline exceeded"))

	var statuses []crawler.JobStatus
	for i := 0; i < 4; i++ {
		claimed, err := f.queue.Claim(ctx, crawler.JobVectorization, "w1", time.Minute)
		require.NoError(t, err, "claim %d", i+1)
		assert.Equal(t, crawler.JobInProgress, claimed.Job.Status)
		next, err := f.queue.Fail(ctx, claimed, transient)
		require.NoError(t, err)
		assert.LessOrEqual(t, next.RetryCount, 3)
		statuses = append(statuses, next.Status)
		f.clock.Advance(time.Minute)
	}
	assert.Equal(t, []crawler.JobStatus{
		crawler.JobWaiting, crawler.JobWaiting, crawler.JobWaiting, crawler.JobFailed,
	}, statuses)

	final, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, crawler.JobFailed, final.Status)
	assert.Equal(t, 3, final.RetryCount)

	_, err = f.queue.Claim(ctx, crawler.JobVectorization, "w1", time.Minute)
	require.ErrorIs(t, err, ErrEmpty, "failed jobs are not scheduled again until reset")

	logs, err := f.logs.ListLogs(ctx, crawler.LogFilter{SubjectID: "item-3"})
	require.NoError(t, err)
	require.Len(t, logs, 4)
}
