package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type startedRunner struct {
	started chan struct{}
}

func (r *startedRunner) Run(ctx context.Context) {
	r.started <- struct{}{}
	<-ctx.Done()
}

type fakeQueue struct {
	err      error
	requeues atomic.Int32
}

func (q *fakeQueue) Enqueue(_ context.Context, kind crawler.JobKind, subjectID, _ string, _ int) (crawler.WorkJob, bool, error) {
	if q.err != nil {
		return crawler.WorkJob{}, false, q.err
	}
	return crawler.WorkJob{ID: "job-1", Kind: kind, SubjectID: subjectID}, true, nil
}

func (q *fakeQueue) RequeueExpired(context.Context) (int, error) {
	q.requeues.Add(1)
	return 1, nil
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	runners := []Runner{
		&startedRunner{started: make(chan struct{}, 1)},
		&startedRunner{started: make(chan struct{}, 1)},
	}
	queue := &fakeQueue{}
	dispatch := New(queue, runners, WithSweepInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for _, r := range runners {
		select {
		case <-r.(*startedRunner).started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}
	require.Eventually(t, func() bool { return queue.requeues.Load() > 0 }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&fakeQueue{err: errors.New("boom")}, nil)
	_, _, err := dispatch.Enqueue(context.Background(), crawler.JobVectorization, "item-1", "", -1)
	require.EqualError(t, err, "queue enqueue: boom")

	dispatch = New(&fakeQueue{}, nil)
	job, created, err := dispatch.Enqueue(context.Background(), crawler.JobVectorization, "item-1", "", -1)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "item-1", job.SubjectID)
}
