package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/progress"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/store"
)

// TestStoreSinkPersistsEvents ensures attempts are collapsed per batch before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeBatchRepo{}
	sink := NewStoreSink(repo, nil)

	late := attempt(crawler.OutcomeSuccess, "b1", 5)
	late.Log.EndedAt = t0.Add(time.Minute)
	batch := []progress.Event{
		attempt(crawler.OutcomeSuccess, "b1", 20),
		attempt(crawler.OutcomeFailure, "b1", 0),
		late,
		attempt(crawler.OutcomeSuccess, "b2", 1),
		attempt(crawler.OutcomeSuccess, "", 99),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.upserts, 2)
	b1 := repo.upserts[0]
	require.Equal(t, "b1", b1.BatchID)
	require.Equal(t, int64(2), b1.Successes)
	require.Equal(t, int64(1), b1.Failures)
	require.Equal(t, int64(25), b1.Items)
	require.Equal(t, t0, b1.FirstAt)
	require.Equal(t, t0.Add(time.Minute), b1.LastAt)
	require.Equal(t, "b2", repo.upserts[1].BatchID)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeBatchRepo{fail: true}, nil)
	err := sink.Consume(context.Background(), []progress.Event{attempt(crawler.OutcomeSuccess, "b1", 1)})
	require.Error(t, err)
}

type fakeBatchRepo struct {
	fail    bool
	upserts []store.BatchStats
}

func (f *fakeBatchRepo) UpsertBatchStats(_ context.Context, delta store.BatchStats) error {
	if f.fail {
		return errors.New("db down")
	}
	f.upserts = append(f.upserts, delta)
	return nil
}

func (f *fakeBatchRepo) GetBatch(context.Context, string) (store.BatchStats, error) {
	return store.BatchStats{}, crawler.ErrNotFound
}

func (f *fakeBatchRepo) ListBatches(context.Context, int, int) ([]store.BatchStats, error) {
	return f.upserts, nil
}
