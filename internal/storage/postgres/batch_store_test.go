package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/store"
)

var batchColumnNames = []string{"batch_id", "kind", "successes", "failures", "items", "first_at", "last_at"}

func TestBatchStoreUpsertBatchStats(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	bs := NewBatchStore(mock)

	mock.ExpectExec("INSERT INTO batch_stats").
		WithArgs("batch-1", "crawl", int64(1), int64(0), int64(25), testNow, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	err := bs.UpsertBatchStats(context.Background(), store.BatchStats{
		BatchID:   "batch-1",
		Kind:      crawler.LogCrawl,
		Successes: 1,
		Items:     25,
		FirstAt:   testNow,
		LastAt:    testNow,
	})
	require.NoError(t, err)

	require.Error(t, bs.UpsertBatchStats(context.Background(), store.BatchStats{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchStoreGetAndList(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	bs := NewBatchStore(mock)

	mock.ExpectQuery("(?s)SELECT .+ FROM batch_stats WHERE batch_id").
		WithArgs("batch-1").
		WillReturnRows(pgxmock.NewRows(batchColumnNames).
			AddRow("batch-1", "crawl", int64(2), int64(1), int64(40), testNow, testNow.Add(time.Minute)))
	got, err := bs.GetBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Attempts())
	assert.Equal(t, crawler.LogCrawl, got.Kind)

	mock.ExpectQuery("(?s)SELECT .+ FROM batch_stats WHERE batch_id").
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows(batchColumnNames))
	_, err = bs.GetBatch(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	mock.ExpectQuery("(?s)SELECT .+ FROM batch_stats ORDER BY last_at DESC, batch_id LIMIT 5 OFFSET 10").
		WillReturnRows(pgxmock.NewRows(batchColumnNames).
			AddRow("batch-2", "vectorization", int64(1), int64(0), int64(1), testNow, testNow))
	list, err := bs.ListBatches(context.Background(), 5, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "batch-2", list[0].BatchID)
	require.NoError(t, mock.ExpectationsWereMet())
}
