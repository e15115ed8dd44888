package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

var (
	topicDate = crawler.Date{Year: 2024, Month: time.April, Day: 30}
	topicDay  = time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)
)

func sampleTopic(id string, fps ...crawler.Fingerprint) crawler.UnifiedTopic {
	return crawler.UnifiedTopic{
		ID:              id,
		Date:            topicDate,
		Title:           "Launch",
		Category:        "tech",
		Fingerprints:    fps,
		SourcePlatforms: []platform.Code{platform.Weibo, platform.Zhihu},
		AggregateScore:  81.5,
		TopicCount:      len(fps),
		ProcessingTime:  1500 * time.Millisecond,
		CreatedAt:       testNow,
	}
}

func TestTopicStoreSaveTopicsCommitsMembership(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(topicDay).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO unified_topics").
		WithArgs("topic-1", topicDay, "Launch", "", "", []string{}, "tech", []string{"fp-a", "fp-b"},
			[]int64{}, []string{"weibo", "zhihu"}, 81.5, 2, "", int64(1500), false, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO topic_members").
		WithArgs(topicDay, []string{"fp-a", "fp-b"}, "topic-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := NewTopicStore(mock).SaveTopics(context.Background(), topicDate,
		[]crawler.UnifiedTopic{sampleTopic("topic-1", "fp-a", "fp-b")})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopicStoreSaveTopicsRollsBackOnOwnedFingerprint(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(topicDay).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO unified_topics").
		WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO topic_members").
		WithArgs(topicDay, []string{"fp-a", "fp-b"}, "topic-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectRollback()

	err := NewTopicStore(mock).SaveTopics(context.Background(), topicDate,
		[]crawler.UnifiedTopic{sampleTopic("topic-1", "fp-a", "fp-b")})
	require.ErrorIs(t, err, crawler.ErrFingerprintOwned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopicStoreSaveTopicsRejectsClosedDate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(topicDay).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := NewTopicStore(mock).SaveTopics(context.Background(), topicDate,
		[]crawler.UnifiedTopic{sampleTopic("topic-1", "fp-a")})
	require.ErrorIs(t, err, crawler.ErrDateClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopicStoreFinalizeDate(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO finalized_dates").
		WithArgs(topicDay).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE unified_topics SET finalized = true").
		WithArgs(topicDay).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()

	count, err := NewTopicStore(mock).FinalizeDate(context.Background(), topicDate)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopicStoreReads(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewTopicStore(mock)

	mock.ExpectQuery("SELECT fingerprint, topic_id FROM topic_members").
		WithArgs(topicDay).
		WillReturnRows(pgxmock.NewRows([]string{"fingerprint", "topic_id"}).
			AddRow("fp-a", "topic-1").
			AddRow("fp-b", "topic-1"))
	owned, err := store.OwnedFingerprints(context.Background(), topicDate)
	require.NoError(t, err)
	assert.Equal(t, map[crawler.Fingerprint]string{"fp-a": "topic-1", "fp-b": "topic-1"}, owned)

	mock.ExpectQuery("(?s)SELECT .+ FROM unified_topics WHERE topic_date = \\$1 ORDER BY seq").
		WithArgs(topicDay).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "topic_date", "title", "summary", "representative_url", "keywords", "category", "fingerprints",
			"legacy_item_ids", "source_platforms", "aggregate_score", "topic_count", "model", "processing_ms",
			"finalized", "created_at",
		}).AddRow("topic-1", topicDay, "Launch", "", "", []string{"rocket"}, "tech", []string{"fp-a", "fp-b"},
			[]int64{11, 12}, []string{"weibo", "zhihu"}, 81.5, 2, "grouper-v1", int64(1500), true, testNow))
	topics, err := store.ListTopics(context.Background(), topicDate)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, topicDate, topics[0].Date)
	assert.Equal(t, 1500*time.Millisecond, topics[0].ProcessingTime)
	assert.Equal(t, []crawler.Fingerprint{"fp-a", "fp-b"}, topics[0].Fingerprints)
	assert.Equal(t, []platform.Code{platform.Weibo, platform.Zhihu}, topics[0].SourcePlatforms)
	assert.True(t, topics[0].Finalized)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(topicDay).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	closed, err := store.DateFinalized(context.Background(), topicDate)
	require.NoError(t, err)
	assert.True(t, closed)
	require.NoError(t, mock.ExpectationsWereMet())
}
