package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

func TestTopicStoreOwnershipIsAtomic(t *testing.T) {
	t.Parallel()

	store := NewTopicStore()
	ctx := context.Background()
	date := crawler.Date{Year: 2024, Month: time.May, Day: 1}

	require.NoError(t, store.SaveTopics(ctx, date, []crawler.UnifiedTopic{
		{ID: "t1", Fingerprints: []crawler.Fingerprint{"a", "b"}},
	}))

	err := store.SaveTopics(ctx, date, []crawler.UnifiedTopic{
		{ID: "t2", Fingerprints: []crawler.Fingerprint{"c"}},
		{ID: "t3", Fingerprints: []crawler.Fingerprint{"b"}},
	})
	require.ErrorIs(t, err, crawler.ErrFingerprintOwned)

	owned, err := store.OwnedFingerprints(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, map[crawler.Fingerprint]string{"a": "t1", "b": "t1"}, owned)

	err = store.SaveTopics(ctx, date, []crawler.UnifiedTopic{
		{ID: "t4", Fingerprints: []crawler.Fingerprint{"d"}},
		{ID: "t5", Fingerprints: []crawler.Fingerprint{"d"}},
	})
	require.ErrorIs(t, err, crawler.ErrFingerprintOwned)

	other := crawler.Date{Year: 2024, Month: time.May, Day: 2}
	require.NoError(t, store.SaveTopics(ctx, other, []crawler.UnifiedTopic{{ID: "t6", Fingerprints: []crawler.Fingerprint{"a"}}}))
}

func TestTopicStoreFinalize(t *testing.T) {
	t.Parallel()

	store := NewTopicStore()
	ctx := context.Background()
	date := crawler.Date{Year: 2024, Month: time.May, Day: 1}
	require.NoError(t, store.SaveTopics(ctx, date, []crawler.UnifiedTopic{{ID: "t1", Fingerprints: []crawler.Fingerprint{"a"}}}))

	n, err := store.FinalizeDate(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	closed, err := store.DateFinalized(ctx, date)
	require.NoError(t, err)
	assert.True(t, closed)

	topics, err := store.ListTopics(ctx, date)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.True(t, topics[0].Finalized)

	err = store.SaveTopics(ctx, date, []crawler.UnifiedTopic{{ID: "t2", Fingerprints: []crawler.Fingerprint{"z"}}})
	require.ErrorIs(t, err, crawler.ErrDateClosed)
}
