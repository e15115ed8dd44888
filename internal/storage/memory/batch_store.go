package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/store"
)

// BatchStore keeps batch rollups for the progress store sink.
type BatchStore struct {
	mu      sync.RWMutex
	batches map[string]store.BatchStats
}

// NewBatchStore constructs a BatchStore.
func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[string]store.BatchStats)}
}

// UpsertBatchStats merges delta into the stored rollup.
func (s *BatchStore) UpsertBatchStats(_ context.Context, delta store.BatchStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[delta.BatchID] = s.batches[delta.BatchID].Merge(delta)
	return nil
}

// GetBatch returns one rollup.
func (s *BatchStore) GetBatch(_ context.Context, batchID string) (store.BatchStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return store.BatchStats{}, crawler.ErrNotFound
	}
	return b, nil
}

// ListBatches returns rollups by most recent activity.
func (s *BatchStore) ListBatches(_ context.Context, limit, offset int) ([]store.BatchStats, error) {
	s.mu.RLock()
	out := make([]store.BatchStats, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAt.Equal(out[j].LastAt) {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].LastAt.After(out[j].LastAt)
	})
	if offset >= len(out) {
		return []store.BatchStats{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
