package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/progress"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/store"
)

// StoreSink rolls attempts up per batch and persists the deltas through a
// store.BatchRepository, one write per batch id per flush.
type StoreSink struct {
	repo   store.BatchRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.BatchRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume collapses the batch per batch id and forwards the deltas. Events
// without a batch id are skipped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[string]store.BatchStats)
	order := make([]string, 0)
	for _, evt := range batch {
		entry := evt.Log
		if entry.BatchID == "" {
			continue
		}
		delta := store.BatchStats{
			BatchID: entry.BatchID,
			Kind:    entry.Kind,
			FirstAt: entry.StartedAt,
			LastAt:  entry.EndedAt,
		}
		if entry.Outcome == crawler.OutcomeSuccess {
			delta.Successes = 1
			delta.Items = int64(entry.ItemCount)
		} else {
			delta.Failures = 1
		}
		if _, seen := deltas[entry.BatchID]; !seen {
			order = append(order, entry.BatchID)
		}
		deltas[entry.BatchID] = deltas[entry.BatchID].Merge(delta)
	}
	for _, id := range order {
		if err := s.repo.UpsertBatchStats(ctx, deltas[id]); err != nil {
			return fmt.Errorf("upsert batch stats %s: %w", id, err)
		}
	}
	if len(order) > 0 {
		s.logger.Debug("batch rollups written", zap.Int("batches", len(order)))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
