package store

import (
	"context"
	"time"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

// BatchStats rolls up every attempt that shares a batch id.
type BatchStats struct {
	BatchID   string          `json:"batch_id"`
	Kind      crawler.LogKind `json:"kind"`
	Successes int64           `json:"successes"`
	Failures  int64           `json:"failures"`
	Items     int64           `json:"items"`
	FirstAt   time.Time       `json:"first_at"`
	LastAt    time.Time       `json:"last_at"`
}

// Attempts is Successes + Failures.
func (b BatchStats) Attempts() int64 { return b.Successes + b.Failures }

// Merge adds delta to b, widening the time range.
func (b BatchStats) Merge(delta BatchStats) BatchStats {
	if b.BatchID == "" {
		return delta
	}
	b.Successes += delta.Successes
	b.Failures += delta.Failures
	b.Items += delta.Items
	if !delta.FirstAt.IsZero() && (b.FirstAt.IsZero() || delta.FirstAt.Before(b.FirstAt)) {
		b.FirstAt = delta.FirstAt
	}
	if delta.LastAt.After(b.LastAt) {
		b.LastAt = delta.LastAt
	}
	return b
}

// BatchRepository persists batch rollups.
type BatchRepository interface {
	// UpsertBatchStats adds delta to the stored rollup, creating it if absent.
	UpsertBatchStats(ctx context.Context, delta BatchStats) error
	// GetBatch loads one rollup or returns crawler.ErrNotFound.
	GetBatch(ctx context.Context, batchID string) (BatchStats, error)
	// ListBatches returns rollups, most recent activity first.
	ListBatches(ctx context.Context, limit, offset int) ([]BatchStats, error)
}
