package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/store"
)

const batchColumns = "batch_id, kind, successes, failures, items, first_at, last_at"

// BatchStore implements store.BatchRepository.
type BatchStore struct {
	db DB
}

// NewBatchStore wraps db.
func NewBatchStore(db DB) *BatchStore {
	return &BatchStore{db: db}
}

// UpsertBatchStats adds delta to the stored rollup.
func (s *BatchStore) UpsertBatchStats(ctx context.Context, delta store.BatchStats) error {
	if delta.BatchID == "" {
		return errors.New("batch id is required")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO batch_stats (`+batchColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id) DO UPDATE SET
			kind = COALESCE(NULLIF(batch_stats.kind, ''), EXCLUDED.kind),
			successes = batch_stats.successes + EXCLUDED.successes,
			failures = batch_stats.failures + EXCLUDED.failures,
			items = batch_stats.items + EXCLUDED.items,
			first_at = LEAST(batch_stats.first_at, EXCLUDED.first_at),
			last_at = GREATEST(batch_stats.last_at, EXCLUDED.last_at)`,
		delta.BatchID,
		string(delta.Kind),
		delta.Successes,
		delta.Failures,
		delta.Items,
		delta.FirstAt,
		delta.LastAt,
	)
	if err != nil {
		return fmt.Errorf("upsert batch stats %s: %w", delta.BatchID, err)
	}
	return nil
}

// GetBatch loads one rollup.
func (s *BatchStore) GetBatch(ctx context.Context, batchID string) (store.BatchStats, error) {
	stats, err := scanBatch(s.db.QueryRow(ctx, "SELECT "+batchColumns+" FROM batch_stats WHERE batch_id = $1", batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.BatchStats{}, crawler.ErrNotFound
		}
		return store.BatchStats{}, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return stats, nil
}

// ListBatches returns rollups by most recent activity.
func (s *BatchStore) ListBatches(ctx context.Context, limit, offset int) ([]store.BatchStats, error) {
	query := psql.Select(batchColumns).From("batch_stats").OrderBy("last_at DESC", "batch_id")
	if limit > 0 {
		query = query.Limit(uint64(limit))
	}
	if offset > 0 {
		query = query.Offset(uint64(offset))
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build batch query: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var out []store.BatchStats
	for rows.Next() {
		stats, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, stats)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

func scanBatch(row pgx.Row) (store.BatchStats, error) {
	var (
		stats store.BatchStats
		kind  string
	)
	if err := row.Scan(&stats.BatchID, &kind, &stats.Successes, &stats.Failures, &stats.Items, &stats.FirstAt, &stats.LastAt); err != nil {
		return store.BatchStats{}, err
	}
	stats.Kind = crawler.LogKind(kind)
	return stats, nil
}
