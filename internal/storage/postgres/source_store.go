package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

const sourceColumns = `id, kind, name, platform, url, active, auto_disabled, disabled_at, disabled_reason,
	consecutive_failures, total_successes, total_failures, last_success_at, last_attempt_at, last_error_kind,
	max_consecutive_failures, health, reliability_score, avg_sync_seconds, last_health_check_at, created_at`

// SourceStore implements crawler.SourceStore. RecordAttempt writes the log row
// and the counters in one transaction with the source row locked.
type SourceStore struct {
	db DB
}

// NewSourceStore wraps db.
func NewSourceStore(db DB) *SourceStore {
	return &SourceStore{db: db}
}

// EnsureSource inserts src unless it exists and returns the stored row.
func (s *SourceStore) EnsureSource(ctx context.Context, src crawler.Source) (crawler.Source, error) {
	if src.ID == "" {
		return crawler.Source{}, errors.New("source id is required")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sources (`+sourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO NOTHING`, sourceArgs(src)...)
	if err != nil {
		return crawler.Source{}, fmt.Errorf("ensure source %s: %w", src.ID, err)
	}
	return s.GetSource(ctx, src.ID)
}

// GetSource loads one source.
func (s *SourceStore) GetSource(ctx context.Context, id string) (crawler.Source, error) {
	src, err := scanSource(s.db.QueryRow(ctx, "SELECT "+sourceColumns+" FROM sources WHERE id = $1", id))
	if err != nil {
		return crawler.Source{}, notFound(err)
	}
	return src, nil
}

// ListSources returns matching sources ordered by id.
func (s *SourceStore) ListSources(ctx context.Context, filter crawler.SourceFilter) ([]crawler.Source, error) {
	query := psql.Select(sourceColumns).From("sources").OrderBy("id")
	if filter.ActiveOnly {
		query = query.Where(sq.Eq{"active": true})
	}
	if len(filter.Health) > 0 {
		health := make([]string, len(filter.Health))
		for i, h := range filter.Health {
			health[i] = string(h)
		}
		query = query.Where(sq.Eq{"health": health})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build source query: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var sources []crawler.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}

// UpdateSource applies mutate to the locked row.
func (s *SourceStore) UpdateSource(
	ctx context.Context,
	id string,
	mutate func(crawler.Source) (crawler.Source, error),
) (crawler.Source, error) {
	var out crawler.Source
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		current, err := lockSource(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		next.ID = id
		if err := saveSource(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return crawler.Source{}, err
	}
	return out, nil
}

// RecordAttempt appends entry and applies mutate to its source atomically.
func (s *SourceStore) RecordAttempt(
	ctx context.Context,
	entry crawler.ExecutionLog,
	mutate func(crawler.Source) crawler.Source,
) (crawler.Source, error) {
	var out crawler.Source
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		current, err := lockSource(ctx, tx, entry.SourceID)
		if err != nil {
			return err
		}
		if err := appendLog(ctx, tx, entry); err != nil {
			return err
		}
		next := mutate(current)
		next.ID = current.ID
		if err := saveSource(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return crawler.Source{}, err
	}
	return out, nil
}

func lockSource(ctx context.Context, tx pgx.Tx, id string) (crawler.Source, error) {
	src, err := scanSource(tx.QueryRow(ctx, "SELECT "+sourceColumns+" FROM sources WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Source{}, crawler.ErrNotFound
		}
		return crawler.Source{}, fmt.Errorf("lock source %s: %w", id, err)
	}
	return src, nil
}

func saveSource(ctx context.Context, tx pgx.Tx, src crawler.Source) error {
	_, err := tx.Exec(ctx, `
		UPDATE sources SET kind = $2, name = $3, platform = $4, url = $5, active = $6, auto_disabled = $7,
			disabled_at = $8, disabled_reason = $9, consecutive_failures = $10, total_successes = $11,
			total_failures = $12, last_success_at = $13, last_attempt_at = $14, last_error_kind = $15,
			max_consecutive_failures = $16, health = $17, reliability_score = $18, avg_sync_seconds = $19,
			last_health_check_at = $20, created_at = $21
		WHERE id = $1`, sourceArgs(src)...)
	if err != nil {
		return fmt.Errorf("update source %s: %w", src.ID, err)
	}
	return nil
}

func sourceArgs(src crawler.Source) []any {
	return []any{
		src.ID,
		string(src.Kind),
		src.Name,
		string(src.Platform),
		src.URL,
		src.Active,
		src.AutoDisabled,
		src.DisabledAt,
		src.DisabledReason,
		src.Counters.ConsecutiveFailures,
		src.Counters.TotalSuccesses,
		src.Counters.TotalFailures,
		src.LastSuccessAt,
		src.LastAttemptAt,
		string(src.LastErrorKind),
		src.MaxConsecutiveFailures,
		string(src.Health),
		src.ReliabilityScore,
		src.AvgSyncSeconds,
		src.LastHealthCheckAt,
		src.CreatedAt,
	}
}

func scanSource(row pgx.Row) (crawler.Source, error) {
	var (
		src                              crawler.Source
		kind, code, errKind, healthClass string
	)
	err := row.Scan(
		&src.ID,
		&kind,
		&src.Name,
		&code,
		&src.URL,
		&src.Active,
		&src.AutoDisabled,
		&src.DisabledAt,
		&src.DisabledReason,
		&src.Counters.ConsecutiveFailures,
		&src.Counters.TotalSuccesses,
		&src.Counters.TotalFailures,
		&src.LastSuccessAt,
		&src.LastAttemptAt,
		&errKind,
		&src.MaxConsecutiveFailures,
		&healthClass,
		&src.ReliabilityScore,
		&src.AvgSyncSeconds,
		&src.LastHealthCheckAt,
		&src.CreatedAt,
	)
	if err != nil {
		return crawler.Source{}, err
	}
	src.Kind = crawler.SourceKind(kind)
	src.Platform = platform.Code(code)
	src.LastErrorKind = crawler.ErrorKind(errKind)
	src.Health = crawler.Health(healthClass)
	return src, nil
}
