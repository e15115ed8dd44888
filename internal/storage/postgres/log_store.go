package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

const logColumns = `id, kind, subject_id, source_id, batch_id, agent_id, host, stage, outcome, error_kind,
	error_message, started_at, ended_at, item_count, memory_mb, cpu_percent, attempt`

// LogStore implements crawler.LogStore over execution_logs.
type LogStore struct {
	db DB
}

// NewLogStore wraps db.
func NewLogStore(db DB) *LogStore {
	return &LogStore{db: db}
}

// AppendLog inserts entry.
func (s *LogStore) AppendLog(ctx context.Context, entry crawler.ExecutionLog) error {
	return appendLog(ctx, s.db, entry)
}

// ListLogs returns matching logs, newest first.
func (s *LogStore) ListLogs(ctx context.Context, filter crawler.LogFilter) ([]crawler.ExecutionLog, error) {
	query := psql.Select(logColumns).From("execution_logs").OrderBy("ended_at DESC", "id DESC")
	if filter.Kind != "" {
		query = query.Where(sq.Eq{"kind": string(filter.Kind)})
	}
	if filter.SubjectID != "" {
		query = query.Where(sq.Eq{"subject_id": filter.SubjectID})
	}
	if filter.SourceID != "" {
		query = query.Where(sq.Eq{"source_id": filter.SourceID})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build log query: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []crawler.ExecutionLog
	for rows.Next() {
		var (
			entry                  crawler.ExecutionLog
			kind, outcome, errKind string
		)
		if err := rows.Scan(
			&entry.ID,
			&kind,
			&entry.SubjectID,
			&entry.SourceID,
			&entry.BatchID,
			&entry.AgentID,
			&entry.Host,
			&entry.Stage,
			&outcome,
			&errKind,
			&entry.ErrorMessage,
			&entry.StartedAt,
			&entry.EndedAt,
			&entry.ItemCount,
			&entry.Resource.MemoryMB,
			&entry.Resource.CPUPercent,
			&entry.Attempt,
		); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.Kind = crawler.LogKind(kind)
		entry.Outcome = crawler.Outcome(outcome)
		entry.ErrorKind = crawler.ErrorKind(errKind)
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return logs, nil
}

func appendLog(ctx context.Context, q querier, entry crawler.ExecutionLog) error {
	_, err := q.Exec(ctx, `
		INSERT INTO execution_logs (`+logColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		entry.ID,
		string(entry.Kind),
		entry.SubjectID,
		entry.SourceID,
		entry.BatchID,
		entry.AgentID,
		entry.Host,
		entry.Stage,
		string(entry.Outcome),
		string(entry.ErrorKind),
		entry.ErrorMessage,
		entry.StartedAt,
		entry.EndedAt,
		entry.ItemCount,
		entry.Resource.MemoryMB,
		entry.Resource.CPUPercent,
		entry.Attempt,
	)
	if err != nil {
		return fmt.Errorf("insert execution log %s: %w", entry.ID, err)
	}
	return nil
}
