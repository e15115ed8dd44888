package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
)

const jobColumns = `id, kind, subject_id, batch_id, status, retry_count, max_retries, assigned_worker,
	last_error_kind, last_error, available_at, created_at, updated_at`

// JobStore implements crawler.JobStore. UNIQUE (kind, subject_id) makes
// enqueueing idempotent.
type JobStore struct {
	db DB
}

// NewJobStore wraps db.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

// EnqueueJob inserts job or returns the existing job for its subject.
func (s *JobStore) EnqueueJob(ctx context.Context, job crawler.WorkJob) (crawler.WorkJob, bool, error) {
	stored, err := scanJob(s.db.QueryRow(ctx, `
		INSERT INTO work_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (kind, subject_id) DO NOTHING
		RETURNING `+jobColumns, jobArgs(job)...))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.WorkJob{}, false, fmt.Errorf("enqueue job %s: %w", job.SubjectID, err)
	}
	existing, err := scanJob(s.db.QueryRow(ctx,
		"SELECT "+jobColumns+" FROM work_jobs WHERE kind = $1 AND subject_id = $2",
		string(job.Kind), job.SubjectID))
	if err != nil {
		return crawler.WorkJob{}, false, fmt.Errorf("load existing job %s: %w", job.SubjectID, notFound(err))
	}
	return existing, false, nil
}

// GetJob loads one job.
func (s *JobStore) GetJob(ctx context.Context, id string) (crawler.WorkJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx, "SELECT "+jobColumns+" FROM work_jobs WHERE id = $1", id))
	if err != nil {
		return crawler.WorkJob{}, notFound(err)
	}
	return job, nil
}

// ListJobs returns matching jobs ordered by availability.
func (s *JobStore) ListJobs(ctx context.Context, filter crawler.JobFilter) ([]crawler.WorkJob, error) {
	query := psql.Select(jobColumns).From("work_jobs").OrderBy("available_at", "id")
	if filter.Kind != "" {
		query = query.Where(sq.Eq{"kind": string(filter.Kind)})
	}
	if filter.Status != "" {
		query = query.Where(sq.Eq{"status": string(filter.Status)})
	}
	if !filter.AvailableBefore.IsZero() {
		query = query.Where(sq.LtOrEq{"available_at": filter.AvailableBefore})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build job query: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []crawler.WorkJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// TransitionJob locks the job, checks guard against the locked row and writes
// the mutated row.
func (s *JobStore) TransitionJob(
	ctx context.Context,
	id string,
	guard crawler.JobGuard,
	mutate func(crawler.WorkJob) crawler.WorkJob,
) (crawler.WorkJob, error) {
	var out crawler.WorkJob
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		current, err := scanJob(tx.QueryRow(ctx, "SELECT "+jobColumns+" FROM work_jobs WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return crawler.ErrNotFound
			}
			return fmt.Errorf("lock job %s: %w", id, err)
		}
		if !guard.Allows(current) {
			return crawler.ErrConflict
		}
		next := mutate(current)
		next.ID, next.Kind, next.SubjectID = current.ID, current.Kind, current.SubjectID
		if _, err := tx.Exec(ctx, `
			UPDATE work_jobs SET batch_id = $4, status = $5, retry_count = $6, max_retries = $7,
				assigned_worker = $8, last_error_kind = $9, last_error = $10, available_at = $11,
				created_at = $12, updated_at = $13
			WHERE id = $1 AND kind = $2 AND subject_id = $3`, jobArgs(next)...); err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		out = next
		return nil
	})
	if err != nil {
		return crawler.WorkJob{}, err
	}
	return out, nil
}

func jobArgs(job crawler.WorkJob) []any {
	return []any{
		job.ID,
		string(job.Kind),
		job.SubjectID,
		job.BatchID,
		string(job.Status),
		job.RetryCount,
		job.MaxRetries,
		job.AssignedWorker,
		string(job.LastErrorKind),
		job.LastError,
		job.AvailableAt,
		job.CreatedAt,
		job.UpdatedAt,
	}
}

func scanJob(row pgx.Row) (crawler.WorkJob, error) {
	var (
		job                   crawler.WorkJob
		kind, status, errKind string
	)
	err := row.Scan(
		&job.ID,
		&kind,
		&job.SubjectID,
		&job.BatchID,
		&status,
		&job.RetryCount,
		&job.MaxRetries,
		&job.AssignedWorker,
		&errKind,
		&job.LastError,
		&job.AvailableAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return crawler.WorkJob{}, err
	}
	job.Kind = crawler.JobKind(kind)
	job.Status = crawler.JobStatus(status)
	job.LastErrorKind = crawler.ErrorKind(errKind)
	return job, nil
}
