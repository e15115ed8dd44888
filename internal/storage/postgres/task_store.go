package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

const taskColumns = `id, platforms, scheduled_time, time_window, recurrence, trigger_type, triggered_by,
	last_executed_at, next_execution_at, status, agent_id, attempt, started_at, finished_at, created_at`

const insertTaskSQL = `
	INSERT INTO crawl_tasks (id, platforms, platform_key, scheduled_time, time_window, recurrence, trigger_type,
		triggered_by, last_executed_at, next_execution_at, status, agent_id, attempt, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT DO NOTHING`

// TaskStore implements crawler.TaskStore. The partial unique index on
// (platform_key, time_window) rejects a second open task for the same window.
type TaskStore struct {
	db DB
}

// NewTaskStore wraps db.
func NewTaskStore(db DB) *TaskStore {
	return &TaskStore{db: db}
}

// InsertTask stores task unless it collides with an open task.
func (s *TaskStore) InsertTask(ctx context.Context, task crawler.CrawlTask) (bool, error) {
	return insertTask(ctx, s.db, task)
}

func insertTask(ctx context.Context, q querier, task crawler.CrawlTask) (bool, error) {
	tag, err := q.Exec(ctx, insertTaskSQL,
		task.ID,
		task.Platforms.Strings(),
		task.PlatformKey(),
		task.ScheduledTime,
		task.Window,
		string(task.Recurrence),
		string(task.Trigger),
		task.TriggeredBy,
		task.LastExecutedAt,
		task.NextExecutionAt,
		string(task.Status),
		task.AgentID,
		task.Attempt,
		task.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetTask loads one task.
func (s *TaskStore) GetTask(ctx context.Context, id string) (crawler.CrawlTask, error) {
	task, err := scanTask(s.db.QueryRow(ctx, "SELECT "+taskColumns+" FROM crawl_tasks WHERE id = $1", id))
	if err != nil {
		return crawler.CrawlTask{}, notFound(err)
	}
	return task, nil
}

// ListTasks returns matching tasks ordered by creation.
func (s *TaskStore) ListTasks(ctx context.Context, filter crawler.TaskFilter) ([]crawler.CrawlTask, error) {
	query := psql.Select(taskColumns).From("crawl_tasks").OrderBy("created_at", "id")
	if filter.Status != "" {
		query = query.Where(sq.Eq{"status": string(filter.Status)})
	}
	if !filter.StartedBefore.IsZero() {
		query = query.Where(sq.Lt{"started_at": filter.StartedBefore})
	}
	if filter.PlatformKey != "" {
		query = query.Where(sq.Eq{"platform_key": filter.PlatformKey})
	}
	if !filter.Window.IsZero() {
		query = query.Where(sq.Eq{"time_window": filter.Window})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build task query: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// ClaimDueTasks moves up to limit due pending tasks to running. Rows locked by
// another claimer are skipped.
func (s *TaskStore) ClaimDueTasks(ctx context.Context, now time.Time, agentID string, limit int) ([]crawler.CrawlTask, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE crawl_tasks
		SET status = 'running', agent_id = $2, attempt = attempt + 1, started_at = $1
		WHERE id IN (
			SELECT id FROM crawl_tasks
			WHERE status = 'pending' AND next_execution_at <= $1
			ORDER BY next_execution_at, id
			LIMIT NULLIF($3, 0)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, now, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].NextExecutionAt.Equal(tasks[j].NextExecutionAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].NextExecutionAt.Before(tasks[j].NextExecutionAt)
	})
	return tasks, nil
}

// CompleteTask finishes a task running under agentID and inserts next in the
// same transaction. stored is false when next collides with an open task.
func (s *TaskStore) CompleteTask(
	ctx context.Context,
	id, agentID string,
	status crawler.TaskStatus,
	finishedAt time.Time,
	next *crawler.CrawlTask,
) (bool, error) {
	stored := false
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE crawl_tasks SET status = $3, finished_at = $4, last_executed_at = $4
			WHERE id = $1 AND agent_id = $2 AND status = 'running'`, id, agentID, string(status), finishedAt)
		if err != nil {
			return fmt.Errorf("complete task %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrConflict(ctx, tx, "crawl_tasks", id)
		}
		if next == nil {
			return nil
		}
		stored, err = insertTask(ctx, tx, *next)
		return err
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

// RequeueTask moves a task running under agentID back to pending.
func (s *TaskStore) RequeueTask(ctx context.Context, id, agentID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE crawl_tasks SET status = 'pending', agent_id = '', started_at = NULL
		WHERE id = $1 AND agent_id = $2 AND status = 'running'`, id, agentID)
	if err != nil {
		return fmt.Errorf("requeue task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, s.db, "crawl_tasks", id)
	}
	return nil
}

func collectTasks(rows pgx.Rows) ([]crawler.CrawlTask, error) {
	defer rows.Close()
	var tasks []crawler.CrawlTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (crawler.CrawlTask, error) {
	var (
		task                        crawler.CrawlTask
		platforms                   []string
		recurrence, trigger, status string
	)
	err := row.Scan(
		&task.ID,
		&platforms,
		&task.ScheduledTime,
		&task.Window,
		&recurrence,
		&trigger,
		&task.TriggeredBy,
		&task.LastExecutedAt,
		&task.NextExecutionAt,
		&status,
		&task.AgentID,
		&task.Attempt,
		&task.StartedAt,
		&task.FinishedAt,
		&task.CreatedAt,
	)
	if err != nil {
		return crawler.CrawlTask{}, err
	}
	codes := make([]platform.Code, len(platforms))
	for i, p := range platforms {
		codes[i] = platform.Code(p)
	}
	task.Platforms = platform.NewSet(codes...)
	task.Recurrence = crawler.Recurrence(recurrence)
	task.Trigger = crawler.Trigger(trigger)
	task.Status = crawler.TaskStatus(status)
	return task, nil
}
