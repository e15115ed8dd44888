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

var taskColumnNames = []string{
	"id", "platforms", "scheduled_time", "time_window", "recurrence", "trigger_type", "triggered_by",
	"last_executed_at", "next_execution_at", "status", "agent_id", "attempt", "started_at", "finished_at", "created_at",
}

func sampleTask(id string) crawler.CrawlTask {
	return crawler.CrawlTask{
		ID:              id,
		Platforms:       platform.NewSet(platform.Zhihu, platform.Weibo),
		ScheduledTime:   testNow,
		Window:          testNow,
		Recurrence:      crawler.RecurrenceDaily,
		Trigger:         crawler.TriggerScheduled,
		NextExecutionAt: testNow,
		Status:          crawler.TaskPending,
		CreatedAt:       testNow,
	}
}

func taskRow(rows *pgxmock.Rows, id, status string, next time.Time) *pgxmock.Rows {
	return rows.AddRow(
		id,
		[]string{"weibo", "zhihu"},
		testNow,
		testNow,
		"daily",
		"scheduled",
		"",
		(*time.Time)(nil),
		next,
		status,
		"agent-1",
		1,
		&testNow,
		(*time.Time)(nil),
		testNow,
	)
}

func TestTaskStoreInsertTask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "stored", affected: 1, want: true},
		{name: "open duplicate", affected: 0, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := newMock(t)
			task := sampleTask("task-1")
			mock.ExpectExec("INSERT INTO crawl_tasks").
				WithArgs(
					"task-1",
					[]string{"weibo", "zhihu"},
					"weibo,zhihu",
					testNow,
					testNow,
					"daily",
					"scheduled",
					"",
					(*time.Time)(nil),
					testNow,
					"pending",
					"",
					0,
					testNow,
				).
				WillReturnResult(pgxmock.NewResult("INSERT", tt.affected))

			got, err := NewTaskStore(mock).InsertTask(context.Background(), task)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTaskStoreGetTask(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewTaskStore(mock)

	mock.ExpectQuery("(?s)SELECT .+ FROM crawl_tasks WHERE id").
		WithArgs("task-1").
		WillReturnRows(taskRow(pgxmock.NewRows(taskColumnNames), "task-1", "running", testNow))
	task, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "weibo,zhihu", task.PlatformKey())
	assert.Equal(t, crawler.TaskRunning, task.Status)
	assert.Equal(t, crawler.RecurrenceDaily, task.Recurrence)
	require.NotNil(t, task.StartedAt)
	assert.Nil(t, task.FinishedAt)

	mock.ExpectQuery("(?s)SELECT .+ FROM crawl_tasks WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(taskColumnNames))
	_, err = store.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreClaimDueTasksSortsByDueTime(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	rows := pgxmock.NewRows(taskColumnNames)
	taskRow(rows, "late", "running", testNow)
	taskRow(rows, "early", "running", testNow.Add(-time.Hour))
	mock.ExpectQuery("UPDATE crawl_tasks").
		WithArgs(testNow, "agent-1", 5).
		WillReturnRows(rows)

	tasks, err := NewTaskStore(mock).ClaimDueTasks(context.Background(), testNow, "agent-1", 5)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "early", tasks[0].ID)
	assert.Equal(t, "late", tasks[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreCompleteTaskInsertsSuccessor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		inserted int64
		want     bool
	}{
		{name: "successor stored", inserted: 1, want: true},
		{name: "successor collides", inserted: 0, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := newMock(t)
			next := sampleTask("task-2")

			mock.ExpectBegin()
			mock.ExpectExec("UPDATE crawl_tasks SET status").
				WithArgs("task-1", "agent-1", "done", testNow).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			mock.ExpectExec("INSERT INTO crawl_tasks").
				WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
					pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
					pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("INSERT", tt.inserted))
			mock.ExpectCommit()

			stored, err := NewTaskStore(mock).CompleteTask(context.Background(), "task-1", "agent-1", crawler.TaskDone, testNow, &next)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTaskStoreCompleteTaskExplainsMissedUpdate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		exists bool
		want   error
	}{
		{name: "finished or held by another agent", exists: true, want: crawler.ErrConflict},
		{name: "unknown task", exists: false, want: crawler.ErrNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectExec("UPDATE crawl_tasks SET status").
				WithArgs("task-1", "agent-1", "failed", testNow).
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs("task-1").
				WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(tt.exists))
			mock.ExpectRollback()

			_, err := NewTaskStore(mock).CompleteTask(context.Background(), "task-1", "agent-1", crawler.TaskFailed, testNow, nil)
			require.ErrorIs(t, err, tt.want)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTaskStoreRequeueTask(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewTaskStore(mock)

	mock.ExpectExec("(?s)UPDATE crawl_tasks SET status = 'pending'.+agent_id = \\$2").
		WithArgs("task-1", "agent-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.RequeueTask(context.Background(), "task-1", "agent-1"))

	mock.ExpectExec("UPDATE crawl_tasks SET status = 'pending'").
		WithArgs("task-2", "agent-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("task-2").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	require.ErrorIs(t, store.RequeueTask(context.Background(), "task-2", "agent-1"), crawler.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreListTasksFilters(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("(?s)SELECT .+ FROM crawl_tasks WHERE status = \\$1 AND started_at < \\$2 ORDER BY created_at, id LIMIT 10").
		WithArgs("running", testNow).
		WillReturnRows(taskRow(pgxmock.NewRows(taskColumnNames), "task-1", "running", testNow))

	tasks, err := NewTaskStore(mock).ListTasks(context.Background(), crawler.TaskFilter{
		Status:        crawler.TaskRunning,
		StartedBefore: testNow,
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
