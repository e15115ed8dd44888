package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

// TaskStore provides an in-memory TaskStore for development/testing.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]crawler.CrawlTask
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]crawler.CrawlTask)}
}

// InsertTask stores task unless a live duplicate holds its platform key and window.
func (s *TaskStore) InsertTask(_ context.Context, task crawler.CrawlTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(task), nil
}

func (s *TaskStore) insertLocked(task crawler.CrawlTask) bool {
	if _, exists := s.tasks[task.ID]; exists {
		return false
	}
	key := task.PlatformKey()
	for _, existing := range s.tasks {
		if existing.Status.Terminal() {
			continue
		}
		if existing.PlatformKey() == key && existing.Window.Equal(task.Window) {
			return false
		}
	}
	s.tasks[task.ID] = cloneTask(task)
	return true
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, id string) (crawler.CrawlTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return crawler.CrawlTask{}, crawler.ErrNotFound
	}
	return cloneTask(task), nil
}

// ListTasks returns matching tasks ordered by creation.
func (s *TaskStore) ListTasks(_ context.Context, filter crawler.TaskFilter) ([]crawler.CrawlTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.CrawlTask, 0)
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if !filter.StartedBefore.IsZero() && (task.StartedAt == nil || !task.StartedAt.Before(filter.StartedBefore)) {
			continue
		}
		if filter.PlatformKey != "" && task.PlatformKey() != filter.PlatformKey {
			continue
		}
		if !filter.Window.IsZero() && !task.Window.Equal(filter.Window) {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClaimDueTasks moves the earliest due pending tasks to running.
func (s *TaskStore) ClaimDueTasks(_ context.Context, now time.Time, agentID string, limit int) ([]crawler.CrawlTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]crawler.CrawlTask, 0)
	for _, task := range s.tasks {
		if task.Status == crawler.TaskPending && !task.NextExecutionAt.After(now) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextExecutionAt.Equal(due[j].NextExecutionAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextExecutionAt.Before(due[j].NextExecutionAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]crawler.CrawlTask, 0, len(due))
	for _, task := range due {
		task.Status = crawler.TaskRunning
		task.AgentID = agentID
		task.Attempt++
		task.StartedAt = pointerTime(now)
		s.tasks[task.ID] = task
		claimed = append(claimed, cloneTask(task))
	}
	return claimed, nil
}

// CompleteTask finishes a task running under agentID and inserts its
// successor.
func (s *TaskStore) CompleteTask(
	_ context.Context,
	id, agentID string,
	status crawler.TaskStatus,
	finishedAt time.Time,
	next *crawler.CrawlTask,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false, crawler.ErrNotFound
	}
	if task.Status != crawler.TaskRunning || task.AgentID != agentID {
		return false, crawler.ErrConflict
	}
	task.Status = status
	task.FinishedAt = pointerTime(finishedAt)
	task.LastExecutedAt = pointerTime(finishedAt)
	s.tasks[id] = task
	if next == nil {
		return false, nil
	}
	return s.insertLocked(*next), nil
}

// RequeueTask moves a task running under agentID back to pending.
func (s *TaskStore) RequeueTask(_ context.Context, id, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return crawler.ErrNotFound
	}
	if task.Status != crawler.TaskRunning || task.AgentID != agentID {
		return crawler.ErrConflict
	}
	task.Status = crawler.TaskPending
	task.AgentID = ""
	task.StartedAt = nil
	s.tasks[id] = task
	return nil
}

func cloneTask(task crawler.CrawlTask) crawler.CrawlTask {
	task.Platforms = append(platform.Set(nil), task.Platforms...)
	return task
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
