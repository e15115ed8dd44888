// Package schedule owns the crawl task lifecycle: manual and recurring
// submission, due-task claiming, completion with recurrence, and recovery of
// tasks abandoned by crashed agents.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/lease"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

// TriggerRequest asks for a crawl of Platforms.
type TriggerRequest struct {
	Trigger       crawler.Trigger    `json:"trigger"`
	Platforms     []string           `json:"platforms"`
	Recurrence    crawler.Recurrence `json:"recurrence"`
	ScheduledTime time.Time          `json:"scheduled_time"`
	TriggeredBy   string             `json:"triggered_by"`
}

// SubmitResult reports whether a trigger created a task.
type SubmitResult struct {
	TaskID   string `json:"task_id,omitempty"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	// ExistingTaskID names the open task that caused a rejection.
	ExistingTaskID string `json:"existing_task_id,omitempty"`
}

// LeaseChecker tells whether a lease is live.
type LeaseChecker interface {
	Held(ctx context.Context, itemID string) (bool, error)
}

// Scheduler creates and advances crawl tasks.
type Scheduler struct {
	tasks  crawler.TaskStore
	leases LeaseChecker
	clock  crawler.Clock
	ids    crawler.IDGenerator
	logger *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a Scheduler.
func New(tasks crawler.TaskStore, leases LeaseChecker, clock crawler.Clock, ids crawler.IDGenerator, opts ...Option) *Scheduler {
	s := &Scheduler{tasks: tasks, leases: leases, clock: clock, ids: ids, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req and creates a pending task unless a pending or running
// task already covers the same platforms in the same window.
func (s *Scheduler) Submit(ctx context.Context, req TriggerRequest) (SubmitResult, error) {
	set, err := platform.ParseSet(req.Platforms)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit task: %w: %v", crawler.ErrInvalid, err)
	}
	rec, err := crawler.ParseRecurrence(string(req.Recurrence))
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit task: %w", err)
	}
	trigger := req.Trigger
	switch trigger {
	case "":
		trigger = crawler.TriggerManual
	case crawler.TriggerManual, crawler.TriggerScheduled:
	default:
		return SubmitResult{}, fmt.Errorf("submit task: %w: trigger %q", crawler.ErrInvalid, trigger)
	}

	now := s.clock.Now()
	scheduled := req.ScheduledTime
	if scheduled.IsZero() {
		scheduled = now
	}
	id, err := s.ids.NewID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit task: %w", err)
	}
	task := crawler.CrawlTask{
		ID:              id,
		Platforms:       set,
		ScheduledTime:   scheduled,
		Window:          WindowStart(rec, scheduled),
		Recurrence:      rec,
		Trigger:         trigger,
		TriggeredBy:     req.TriggeredBy,
		NextExecutionAt: scheduled,
		Status:          crawler.TaskPending,
		CreatedAt:       now,
	}
	inserted, err := s.tasks.InsertTask(ctx, task)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("insert task: %w", err)
	}
	if !inserted {
		s.logger.Info("task rejected as duplicate",
			zap.String("platforms", set.Key()),
			zap.Time("window", task.Window),
		)
		existing, err := s.openTask(ctx, task)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{
			Accepted:       false,
			Reason:         fmt.Sprintf("a pending or running task already covers %s for window %s", set.Key(), task.Window.Format(time.RFC3339)),
			ExistingTaskID: existing,
		}, nil
	}
	s.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.String("platforms", set.Key()),
		zap.String("recurrence", string(rec)),
		zap.Time("next_execution_at", scheduled),
	)
	return SubmitResult{TaskID: id, Accepted: true}, nil
}

// openTask returns the id of the non-terminal task sharing task's platform
// key and window, or "" when it finished in the meantime.
func (s *Scheduler) openTask(ctx context.Context, task crawler.CrawlTask) (string, error) {
	tasks, err := s.tasks.ListTasks(ctx, crawler.TaskFilter{PlatformKey: task.PlatformKey(), Window: task.Window})
	if err != nil {
		return "", fmt.Errorf("find open task: %w", err)
	}
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return t.ID, nil
		}
	}
	return "", nil
}

// DueTasks claims up to limit pending tasks due at now for agentID.
func (s *Scheduler) DueTasks(ctx context.Context, now time.Time, agentID string, limit int) ([]crawler.CrawlTask, error) {
	tasks, err := s.tasks.ClaimDueTasks(ctx, now, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	return tasks, nil
}

// Complete finishes a task running under agentID and, for recurring tasks,
// inserts the next instance anchored on the finished run's scheduled
// execution. It returns crawler.ErrConflict when agentID no longer owns the
// task, and a nil successor when the next window is already covered.
func (s *Scheduler) Complete(
	ctx context.Context,
	taskID, agentID string,
	outcome crawler.Outcome,
	now time.Time,
) (*crawler.CrawlTask, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	status := crawler.TaskDone
	if outcome != crawler.OutcomeSuccess {
		status = crawler.TaskFailed
	}

	var next *crawler.CrawlTask
	anchor := task.NextExecutionAt
	if at, ok := nextAfter(task.Recurrence, anchor, now); ok {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("complete task %s: %w", taskID, err)
		}
		last := anchor
		next = &crawler.CrawlTask{
			ID:              id,
			Platforms:       task.Platforms,
			ScheduledTime:   at,
			Window:          WindowStart(task.Recurrence, at),
			Recurrence:      task.Recurrence,
			Trigger:         crawler.TriggerScheduled,
			TriggeredBy:     task.TriggeredBy,
			LastExecutedAt:  &last,
			NextExecutionAt: at,
			Status:          crawler.TaskPending,
			CreatedAt:       now,
		}
	}
	stored, err := s.tasks.CompleteTask(ctx, taskID, agentID, status, now, next)
	if err != nil {
		return nil, fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if next != nil && !stored {
		s.logger.Warn("next recurrence already covered",
			zap.String("task_id", taskID),
			zap.String("platforms", next.PlatformKey()),
			zap.Time("window", next.Window),
		)
		next = nil
	}
	fields := []zap.Field{zap.String("task_id", taskID), zap.String("status", string(status))}
	if next != nil {
		fields = append(fields, zap.String("next_task_id", next.ID), zap.Time("next_execution_at", next.NextExecutionAt))
	}
	s.logger.Info("task completed", fields...)
	return next, nil
}

// RecoverStale returns running tasks that started before now-staleAfter and no
// longer hold any crawl lease to pending. It reports how many were requeued.
func (s *Scheduler) RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	running, err := s.tasks.ListTasks(ctx, crawler.TaskFilter{
		Status:        crawler.TaskRunning,
		StartedBefore: now.Add(-staleAfter),
	})
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}
	recovered := 0
	for _, task := range running {
		live, err := s.anyLeaseHeld(ctx, task)
		if err != nil {
			return recovered, err
		}
		if live {
			continue
		}
		if err := s.tasks.RequeueTask(ctx, task.ID, task.AgentID); err != nil {
			if errors.Is(err, crawler.ErrConflict) {
				continue
			}
			return recovered, fmt.Errorf("requeue task %s: %w", task.ID, err)
		}
		s.logger.Warn("stale task requeued", zap.String("task_id", task.ID), zap.String("agent_id", task.AgentID))
		recovered++
	}
	return recovered, nil
}

func (s *Scheduler) anyLeaseHeld(ctx context.Context, task crawler.CrawlTask) (bool, error) {
	if s.leases == nil {
		return false, nil
	}
	for _, code := range task.Platforms {
		held, err := s.leases.Held(ctx, lease.CrawlKey(task.ID, string(code)))
		if err != nil {
			return false, err
		}
		if held {
			return true, nil
		}
	}
	return false, nil
}
