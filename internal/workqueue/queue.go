// Package workqueue runs status-tracked downstream jobs (article crawls and
// vectorization). Each job is processed at most once at a time: a worker holds
// the job's lease and moves it between statuses with compare-and-set writes.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/lease"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/retry"
)

// ErrEmpty is returned by Claim when no job is ready.
var ErrEmpty = errors.New("no job ready")

// claimScan bounds how many ready jobs one Claim call inspects.
const claimScan = 16

// Leaser is the subset of lease.Manager the queue needs.
type Leaser interface {
	Acquire(ctx context.Context, itemID, holder string, ttl time.Duration) (crawler.Lease, error)
	Release(ctx context.Context, l crawler.Lease) error
	Held(ctx context.Context, itemID string) (bool, error)
	Keepalive(ctx context.Context, l crawler.Lease, interval, ttl time.Duration) <-chan error
}

// Recorder stores execution logs.
type Recorder interface {
	Record(ctx context.Context, entry crawler.ExecutionLog) (crawler.Source, error)
}

// RetryObserver is told about every failure decision.
type RetryObserver func(kind crawler.JobKind, errKind crawler.ErrorKind, retried bool)

// Claimed is a job held by a worker.
type Claimed struct {
	Job       crawler.WorkJob
	Lease     crawler.Lease
	Worker    string
	ClaimedAt time.Time
}

// guard matches only while the job is still in progress under c's worker, so
// a worker whose job was requeued and reclaimed cannot overwrite it.
func (c Claimed) guard() crawler.JobGuard {
	return crawler.JobGuard{Status: crawler.JobInProgress, Worker: c.Worker}
}

// Queue is the job table front end.
type Queue struct {
	jobs     crawler.JobStore
	leases   Leaser
	recorder Recorder
	clock    crawler.Clock
	ids      crawler.IDGenerator
	policy   retry.Policy
	logger   *zap.Logger
	observer RetryObserver
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithPolicy replaces retry.DefaultPolicy. Each job's MaxRetries still bounds
// its own retries.
func WithPolicy(p retry.Policy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithRetryObserver registers fn for failure decisions.
func WithRetryObserver(fn RetryObserver) Option {
	return func(q *Queue) { q.observer = fn }
}

// New builds a Queue.
func New(
	jobs crawler.JobStore,
	leases Leaser,
	recorder Recorder,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	opts ...Option,
) *Queue {
	q := &Queue{
		jobs:     jobs,
		leases:   leases,
		recorder: recorder,
		clock:    clock,
		ids:      ids,
		policy:   retry.DefaultPolicy(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a waiting job for subjectID unless one already exists for the
// same kind and subject; created reports which happened. A negative
// maxRetries takes the policy default.
func (q *Queue) Enqueue(
	ctx context.Context,
	kind crawler.JobKind,
	subjectID, batchID string,
	maxRetries int,
) (crawler.WorkJob, bool, error) {
	if subjectID == "" {
		return crawler.WorkJob{}, false, fmt.Errorf("enqueue job: %w: empty subject", crawler.ErrInvalid)
	}
	if maxRetries < 0 {
		maxRetries = q.policy.MaxRetries
	}
	id, err := q.ids.NewID()
	if err != nil {
		return crawler.WorkJob{}, false, fmt.Errorf("enqueue job: %w", err)
	}
	now := q.clock.Now()
	job, created, err := q.jobs.EnqueueJob(ctx, crawler.WorkJob{
		ID:          id,
		Kind:        kind,
		SubjectID:   subjectID,
		BatchID:     batchID,
		Status:      crawler.JobWaiting,
		MaxRetries:  maxRetries,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return crawler.WorkJob{}, false, fmt.Errorf("enqueue %s job for %s: %w", kind, subjectID, err)
	}
	return job, created, nil
}

// Claim moves the oldest ready job of kind to in_progress under a lease held
// by workerID. It returns ErrEmpty when nothing is ready.
func (q *Queue) Claim(ctx context.Context, kind crawler.JobKind, workerID string, ttl time.Duration) (Claimed, error) {
	now := q.clock.Now()
	ready, err := q.jobs.ListJobs(ctx, crawler.JobFilter{
		Kind:            kind,
		Status:          crawler.JobWaiting,
		AvailableBefore: now,
		Limit:           claimScan,
	})
	if err != nil {
		return Claimed{}, fmt.Errorf("list ready jobs: %w", err)
	}
	for _, job := range ready {
		held, err := q.leases.Acquire(ctx, lease.JobKey(job.ID), workerID, ttl)
		if errors.Is(err, crawler.ErrBusy) {
			continue
		}
		if err != nil {
			return Claimed{}, fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		claimed, err := q.jobs.TransitionJob(ctx, job.ID, crawler.JobGuard{Status: crawler.JobWaiting}, func(j crawler.WorkJob) crawler.WorkJob {
			j.Status = crawler.JobInProgress
			j.AssignedWorker = workerID
			j.UpdatedAt = now
			return j
		})
		if err != nil {
			if relErr := q.leases.Release(ctx, held); relErr != nil {
				q.logger.Warn("release job lease", zap.String("job_id", job.ID), zap.Error(relErr))
			}
			if errors.Is(err, crawler.ErrConflict) {
				continue
			}
			return Claimed{}, fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		return Claimed{Job: claimed, Lease: held, Worker: workerID, ClaimedAt: now}, nil
	}
	return Claimed{}, ErrEmpty
}

// Complete marks a claimed job done and records the success.
func (q *Queue) Complete(ctx context.Context, c Claimed) (crawler.WorkJob, error) {
	now := q.clock.Now()
	done, err := q.jobs.TransitionJob(ctx, c.Job.ID, c.guard(), func(j crawler.WorkJob) crawler.WorkJob {
		j.Status = crawler.JobDone
		j.LastError = ""
		j.LastErrorKind = crawler.KindNone
		j.UpdatedAt = now
		return j
	})
	if err != nil {
		return crawler.WorkJob{}, q.transitionErr("complete", c, err)
	}
	q.record(ctx, c, crawler.OutcomeSuccess, nil, now)
	q.release(ctx, c)
	return done, nil
}

// Fail records cause and either schedules a retry or marks the job failed.
// The execution log is written before the job changes state.
func (q *Queue) Fail(ctx context.Context, c Claimed, cause error) (crawler.WorkJob, error) {
	now := q.clock.Now()
	q.record(ctx, c, crawler.OutcomeFailure, cause, now)

	policy := q.policy
	policy.MaxRetries = c.Job.MaxRetries
	decision := policy.Decide(c.Job.RetryCount, cause)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	next, err := q.jobs.TransitionJob(ctx, c.Job.ID, c.guard(), func(j crawler.WorkJob) crawler.WorkJob {
		j.LastErrorKind = decision.Kind
		j.LastError = msg
		j.AssignedWorker = ""
		j.UpdatedAt = now
		if decision.Retry {
			j.Status = crawler.JobWaiting
			j.RetryCount++
			j.AvailableAt = now.Add(decision.Delay)
		} else {
			j.Status = crawler.JobFailed
		}
		return j
	})
	if err != nil {
		return crawler.WorkJob{}, q.transitionErr("fail", c, err)
	}
	q.release(ctx, c)
	if q.observer != nil {
		q.observer(c.Job.Kind, decision.Kind, decision.Retry)
	}
	q.logger.Info("job failed",
		zap.String("job_id", c.Job.ID),
		zap.String("kind", string(c.Job.Kind)),
		zap.String("error_kind", string(decision.Kind)),
		zap.Bool("retry", decision.Retry),
		zap.Duration("delay", decision.Delay),
		zap.Int("retry_count", next.RetryCount),
	)
	return next, nil
}

// Abandon puts a claimed job back to waiting without spending a retry. Workers
// use it when they shut down mid-job or lose the job lease.
func (q *Queue) Abandon(ctx context.Context, c Claimed) error {
	now := q.clock.Now()
	_, err := q.jobs.TransitionJob(ctx, c.Job.ID, c.guard(), func(j crawler.WorkJob) crawler.WorkJob {
		j.Status = crawler.JobWaiting
		j.AssignedWorker = ""
		j.AvailableAt = now
		j.UpdatedAt = now
		return j
	})
	if err != nil {
		return q.transitionErr("abandon", c, err)
	}
	q.release(ctx, c)
	return nil
}

// Reset moves a failed job back to waiting with a fresh retry budget.
func (q *Queue) Reset(ctx context.Context, jobID string) (crawler.WorkJob, error) {
	now := q.clock.Now()
	job, err := q.jobs.TransitionJob(ctx, jobID, crawler.JobGuard{Status: crawler.JobFailed}, func(j crawler.WorkJob) crawler.WorkJob {
		j.Status = crawler.JobWaiting
		j.RetryCount = 0
		j.AvailableAt = now
		j.UpdatedAt = now
		return j
	})
	if err != nil {
		return crawler.WorkJob{}, fmt.Errorf("reset job %s: %w", jobID, err)
	}
	q.logger.Info("job reset", zap.String("job_id", jobID))
	return job, nil
}

// RequeueExpired returns in_progress jobs whose lease is gone to waiting. It
// recovers work from crashed workers.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	running, err := q.jobs.ListJobs(ctx, crawler.JobFilter{Status: crawler.JobInProgress})
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	requeued := 0
	for _, job := range running {
		held, err := q.leases.Held(ctx, lease.JobKey(job.ID))
		if err != nil {
			return requeued, err
		}
		if held {
			continue
		}
		now := q.clock.Now()
		guard := crawler.JobGuard{Status: crawler.JobInProgress, Worker: job.AssignedWorker}
		_, err = q.jobs.TransitionJob(ctx, job.ID, guard, func(j crawler.WorkJob) crawler.WorkJob {
			j.Status = crawler.JobWaiting
			j.AssignedWorker = ""
			j.AvailableAt = now
			j.UpdatedAt = now
			return j
		})
		if errors.Is(err, crawler.ErrConflict) {
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		requeued++
		q.logger.Warn("requeued job with expired lease",
			zap.String("job_id", job.ID),
			zap.String("worker", job.AssignedWorker),
		)
	}
	return requeued, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (crawler.WorkJob, error) {
	job, err := q.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.WorkJob{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

func (q *Queue) transitionErr(op string, c Claimed, err error) error {
	if errors.Is(err, crawler.ErrConflict) {
		return fmt.Errorf("%s job %s: lease lost: %w", op, c.Job.ID, crawler.ErrExpired)
	}
	return fmt.Errorf("%s job %s: %w", op, c.Job.ID, err)
}

func (q *Queue) release(ctx context.Context, c Claimed) {
	if err := q.leases.Release(ctx, c.Lease); err != nil {
		q.logger.Warn("release job lease", zap.String("job_id", c.Job.ID), zap.Error(err))
	}
}

func (q *Queue) record(ctx context.Context, c Claimed, outcome crawler.Outcome, cause error, now time.Time) {
	if q.recorder == nil {
		return
	}
	entry := crawler.ExecutionLog{
		Kind:      logKind(c.Job.Kind),
		SubjectID: c.Job.SubjectID,
		BatchID:   c.Job.BatchID,
		AgentID:   c.Worker,
		Stage:     string(c.Job.Kind),
		Outcome:   outcome,
		StartedAt: c.ClaimedAt,
		EndedAt:   now,
		Attempt:   c.Job.RetryCount + 1,
	}
	if cause != nil {
		entry.ErrorKind = retry.Classify(cause)
		entry.ErrorMessage = cause.Error()
	}
	if _, err := q.recorder.Record(ctx, entry); err != nil {
		q.logger.Error("record job log", zap.String("job_id", c.Job.ID), zap.Error(err))
	}
}

func logKind(kind crawler.JobKind) crawler.LogKind {
	if kind == crawler.JobVectorization {
		return crawler.LogVectorization
	}
	return crawler.LogArticle
}
