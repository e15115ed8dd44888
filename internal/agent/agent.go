// Package agent runs claimed crawl tasks: one leased, rate limited, retried
// fetch per platform, followed by archiving, deduplicated ingest and fan-out
// of the newly inserted items.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/dedup"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/lease"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/metrics"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/retry"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/telemetry"
)

// DefaultTopic is the publisher topic for newly inserted items.
const DefaultTopic = "items.inserted"

// Completer finishes a running task.
type Completer interface {
	Complete(ctx context.Context, taskID, agentID string, outcome crawler.Outcome, now time.Time) (*crawler.CrawlTask, error)
}

// Leaser grants per-platform crawl leases and keeps them alive.
type Leaser interface {
	Acquire(ctx context.Context, itemID, holder string, ttl time.Duration) (crawler.Lease, error)
	Keepalive(ctx context.Context, l crawler.Lease, interval, ttl time.Duration) <-chan error
	Release(ctx context.Context, l crawler.Lease) error
}

// Limiter paces fetches per platform.
type Limiter interface {
	Wait(ctx context.Context, code platform.Code) error
	Backoff(code platform.Code, until time.Time)
}

// Ingestor stores a fetched listing.
type Ingestor interface {
	IngestBatch(ctx context.Context, date crawler.Date, code platform.Code, batch dedup.Batch, observations []crawler.Observation) (dedup.BatchResult, error)
}

// Enqueuer creates downstream work jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind crawler.JobKind, subjectID, batchID string, maxRetries int) (crawler.WorkJob, bool, error)
}

// Tracker owns source state and the execution log.
type Tracker interface {
	Source(ctx context.Context, id string) (crawler.Source, error)
	Register(ctx context.Context, src crawler.Source) (crawler.Source, error)
	Record(ctx context.Context, entry crawler.ExecutionLog) (crawler.Source, error)
}

// Config tunes an Agent.
type Config struct {
	AgentID  string
	Host     string
	LeaseTTL time.Duration
	// BlobPrefix is prepended to snapshot paths.
	BlobPrefix  string
	ContentType string
	Topic       string
	// VectorizeRetries is the MaxRetries of enqueued jobs; negative takes the
	// queue default.
	VectorizeRetries int
	// ArticleJobs also enqueues an article crawl per inserted item with a URL.
	ArticleJobs bool
	Policy      retry.Policy
}

// Deps are the collaborators of an Agent. Blobs, Publisher and Jobs are
// optional.
type Deps struct {
	Scheduler Completer
	Leases    Leaser
	Limiter   Limiter
	Fetcher   crawler.Fetcher
	Ingestor  Ingestor
	Tracker   Tracker
	Jobs      Enqueuer
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Platforms *platform.Table
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
}

// PlatformStatus is the result of one platform within a task.
type PlatformStatus string

// Platform statuses.
const (
	PlatformDone     PlatformStatus = "done"
	PlatformFailed   PlatformStatus = "failed"
	PlatformSkipped  PlatformStatus = "skipped"
	PlatformCanceled PlatformStatus = "canceled"
	// PlatformLeaseLost means the crawl lease could not be renewed and the
	// platform was abandoned mid-run.
	PlatformLeaseLost PlatformStatus = "lease_lost"
)

// PlatformReport summarizes one platform run.
type PlatformReport struct {
	Platform    platform.Code     `json:"platform"`
	Status      PlatformStatus    `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	BatchID     string            `json:"batch_id,omitempty"`
	Attempts    int               `json:"attempts"`
	Inserted    int               `json:"inserted"`
	Updated     int               `json:"updated"`
	SnapshotURI string            `json:"snapshot_uri,omitempty"`
	ErrorKind   crawler.ErrorKind `json:"error_kind,omitempty"`
}

// Report summarizes a task run.
type Report struct {
	TaskID    string             `json:"task_id"`
	Outcome   crawler.Outcome    `json:"outcome"`
	Platforms []PlatformReport   `json:"platforms"`
	Next      *crawler.CrawlTask `json:"next,omitempty"`
}

// InsertedNotice is published once per batch that inserted items.
type InsertedNotice struct {
	TaskID       string                `json:"task_id"`
	BatchID      string                `json:"batch_id"`
	Platform     platform.Code         `json:"platform"`
	Date         crawler.Date          `json:"date"`
	Fingerprints []crawler.Fingerprint `json:"fingerprints"`
	SnapshotURI  string                `json:"snapshot_uri,omitempty"`
}

// Agent executes crawl tasks.
type Agent struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) {
		if fn != nil {
			a.sleep = fn
		}
	}
}

// New validates deps and applies config defaults.
func New(deps Deps, cfg Config, opts ...Option) (*Agent, error) {
	switch {
	case deps.Scheduler == nil:
		return nil, errors.New("agent: scheduler is required")
	case deps.Leases == nil:
		return nil, errors.New("agent: lease manager is required")
	case deps.Fetcher == nil:
		return nil, errors.New("agent: fetcher is required")
	case deps.Ingestor == nil:
		return nil, errors.New("agent: ingestor is required")
	case deps.Tracker == nil:
		return nil, errors.New("agent: tracker is required")
	case deps.Clock == nil || deps.IDs == nil:
		return nil, errors.New("agent: clock and id generator are required")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("agent: id is required")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Policy.Backoff == nil && cfg.Policy.MaxRetries == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	a := &Agent{deps: deps, cfg: cfg, logger: zap.NewNop(), sleep: sleepCtx}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("agent_id", cfg.AgentID))
	return a, nil
}

// Handle runs task and logs the result; it matches schedule.Handler.
func (a *Agent) Handle(ctx context.Context, task crawler.CrawlTask) {
	report, err := a.RunTask(ctx, task)
	if err != nil {
		a.logger.Error("task run failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	a.logger.Info("task finished",
		zap.String("task_id", task.ID),
		zap.String("outcome", string(report.Outcome)),
		zap.Int("platforms", len(report.Platforms)),
	)
}

// RunTask crawls every platform of a running task and completes it. A platform
// that failed after retries fails the task; disabled or busy platforms are
// skipped. When ctx ends or a crawl lease is lost mid-run the task is left
// running for stale recovery.
func (a *Agent) RunTask(ctx context.Context, task crawler.CrawlTask) (Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "agent.RunTask", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.platforms", task.Platforms.Key()),
	))
	defer span.End()
	metrics.ObserveTaskDispatched(task.Trigger)
	metrics.IncActiveAgents()
	defer metrics.DecActiveAgents()

	logger := a.logger.With(zap.String("task_id", task.ID))
	report := Report{TaskID: task.ID, Outcome: crawler.OutcomeSuccess}
	for _, code := range task.Platforms {
		pr := a.runPlatform(ctx, task, code, logger)
		report.Platforms = append(report.Platforms, pr)
		switch pr.Status {
		case PlatformFailed:
			report.Outcome = crawler.OutcomeFailure
		case PlatformCanceled:
			return report, fmt.Errorf("run task %s: %w", task.ID, ctx.Err())
		case PlatformLeaseLost:
			return report, fmt.Errorf("run task %s: platform %s: %w", task.ID, code, crawler.ErrExpired)
		}
	}

	span.SetAttributes(attribute.String("task.outcome", string(report.Outcome)))
	next, err := a.deps.Scheduler.Complete(context.WithoutCancel(ctx), task.ID, a.cfg.AgentID, report.Outcome, a.deps.Clock.Now())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("run task %s: %w", task.ID, err)
	}
	report.Next = next
	if report.Outcome == crawler.OutcomeSuccess {
		metrics.ObserveTaskCompleted(crawler.TaskDone)
	} else {
		metrics.ObserveTaskCompleted(crawler.TaskFailed)
	}
	return report, nil
}

func (a *Agent) runPlatform(ctx context.Context, task crawler.CrawlTask, code platform.Code, logger *zap.Logger) PlatformReport {
	pr := PlatformReport{Platform: code}
	logger = logger.With(zap.String("platform", string(code)))

	src, err := a.source(ctx, code)
	if err != nil {
		logger.Error("load source failed", zap.Error(err))
		pr.Status, pr.Reason, pr.ErrorKind = PlatformFailed, err.Error(), crawler.KindInternal
		return pr
	}
	if !src.Active {
		logger.Info("skipping disabled source", zap.String("reason", src.DisabledReason))
		pr.Status, pr.Reason = PlatformSkipped, crawler.ErrSourceDisabled.Error()
		return pr
	}

	held, err := a.deps.Leases.Acquire(ctx, lease.CrawlKey(task.ID, string(code)), a.cfg.AgentID, a.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, crawler.ErrBusy) {
			logger.Info("platform leased elsewhere")
			pr.Status, pr.Reason = PlatformSkipped, err.Error()
			return pr
		}
		if ctx.Err() != nil {
			pr.Status = PlatformCanceled
			return pr
		}
		logger.Error("acquire crawl lease failed", zap.Error(err))
		pr.Status, pr.Reason, pr.ErrorKind = PlatformFailed, err.Error(), crawler.KindInternal
		return pr
	}
	crawlCtx, cancel := context.WithCancel(ctx)
	renewErrs := a.deps.Leases.Keepalive(crawlCtx, held, a.cfg.LeaseTTL/3, a.cfg.LeaseTTL)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		if renewErr, ok := <-renewErrs; ok && renewErr != nil {
			logger.Warn("crawl lease lost", zap.Error(renewErr))
			cancel()
		}
	}()
	defer func() {
		cancel()
		<-watched
		if err := a.deps.Leases.Release(context.WithoutCancel(ctx), held); err != nil {
			logger.Warn("release crawl lease failed", zap.Error(err))
		}
	}()
	return a.crawl(ctx, crawlCtx, task, code, pr, logger)
}

// crawl runs the attempt loop under crawlCtx, which ends with ctx or when the
// crawl lease is lost.
func (a *Agent) crawl(
	ctx, crawlCtx context.Context,
	task crawler.CrawlTask,
	code platform.Code,
	pr PlatformReport,
	logger *zap.Logger,
) PlatformReport {
	interrupted := func() bool {
		switch {
		case ctx.Err() != nil:
			pr.Status = PlatformCanceled
		case crawlCtx.Err() != nil:
			pr.Status, pr.Reason = PlatformLeaseLost, crawler.ErrExpired.Error()
		default:
			return false
		}
		return true
	}

	batchID, err := a.deps.IDs.NewID()
	if err != nil {
		pr.Status, pr.Reason, pr.ErrorKind = PlatformFailed, err.Error(), crawler.KindInternal
		return pr
	}
	pr.BatchID = batchID
	logger = logger.With(zap.String("batch_id", batchID))

	for attempt := 0; ; attempt++ {
		pr.Attempts = attempt + 1
		started := a.deps.Clock.Now()
		out, stage, attemptErr := a.attempt(crawlCtx, task, code, batchID, logger)
		if attemptErr != nil && interrupted() {
			return pr
		}

		entry := crawler.ExecutionLog{
			Kind:      crawler.LogCrawl,
			SubjectID: task.ID,
			SourceID:  code.SourceID(),
			BatchID:   batchID,
			AgentID:   a.cfg.AgentID,
			Host:      a.cfg.Host,
			Stage:     stage,
			Outcome:   crawler.OutcomeSuccess,
			StartedAt: started,
			EndedAt:   a.deps.Clock.Now(),
			ItemCount: len(out.Inserted) + len(out.Updated),
			Resource:  sampleResources(),
			Attempt:   attempt + 1,
		}
		if attemptErr != nil {
			entry.Outcome = crawler.OutcomeFailure
			entry.ErrorKind = retry.Classify(attemptErr)
			entry.ErrorMessage = attemptErr.Error()
		}
		after, recErr := a.deps.Tracker.Record(context.WithoutCancel(ctx), entry)
		if recErr != nil {
			logger.Error("record attempt failed", zap.Error(recErr))
		}

		if attemptErr == nil {
			pr.Status = PlatformDone
			pr.Inserted, pr.Updated, pr.SnapshotURI = len(out.Inserted), len(out.Updated), out.SnapshotURI
			return pr
		}

		decision := a.cfg.Policy.Decide(attempt, attemptErr)
		if recErr == nil && !after.Active {
			decision.Retry = false
		}
		metrics.ObserveCrawlRetry(decision.Kind, decision.Retry)
		if decision.Kind == crawler.KindRateLimited && a.deps.Limiter != nil {
			a.deps.Limiter.Backoff(code, a.deps.Clock.Now().Add(decision.Delay))
		}
		logger.Warn("crawl attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("stage", stage),
			zap.String("error_kind", string(decision.Kind)),
			zap.Bool("retry", decision.Retry),
			zap.Duration("delay", decision.Delay),
			zap.Error(attemptErr),
		)
		if !decision.Retry {
			pr.Status, pr.Reason, pr.ErrorKind = PlatformFailed, attemptErr.Error(), decision.Kind
			return pr
		}
		if err := a.sleep(crawlCtx, decision.Delay); err != nil {
			if !interrupted() {
				pr.Status, pr.Reason = PlatformCanceled, err.Error()
			}
			return pr
		}
	}
}

type attemptOutput struct {
	dedup.BatchResult
	SnapshotURI string
}

// attempt runs one fetch and the ingest that follows. The returned stage names
// where it stopped.
func (a *Agent) attempt(
	ctx context.Context,
	task crawler.CrawlTask,
	code platform.Code,
	batchID string,
	logger *zap.Logger,
) (attemptOutput, string, error) {
	var out attemptOutput
	if a.deps.Limiter != nil {
		if err := a.deps.Limiter.Wait(ctx, code); err != nil {
			return out, "rate_limit", err
		}
	}

	capability, ok := a.deps.Platforms.Lookup(code)
	if !ok {
		return out, "fetch", fmt.Errorf("%w: platform %s", crawler.ErrInvalid, code)
	}
	fetchCtx := ctx
	if capability.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, capability.FetchTimeout)
		defer cancel()
	}
	res, err := a.deps.Fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		TaskID:   task.ID,
		BatchID:  batchID,
		Platform: code,
		Strategy: capability.Strategy,
	})
	if err != nil {
		return out, "fetch", fmt.Errorf("fetch %s: %w", code, err)
	}

	date := crawler.DateOf(a.deps.Clock.Now())
	out.SnapshotURI = a.archive(ctx, date, code, batchID, res, logger)

	ingested, err := a.deps.Ingestor.IngestBatch(ctx, date, code, dedup.Batch{
		ID:      batchID,
		TaskID:  task.ID,
		AgentID: a.cfg.AgentID,
	}, res.Items)
	out.BatchResult = ingested
	if err != nil {
		return out, "ingest", err
	}

	a.fanOut(ctx, task, code, date, batchID, out, logger)
	return out, "ingest", nil
}

// archive writes the raw payload, or the parsed items when the fetcher kept no
// raw body. Failures are logged and do not fail the attempt.
func (a *Agent) archive(
	ctx context.Context,
	date crawler.Date,
	code platform.Code,
	batchID string,
	res crawler.FetchResult,
	logger *zap.Logger,
) string {
	if a.deps.Blobs == nil {
		return ""
	}
	body, contentType := res.Raw, res.ContentType
	if len(body) == 0 {
		encoded, err := json.Marshal(res.Items)
		if err != nil {
			logger.Warn("encode snapshot failed", zap.Error(err))
			return ""
		}
		body, contentType = encoded, "application/json"
	}
	if contentType == "" {
		contentType = a.cfg.ContentType
	}
	uri, err := a.deps.Blobs.PutObject(ctx, SnapshotPath(a.cfg.BlobPrefix, date, code, batchID), contentType, bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive snapshot failed", zap.Error(err))
		return ""
	}
	return uri
}

// fanOut enqueues a vectorization job per inserted item and publishes one
// notice for the batch. Items are already stored, so failures only log.
func (a *Agent) fanOut(
	ctx context.Context,
	task crawler.CrawlTask,
	code platform.Code,
	date crawler.Date,
	batchID string,
	out attemptOutput,
	logger *zap.Logger,
) {
	if len(out.Inserted) == 0 {
		return
	}
	fingerprints := make([]crawler.Fingerprint, 0, len(out.Inserted))
	for _, item := range out.Inserted {
		fingerprints = append(fingerprints, item.Fingerprint)
		if a.deps.Jobs == nil {
			continue
		}
		if _, _, err := a.deps.Jobs.Enqueue(ctx, crawler.JobVectorization, item.Key(), batchID, a.cfg.VectorizeRetries); err != nil {
			logger.Error("enqueue vectorization failed", zap.String("item", item.Key()), zap.Error(err))
		}
		if !a.cfg.ArticleJobs || item.URL == "" {
			continue
		}
		if _, _, err := a.deps.Jobs.Enqueue(ctx, crawler.JobArticleCrawl, item.Key(), batchID, a.cfg.VectorizeRetries); err != nil {
			logger.Error("enqueue article crawl failed", zap.String("item", item.Key()), zap.Error(err))
		}
	}
	if a.deps.Publisher == nil {
		return
	}
	msgID, err := a.deps.Publisher.Publish(ctx, a.cfg.Topic, InsertedNotice{
		TaskID:       task.ID,
		BatchID:      batchID,
		Platform:     code,
		Date:         date,
		Fingerprints: fingerprints,
		SnapshotURI:  out.SnapshotURI,
	})
	if err != nil {
		logger.Error("publish inserted items failed", zap.Error(err))
		return
	}
	logger.Debug("published inserted items", zap.String("message_id", msgID), zap.Int("count", len(fingerprints)))
}

func (a *Agent) source(ctx context.Context, code platform.Code) (crawler.Source, error) {
	src, err := a.deps.Tracker.Source(ctx, code.SourceID())
	if err == nil {
		return src, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return crawler.Source{}, err
	}
	return a.deps.Tracker.Register(ctx, crawler.NewPlatformSource(code, a.deps.Clock.Now()))
}

// SnapshotPath is the blob path of a batch snapshot:
// [prefix/]date/platform/batch.json.
func SnapshotPath(prefix string, date crawler.Date, code platform.Code, batchID string) string {
	path := fmt.Sprintf("%s/%s/%s.json", date, code, batchID)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		return prefix + "/" + path
	}
	return path
}

func sampleResources() crawler.ResourceUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return crawler.ResourceUsage{MemoryMB: float64(ms.Alloc) / (1 << 20)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
