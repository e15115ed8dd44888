package crawler

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// Recurrence controls whether a finished task spawns a successor.
type Recurrence string

// Recurrence values.
const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// ParseRecurrence validates a recurrence string. Empty means none.
func ParseRecurrence(raw string) (Recurrence, error) {
	switch r := Recurrence(strings.ToLower(strings.TrimSpace(raw))); r {
	case "":
		return RecurrenceNone, nil
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return r, nil
	default:
		return "", fmt.Errorf("%w: recurrence %q", ErrInvalid, raw)
	}
}

// Trigger records who asked for a task.
type Trigger string

// Trigger values.
const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// CrawlTask is a unit of scheduled crawl work covering one or more platforms.
type CrawlTask struct {
	ID              string       `json:"id"`
	Platforms       platform.Set `json:"platforms"`
	ScheduledTime   time.Time    `json:"scheduled_time"`
	Window          time.Time    `json:"window"`
	Recurrence      Recurrence   `json:"recurrence"`
	Trigger         Trigger      `json:"trigger"`
	TriggeredBy     string       `json:"triggered_by,omitempty"`
	LastExecutedAt  *time.Time   `json:"last_executed_at,omitempty"`
	NextExecutionAt time.Time    `json:"next_execution_at"`
	Status          TaskStatus   `json:"status"`
	AgentID         string       `json:"agent_id,omitempty"`
	Attempt         int          `json:"attempt"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// PlatformKey identifies the task's platform set for duplicate detection.
func (t CrawlTask) PlatformKey() string {
	return t.Platforms.Key()
}

// Fingerprint is the 64-hex stable identity of a normalized (platform, title).
type Fingerprint string

// Observation is one entry of a platform listing as returned by a fetcher.
type Observation struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	HotValue    string `json:"hot_value,omitempty"`
	Rank        int    `json:"rank,omitempty"`
	HeatLevel   int    `json:"heat_level,omitempty"`
	IsHot       bool   `json:"is_hot,omitempty"`
	IsNew       bool   `json:"is_new,omitempty"`
}

// RawItem is an observed item, unique per (Date, Platform, Fingerprint).
// Rank zero means unranked.
type RawItem struct {
	ID          int64         `json:"id"`
	Date        Date          `json:"date"`
	Platform    platform.Code `json:"platform"`
	Fingerprint Fingerprint   `json:"fingerprint"`
	Title       string        `json:"title"`
	URL         string        `json:"url"`
	Description string        `json:"description,omitempty"`
	HotValue    string        `json:"hot_value,omitempty"`
	Rank        int           `json:"rank,omitempty"`
	RankChange  int           `json:"rank_change"`
	HeatLevel   int           `json:"heat_level,omitempty"`
	IsHot       bool          `json:"is_hot,omitempty"`
	IsNew       bool          `json:"is_new,omitempty"`
	TaskID      string        `json:"task_id,omitempty"`
	BatchID     string        `json:"batch_id,omitempty"`
	AgentID     string        `json:"agent_id,omitempty"`
	CrawledAt   time.Time     `json:"crawled_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Key is the natural key of the item.
func (i RawItem) Key() string {
	return i.Date.String() + "|" + string(i.Platform) + "|" + string(i.Fingerprint)
}

// ParseItemKey splits a key produced by RawItem.Key.
func ParseItemKey(key string) (Date, platform.Code, Fingerprint, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 3 || parts[2] == "" {
		return Date{}, "", "", fmt.Errorf("%w: item key %q", ErrInvalid, key)
	}
	date, err := ParseDate(parts[0])
	if err != nil {
		return Date{}, "", "", fmt.Errorf("%w: item key %q: %v", ErrInvalid, key, err)
	}
	code, err := platform.Parse(parts[1])
	if err != nil {
		return Date{}, "", "", fmt.Errorf("%w: item key %q: %v", ErrInvalid, key, err)
	}
	return date, code, Fingerprint(parts[2]), nil
}

// RankChange is previous minus current, so climbing the list is positive.
// Unknown (zero) ranks on either side yield zero.
func RankChange(previous, current int) int {
	if previous <= 0 || current <= 0 {
		return 0
	}
	return previous - current
}

// IngestOutcome reports what an ingest did to the item table.
type IngestOutcome string

// Ingest outcomes.
const (
	Inserted IngestOutcome = "inserted"
	Updated  IngestOutcome = "updated"
)

// UnifiedTopic groups items from different platforms describing the same story.
// Fingerprints is the authoritative membership list; LegacyItemIDs is kept for
// readers that still join on row ids.
type UnifiedTopic struct {
	ID                string          `json:"id"`
	Date              Date            `json:"date"`
	Title             string          `json:"title"`
	Summary           string          `json:"summary,omitempty"`
	RepresentativeURL string          `json:"representative_url,omitempty"`
	Keywords          []string        `json:"keywords,omitempty"`
	Category          string          `json:"category"`
	Fingerprints      []Fingerprint   `json:"fingerprints"`
	LegacyItemIDs     []int64         `json:"legacy_item_ids,omitempty"`
	SourcePlatforms   []platform.Code `json:"source_platforms"`
	AggregateScore    float64         `json:"aggregate_score"`
	TopicCount        int             `json:"topic_count"`
	Model             string          `json:"model,omitempty"`
	ProcessingTime    time.Duration   `json:"processing_time"`
	Finalized         bool            `json:"finalized"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SourceKind distinguishes platform listings from syndicated feeds.
type SourceKind string

// Source kinds.
const (
	SourcePlatform SourceKind = "platform"
	SourceFeed     SourceKind = "feed"
)

// Health is the derived health class of a source.
type Health string

// Health values.
const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
	HealthDisabled Health = "disabled"
	HealthUnknown  Health = "unknown"
)

// DefaultMaxConsecutiveFailures is the auto-disable threshold for new sources.
const DefaultMaxConsecutiveFailures = 20

// Counters are the attempt tallies of a source.
type Counters struct {
	ConsecutiveFailures int `json:"consecutive_failures"`
	TotalSuccesses      int `json:"total_successes"`
	TotalFailures       int `json:"total_failures"`
}

// Attempts returns the total number of recorded attempts.
func (c Counters) Attempts() int {
	return c.TotalSuccesses + c.TotalFailures
}

// Source is a crawlable origin together with its health state.
type Source struct {
	ID                     string        `json:"id"`
	Kind                   SourceKind    `json:"kind"`
	Name                   string        `json:"name"`
	Platform               platform.Code `json:"platform,omitempty"`
	URL                    string        `json:"url,omitempty"`
	Active                 bool          `json:"active"`
	AutoDisabled           bool          `json:"auto_disabled"`
	DisabledAt             *time.Time    `json:"disabled_at,omitempty"`
	DisabledReason         string        `json:"disabled_reason,omitempty"`
	Counters               Counters      `json:"counters"`
	LastSuccessAt          *time.Time    `json:"last_success_at,omitempty"`
	LastAttemptAt          *time.Time    `json:"last_attempt_at,omitempty"`
	LastErrorKind          ErrorKind     `json:"last_error_kind,omitempty"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	Health                 Health        `json:"health"`
	ReliabilityScore       float64       `json:"reliability_score"`
	AvgSyncSeconds         float64       `json:"avg_sync_seconds"`
	LastHealthCheckAt      *time.Time    `json:"last_health_check_at,omitempty"`
	CreatedAt              time.Time     `json:"created_at"`
}

// NewPlatformSource returns the initial state of a platform source.
func NewPlatformSource(code platform.Code, now time.Time) Source {
	name := string(code)
	if capability, ok := code.Capability(); ok {
		name = capability.DisplayName
	}
	return Source{
		ID:                     code.SourceID(),
		Kind:                   SourcePlatform,
		Name:                   name,
		Platform:               code,
		Active:                 true,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		Health:                 HealthUnknown,
		ReliabilityScore:       50,
		CreatedAt:              now,
	}
}

// Lease is a time-bounded exclusive claim on an item.
type Lease struct {
	ItemID     string    `json:"item_id"`
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is acquirable by others at now.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// JobKind selects the handler for a work job.
type JobKind string

// Job kinds.
const (
	JobArticleCrawl  JobKind = "article_crawl"
	JobVectorization JobKind = "vectorization"
)

// JobStatus is the lifecycle state of a work job.
type JobStatus string

// Job statuses.
const (
	JobWaiting    JobStatus = "waiting"
	JobInProgress JobStatus = "in_progress"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// WorkJob is a status-tracked unit of downstream work.
type WorkJob struct {
	ID             string    `json:"id"`
	Kind           JobKind   `json:"kind"`
	SubjectID      string    `json:"subject_id"`
	BatchID        string    `json:"batch_id,omitempty"`
	Status         JobStatus `json:"status"`
	RetryCount     int       `json:"retry_count"`
	MaxRetries     int       `json:"max_retries"`
	AssignedWorker string    `json:"assigned_worker,omitempty"`
	LastErrorKind  ErrorKind `json:"last_error_kind,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	AvailableAt    time.Time `json:"available_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JobGuard is the precondition of a job transition. A non-empty Worker must
// match the job's assigned worker.
type JobGuard struct {
	Status JobStatus
	Worker string
}

// Allows reports whether job satisfies g.
func (g JobGuard) Allows(job WorkJob) bool {
	if job.Status != g.Status {
		return false
	}
	return g.Worker == "" || job.AssignedWorker == g.Worker
}

// LogKind names the pipeline an execution log belongs to.
type LogKind string

// Log kinds.
const (
	LogCrawl         LogKind = "crawl"
	LogArticle       LogKind = "article"
	LogVectorization LogKind = "vectorization"
	LogSync          LogKind = "sync"
	LogAggregation   LogKind = "aggregation"
)

// Outcome is the binary result of one attempt.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ResourceUsage is sampled by the process that ran the attempt.
type ResourceUsage struct {
	MemoryMB   float64 `json:"memory_mb"`
	CPUPercent float64 `json:"cpu_percent"`
}

// ExecutionLog is the immutable record of one attempt.
type ExecutionLog struct {
	ID           string        `json:"id"`
	Kind         LogKind       `json:"kind"`
	SubjectID    string        `json:"subject_id"`
	SourceID     string        `json:"source_id,omitempty"`
	BatchID      string        `json:"batch_id,omitempty"`
	AgentID      string        `json:"agent_id,omitempty"`
	Host         string        `json:"host,omitempty"`
	Stage        string        `json:"stage,omitempty"`
	Outcome      Outcome       `json:"outcome"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	ItemCount    int           `json:"item_count"`
	Resource     ResourceUsage `json:"resource"`
	Attempt      int           `json:"attempt"`
}

// Duration is the wall time of the attempt.
func (l ExecutionLog) Duration() time.Duration {
	if l.EndedAt.Before(l.StartedAt) {
		return 0
	}
	return l.EndedAt.Sub(l.StartedAt)
}
