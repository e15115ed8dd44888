package crawler

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status        TaskStatus
	StartedBefore time.Time
	PlatformKey   string
	Window        time.Time
	Limit         int
}

// TaskStore persists crawl tasks. Status changes are compare-and-set.
type TaskStore interface {
	// InsertTask stores task unless a non-terminal task with the same platform
	// key and window exists, in which case it reports false.
	InsertTask(ctx context.Context, task CrawlTask) (bool, error)
	GetTask(ctx context.Context, id string) (CrawlTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]CrawlTask, error)
	// ClaimDueTasks moves up to limit pending tasks due at now to running.
	ClaimDueTasks(ctx context.Context, now time.Time, agentID string, limit int) ([]CrawlTask, error)
	// CompleteTask moves a task running under agentID to status and, in the
	// same write, inserts next when non-nil. ErrConflict when the task is not
	// running or another agent holds it. stored reports whether next was
	// inserted; a successor colliding with an open task is not.
	CompleteTask(ctx context.Context, id, agentID string, status TaskStatus, finishedAt time.Time, next *CrawlTask) (stored bool, err error)
	// RequeueTask moves a task running under agentID back to pending.
	RequeueTask(ctx context.Context, id, agentID string) error
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	Date      Date
	Platforms []platform.Code
	Limit     int
}

// ItemStore persists raw items keyed by (date, platform, fingerprint).
type ItemStore interface {
	// UpsertItem inserts item or merges it into the existing row atomically.
	UpsertItem(ctx context.Context, item RawItem) (RawItem, IngestOutcome, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]RawItem, error)
}

// TopicStore persists unified topics and their fingerprint membership.
type TopicStore interface {
	OwnedFingerprints(ctx context.Context, date Date) (map[Fingerprint]string, error)
	// SaveTopics commits topics atomically. ErrFingerprintOwned aborts the whole
	// batch when any fingerprint already belongs to a topic of the date.
	SaveTopics(ctx context.Context, date Date, topics []UnifiedTopic) error
	ListTopics(ctx context.Context, date Date) ([]UnifiedTopic, error)
	FinalizeDate(ctx context.Context, date Date) (int, error)
	DateFinalized(ctx context.Context, date Date) (bool, error)
}

// SourceFilter narrows ListSources.
type SourceFilter struct {
	Health     []Health
	ActiveOnly bool
	Limit      int
}

// SourceStore persists sources and their health counters.
type SourceStore interface {
	// EnsureSource registers src if absent and returns the stored state.
	EnsureSource(ctx context.Context, src Source) (Source, error)
	GetSource(ctx context.Context, id string) (Source, error)
	ListSources(ctx context.Context, filter SourceFilter) ([]Source, error)
	// UpdateSource applies mutate to the locked row and persists the result.
	UpdateSource(ctx context.Context, id string, mutate func(Source) (Source, error)) (Source, error)
	// RecordAttempt appends entry and applies mutate to its source in one
	// transaction.
	RecordAttempt(ctx context.Context, entry ExecutionLog, mutate func(Source) Source) (Source, error)
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	Kind      LogKind
	SubjectID string
	SourceID  string
	Limit     int
}

// LogStore appends execution logs that are not tied to a source.
type LogStore interface {
	AppendLog(ctx context.Context, entry ExecutionLog) error
	ListLogs(ctx context.Context, filter LogFilter) ([]ExecutionLog, error)
}

// LeaseStore persists leases. Implementations make each call atomic.
type LeaseStore interface {
	// TryAcquire stores lease unless a lease for the same item is live at now.
	// When busy it returns the live lease and false.
	TryAcquire(ctx context.Context, lease Lease, now time.Time) (Lease, bool, error)
	// Extend moves ExpiresAt to max(current, expiresAt). ErrExpired when the
	// lease is gone, expired at now, or held under another token.
	Extend(ctx context.Context, itemID, token string, expiresAt, now time.Time) (Lease, error)
	// Delete removes the lease when token matches; otherwise it is a no-op.
	Delete(ctx context.Context, itemID, token string) error
	Get(ctx context.Context, itemID string) (Lease, error)
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Kind            JobKind
	Status          JobStatus
	AvailableBefore time.Time
	Limit           int
}

// JobStore persists work jobs.
type JobStore interface {
	// EnqueueJob inserts job unless one exists for (Kind, SubjectID); the
	// stored job is returned with created=false in that case.
	EnqueueJob(ctx context.Context, job WorkJob) (WorkJob, bool, error)
	GetJob(ctx context.Context, id string) (WorkJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]WorkJob, error)
	// TransitionJob applies mutate when guard allows the stored job, else
	// ErrConflict.
	TransitionJob(ctx context.Context, id string, guard JobGuard, mutate func(WorkJob) WorkJob) (WorkJob, error)
}

// FetchRequest asks a fetcher for one platform listing.
type FetchRequest struct {
	TaskID   string
	BatchID  string
	Platform platform.Code
	Strategy platform.FetchStrategy
}

// FetchResult is the parsed listing plus the raw payload for archiving.
type FetchResult struct {
	Items       []Observation
	Raw         []byte
	ContentType string
	FetchedAt   time.Time
}

// Fetcher retrieves a platform listing. Failures should be *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// Page is one fetched document.
type Page struct {
	URL         string
	StatusCode  int
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// PageFetcher retrieves a single document, such as an item's article.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (Page, error)
}

// ItemSummary is what the enricher sees of a raw item.
type ItemSummary struct {
	Fingerprint Fingerprint   `json:"fingerprint"`
	Platform    platform.Code `json:"platform"`
	Title       string        `json:"title"`
	URL         string        `json:"url,omitempty"`
	HotValue    string        `json:"hot_value,omitempty"`
	Rank        int           `json:"rank,omitempty"`
}

// TopicGroup is one cluster proposed by the enricher.
type TopicGroup struct {
	Title             string        `json:"title"`
	Summary           string        `json:"summary,omitempty"`
	Keywords          []string      `json:"keywords,omitempty"`
	Category          string        `json:"category,omitempty"`
	RepresentativeURL string        `json:"representative_url,omitempty"`
	Fingerprints      []Fingerprint `json:"fingerprints"`
}

// EnrichmentResult is the enricher's grouping response.
type EnrichmentResult struct {
	Groups []TopicGroup
	Model  string
}

// Enricher groups items into topics (an external AI model in production).
type Enricher interface {
	Group(ctx context.Context, items []ItemSummary) (EnrichmentResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
