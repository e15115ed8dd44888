// Package aggregate reconciles a day's raw items into unified topics. The
// grouping judgment comes from an external enricher; the engine enforces that
// every fingerprint lands in at most one topic per date and that finalized
// dates are never rewritten.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/lease"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/retry"
)

// SingletonPolicy decides what happens to items the enricher left ungrouped.
type SingletonPolicy string

// Singleton policies.
const (
	PolicyLeave     SingletonPolicy = "leave"
	PolicySingleton SingletonPolicy = "singleton"
)

// DefaultCategory is used when the enricher gives none.
const DefaultCategory = "other"

// Leaser is the subset of lease.Manager the engine needs.
type Leaser interface {
	Acquire(ctx context.Context, itemID, holder string, ttl time.Duration) (crawler.Lease, error)
	Keepalive(ctx context.Context, l crawler.Lease, interval, ttl time.Duration) <-chan error
	Release(ctx context.Context, l crawler.Lease) error
}

// Recorder stores execution logs.
type Recorder interface {
	Record(ctx context.Context, entry crawler.ExecutionLog) (crawler.Source, error)
}

// Config tunes an Engine.
type Config struct {
	Holder          string
	LeaseTTL        time.Duration
	SingletonPolicy SingletonPolicy
	Combine         Combiner
}

// Result summarizes a reconciliation.
type Result struct {
	Topics       []crawler.UnifiedTopic
	Unaggregated []crawler.Fingerprint
	AlreadyOwned int
	EnrichErr    error
}

// Engine runs reconciliations.
type Engine struct {
	topics   crawler.TopicStore
	items    crawler.ItemStore
	leases   Leaser
	enricher crawler.Enricher
	recorder Recorder
	clock    crawler.Clock
	ids      crawler.IDGenerator
	logger   *zap.Logger
	cfg      Config
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRecorder writes an aggregation ExecutionLog per enrichment call.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine builds an Engine.
func NewEngine(
	topics crawler.TopicStore,
	items crawler.ItemStore,
	leases Leaser,
	enricher crawler.Enricher,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	opts ...Option,
) *Engine {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.SingletonPolicy == "" {
		cfg.SingletonPolicy = PolicyLeave
	}
	if cfg.Combine == nil {
		cfg.Combine = Sum
	}
	if cfg.Holder == "" {
		cfg.Holder = "aggregator"
	}
	e := &Engine{
		topics:   topics,
		items:    items,
		leases:   leases,
		enricher: enricher,
		clock:    clock,
		ids:      ids,
		logger:   zap.NewNop(),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReconcileDate loads every item of date and reconciles it.
func (e *Engine) ReconcileDate(ctx context.Context, date crawler.Date) (Result, error) {
	items, err := e.items.ListItems(ctx, crawler.ItemFilter{Date: date})
	if err != nil {
		return Result{}, fmt.Errorf("list items for %s: %w", date, err)
	}
	return e.Reconcile(ctx, date, items)
}

// Reconcile groups the unowned candidates of date into new topics. The date
// lease is renewed while the enricher runs; if it is lost nothing is saved and
// the error wraps crawler.ErrExpired.
func (e *Engine) Reconcile(ctx context.Context, date crawler.Date, candidates []crawler.RawItem) (Result, error) {
	held, err := e.leases.Acquire(ctx, lease.AggregateKey(date), e.cfg.Holder, e.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, crawler.ErrBusy) {
			return Result{}, fmt.Errorf("reconcile %s: another run in progress: %w", date, err)
		}
		return Result{}, fmt.Errorf("reconcile %s: %w", date, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	renewErrs := e.leases.Keepalive(runCtx, held, e.cfg.LeaseTTL/3, e.cfg.LeaseTTL)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		if renewErr, ok := <-renewErrs; ok && renewErr != nil {
			e.logger.Warn("aggregate lease lost", zap.String("date", date.String()), zap.Error(renewErr))
			cancel()
		}
	}()
	defer func() {
		cancel()
		<-watched
		if err := e.leases.Release(context.WithoutCancel(ctx), held); err != nil {
			e.logger.Warn("release aggregate lease", zap.Error(err))
		}
	}()
	return e.reconcile(ctx, runCtx, date, candidates)
}

func (e *Engine) reconcile(ctx, runCtx context.Context, date crawler.Date, candidates []crawler.RawItem) (Result, error) {

	closed, err := e.topics.DateFinalized(ctx, date)
	if err != nil {
		return Result{}, fmt.Errorf("check finalized %s: %w", date, err)
	}
	if closed {
		return Result{}, fmt.Errorf("reconcile %s: %w", date, crawler.ErrDateClosed)
	}
	owned, err := e.topics.OwnedFingerprints(ctx, date)
	if err != nil {
		return Result{}, fmt.Errorf("load owned fingerprints: %w", err)
	}

	var res Result
	pool := make(map[crawler.Fingerprint]crawler.RawItem, len(candidates))
	order := make([]crawler.Fingerprint, 0, len(candidates))
	for _, item := range candidates {
		if item.Date != date {
			continue
		}
		if _, taken := owned[item.Fingerprint]; taken {
			res.AlreadyOwned++
			continue
		}
		if _, dup := pool[item.Fingerprint]; dup {
			continue
		}
		pool[item.Fingerprint] = item
		order = append(order, item.Fingerprint)
	}
	if len(order) == 0 {
		return res, nil
	}

	groups, model, processing, enrichErr := e.enrich(runCtx, date, pool, order)
	res.EnrichErr = enrichErr
	groups = sanitize(groups, pool)

	now := e.clock.Now()
	claimed := make(map[crawler.Fingerprint]struct{}, len(order))
	topics := make([]crawler.UnifiedTopic, 0, len(groups))
	for _, g := range groups {
		topic, err := e.buildTopic(date, g, pool, model, processing, now)
		if err != nil {
			return Result{}, err
		}
		for _, fp := range g.Fingerprints {
			claimed[fp] = struct{}{}
		}
		topics = append(topics, topic)
	}
	for _, fp := range order {
		if _, ok := claimed[fp]; ok {
			continue
		}
		if e.cfg.SingletonPolicy != PolicySingleton || enrichErr != nil {
			res.Unaggregated = append(res.Unaggregated, fp)
			continue
		}
		item := pool[fp]
		topic, err := e.buildTopic(date, crawler.TopicGroup{Title: item.Title, Fingerprints: []crawler.Fingerprint{fp}}, pool, model, 0, now)
		if err != nil {
			return Result{}, err
		}
		topics = append(topics, topic)
	}
	if runCtx.Err() != nil {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("reconcile %s: %w", date, err)
		}
		return Result{}, fmt.Errorf("reconcile %s: aggregate lease lost: %w", date, crawler.ErrExpired)
	}
	if len(topics) == 0 {
		return res, nil
	}
	if err := e.topics.SaveTopics(ctx, date, topics); err != nil {
		return Result{}, fmt.Errorf("save topics for %s: %w", date, err)
	}
	res.Topics = topics
	e.logger.Info("reconciled date",
		zap.String("date", date.String()),
		zap.Int("topics", len(topics)),
		zap.Int("unaggregated", len(res.Unaggregated)),
		zap.Int("already_owned", res.AlreadyOwned),
	)
	return res, nil
}

func (e *Engine) enrich(
	ctx context.Context,
	date crawler.Date,
	pool map[crawler.Fingerprint]crawler.RawItem,
	order []crawler.Fingerprint,
) ([]crawler.TopicGroup, string, time.Duration, error) {
	summaries := make([]crawler.ItemSummary, 0, len(order))
	for _, fp := range order {
		item := pool[fp]
		summaries = append(summaries, crawler.ItemSummary{
			Fingerprint: fp,
			Platform:    item.Platform,
			Title:       item.Title,
			URL:         item.URL,
			HotValue:    item.HotValue,
			Rank:        item.Rank,
		})
	}
	started := e.clock.Now()
	out, err := e.enricher.Group(ctx, summaries)
	ended := e.clock.Now()

	entry := crawler.ExecutionLog{
		Kind:      crawler.LogAggregation,
		SubjectID: date.String(),
		AgentID:   e.cfg.Holder,
		Stage:     "enrich",
		Outcome:   crawler.OutcomeSuccess,
		StartedAt: started,
		EndedAt:   ended,
		ItemCount: len(summaries),
	}
	if err != nil {
		entry.Outcome = crawler.OutcomeFailure
		entry.ErrorKind = retry.Classify(err)
		entry.ErrorMessage = err.Error()
		e.logger.Warn("enrichment failed, items left unaggregated",
			zap.String("date", date.String()),
			zap.Int("items", len(summaries)),
			zap.Error(err),
		)
	}
	if e.recorder != nil {
		if _, recErr := e.recorder.Record(context.WithoutCancel(ctx), entry); recErr != nil {
			e.logger.Error("record aggregation log", zap.Error(recErr))
		}
	}
	if err != nil {
		return nil, "", 0, err
	}
	return out.Groups, out.Model, ended.Sub(started), nil
}

// sanitize drops unknown fingerprints, fingerprints claimed by an earlier group
// and groups left empty.
func sanitize(groups []crawler.TopicGroup, pool map[crawler.Fingerprint]crawler.RawItem) []crawler.TopicGroup {
	claimed := make(map[crawler.Fingerprint]struct{})
	out := make([]crawler.TopicGroup, 0, len(groups))
	for _, g := range groups {
		kept := make([]crawler.Fingerprint, 0, len(g.Fingerprints))
		for _, fp := range g.Fingerprints {
			if _, known := pool[fp]; !known {
				continue
			}
			if _, dup := claimed[fp]; dup {
				continue
			}
			claimed[fp] = struct{}{}
			kept = append(kept, fp)
		}
		if len(kept) == 0 {
			continue
		}
		g.Fingerprints = kept
		out = append(out, g)
	}
	return out
}

func (e *Engine) buildTopic(
	date crawler.Date,
	g crawler.TopicGroup,
	pool map[crawler.Fingerprint]crawler.RawItem,
	model string,
	processing time.Duration,
	now time.Time,
) (crawler.UnifiedTopic, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return crawler.UnifiedTopic{}, fmt.Errorf("topic id: %w", err)
	}
	first := pool[g.Fingerprints[0]]
	topic := crawler.UnifiedTopic{
		ID:                id,
		Date:              date,
		Title:             g.Title,
		Summary:           g.Summary,
		RepresentativeURL: g.RepresentativeURL,
		Keywords:          g.Keywords,
		Category:          g.Category,
		Fingerprints:      g.Fingerprints,
		TopicCount:        len(g.Fingerprints),
		Model:             model,
		ProcessingTime:    processing,
		CreatedAt:         now,
	}
	if topic.Title == "" {
		topic.Title = first.Title
	}
	if topic.RepresentativeURL == "" {
		topic.RepresentativeURL = first.URL
	}
	if topic.Category == "" {
		topic.Category = DefaultCategory
	}
	scores := make([]float64, 0, len(g.Fingerprints))
	platforms := make(map[platform.Code]struct{})
	for _, fp := range g.Fingerprints {
		item := pool[fp]
		scores = append(scores, ParseHotness(item.HotValue))
		platforms[item.Platform] = struct{}{}
		if item.ID > 0 {
			topic.LegacyItemIDs = append(topic.LegacyItemIDs, item.ID)
		}
	}
	topic.AggregateScore = e.cfg.Combine(scores)
	for code := range platforms {
		topic.SourcePlatforms = append(topic.SourcePlatforms, code)
	}
	sort.Slice(topic.SourcePlatforms, func(i, j int) bool { return topic.SourcePlatforms[i] < topic.SourcePlatforms[j] })
	return topic, nil
}

// Finalize freezes the topics of a past date.
func (e *Engine) Finalize(ctx context.Context, date crawler.Date) (int, error) {
	if !date.Before(crawler.DateOf(e.clock.Now())) {
		return 0, fmt.Errorf("finalize %s: %w: date is still open", date, crawler.ErrInvalid)
	}
	n, err := e.topics.FinalizeDate(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("finalize %s: %w", date, err)
	}
	e.logger.Info("finalized date", zap.String("date", date.String()), zap.Int("topics", n))
	return n, nil
}
