// Package server builds the orchestrator from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/agent"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/aggregate"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/api"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/clock/system"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/config"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/dedup"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/enricher/gemini"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/enricher/title"
	collyfetcher "github.com/JakeFAU/hotfeed-orchestrator/internal/fetcher/colly"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/fingerprint"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/health"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/lease"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/logging"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/metrics"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/progress"
	progresssinks "github.com/JakeFAU/hotfeed-orchestrator/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/hotfeed-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/hotfeed-orchestrator/internal/publisher/pubsub"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/schedule"
	gcsstorage "github.com/JakeFAU/hotfeed-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/hotfeed-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/hotfeed-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/hotfeed-orchestrator/internal/storage/postgres"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/store"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/telemetry"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/worker"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/workqueue"
)

// Stores are the persistence ports, backed by Postgres or memory.
type Stores struct {
	Tasks   crawler.TaskStore
	Items   crawler.ItemStore
	Topics  crawler.TopicStore
	Sources crawler.SourceStore
	Logs    crawler.LogStore
	Leases  crawler.LeaseStore
	Jobs    crawler.JobStore
	Batches store.BatchRepository
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Stores    Stores
	Scheduler *schedule.Scheduler
	Tracker   *health.Tracker
	Leases    *lease.Manager
	Queue     *workqueue.Queue
	Engine    *aggregate.Engine
	Agent     *agent.Agent

	agentID    string
	clock      *system.Clock
	driver     *schedule.Driver
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server
	hub        *progress.Hub
	providers  *telemetry.Providers
	pool       *pgxpool.Pool
	gcsClient  *storage.Client
	psClient   *pubsub.Client
	psPublish  *gcppublisher.Publisher
	registerer prometheus.Registerer
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer registers collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the clock every component shares.
func (a *App) Clock() crawler.Clock { return a.clock }

// Handler returns the operator HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Build wires every component from cfg. Nothing runs until Run.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
	}
	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.closeInfrastructure(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	a.logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
	)

	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		ProjectID:      cfg.Telemetry.TraceProjectID,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		Registerer:     a.registerer,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.providers = providers
	metrics.Init()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	table, err := cfg.PlatformTable()
	if err != nil {
		return err
	}
	a.clock = system.NewIn(loc)
	ids := uuid.New()

	if err := a.setupStores(ctx); err != nil {
		return err
	}
	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if err := a.setupProgress(ctx); err != nil {
		return err
	}

	a.Tracker = health.NewTracker(a.Stores.Sources, a.Stores.Logs, a.clock,
		health.WithLogger(a.logger.Named("health")),
		health.WithIDGenerator(ids),
		health.WithObserver(a.hub.ObserveAttempt),
		health.WithObserver(metrics.ObserveAttempt),
	)
	a.Leases = lease.NewManager(a.Stores.Leases, a.clock, ids,
		lease.WithLogger(a.logger.Named("lease")),
		lease.WithObserver(metrics.LeaseObserver{}),
	)
	a.Scheduler = schedule.New(a.Stores.Tasks, a.Leases, a.clock, ids,
		schedule.WithLogger(a.logger.Named("scheduler")),
	)
	a.Queue = workqueue.New(a.Stores.Jobs, a.Leases, a.Tracker, a.clock, ids,
		workqueue.WithLogger(a.logger.Named("workqueue")),
		workqueue.WithPolicy(cfg.RetryPolicy()),
		workqueue.WithRetryObserver(metrics.ObserveRetry),
	)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.Fetch.Timeout,
		Endpoints: cfg.Endpoints(),
	}, collyfetcher.WithClock(a.clock))
	ingestor := dedup.NewIngestor(dedup.NewStore(a.Stores.Items, a.clock), a.clock,
		dedup.WithLogger(a.logger.Named("dedup")),
		dedup.WithOutcomeObserver(metrics.ObserveIngest),
	)
	limiter := ratelimit.New(table, ratelimit.WithDelayObserver(metrics.ObserveRateLimitDelay))

	host, _ := os.Hostname()
	agentID := cfg.Agent.ID
	if agentID == "" {
		agentID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	a.agentID = agentID
	a.Agent, err = agent.New(agent.Deps{
		Scheduler: a.Scheduler,
		Leases:    a.Leases,
		Limiter:   limiter,
		Fetcher:   fetcher,
		Ingestor:  ingestor,
		Tracker:   a.Tracker,
		Jobs:      a.Queue,
		Blobs:     blobs,
		Publisher: publisher,
		Platforms: table,
		Clock:     a.clock,
		IDs:       ids,
	}, agent.Config{
		AgentID:          agentID,
		Host:             host,
		LeaseTTL:         cfg.Agent.LeaseTTL,
		BlobPrefix:       cfg.Storage.Prefix,
		Topic:            cfg.Agent.Topic,
		VectorizeRetries: cfg.Agent.VectorizeRetries,
		ArticleJobs:      cfg.Workers.ArticleCrawl > 0,
		Policy:           cfg.RetryPolicy(),
	}, agent.WithLogger(a.logger.Named("agent")))
	if err != nil {
		return fmt.Errorf("agent init failed: %w", err)
	}
	if cfg.Scheduler.Enabled {
		a.driver, err = schedule.NewDriver(a.Scheduler, a.clock, schedule.DriverConfig{
			Spec:       cfg.Scheduler.Spec,
			AgentID:    agentID,
			BatchSize:  cfg.Scheduler.BatchSize,
			StaleAfter: cfg.Scheduler.StaleAfter,
		}, a.Agent.Handle, a.logger.Named("driver"))
		if err != nil {
			return fmt.Errorf("driver init failed: %w", err)
		}
	}

	enricher, err := a.setupEnricher(ctx)
	if err != nil {
		return err
	}
	a.Engine = aggregate.NewEngine(a.Stores.Topics, a.Stores.Items, a.Leases, enricher, a.clock, ids, aggregate.Config{
		Holder:          agentID,
		LeaseTTL:        cfg.Aggregation.LeaseTTL,
		SingletonPolicy: aggregate.SingletonPolicy(cfg.Aggregation.SingletonPolicy),
		Combine:         cfg.Combiner(),
	}, aggregate.WithLogger(a.logger.Named("aggregate")), aggregate.WithRecorder(a.Tracker))

	handlers := worker.New(worker.Deps{
		Items:     a.Stores.Items,
		Pages:     fetcher,
		Blobs:     blobs,
		Publisher: publisher,
		Hasher:    fingerprint.NewHasher(),
		Clock:     a.clock,
	}, worker.Config{
		BlobPrefix:     cfg.Storage.Prefix,
		ArticleTopic:   cfg.Workers.ArticleTopic,
		VectorizeTopic: cfg.Workers.VectorizeTopic,
	}, a.logger.Named("worker"))
	a.dispatch = a.setupDispatcher(handlers)

	var serverOpts []api.Option
	if a.pool != nil {
		serverOpts = append(serverOpts, api.WithReadinessCheck(a.pool.Ping))
	}
	a.apiServer = api.NewServer(a.Scheduler, a.Tracker, a.Stores.Batches, cfg.Auth, a.logger.Named("api"), serverOpts...)
	return a.registerPlatforms(ctx)
}

func (a *App) setupStores(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database.dsn configured, using in-memory stores")
		logs := memorystorage.NewLogStore()
		a.Stores = Stores{
			Tasks:   memorystorage.NewTaskStore(),
			Items:   memorystorage.NewItemStore(),
			Topics:  memorystorage.NewTopicStore(),
			Sources: memorystorage.NewSourceStore(logs),
			Logs:    logs,
			Leases:  memorystorage.NewLeaseStore(0),
			Jobs:    memorystorage.NewJobStore(),
			Batches: memorystorage.NewBatchStore(),
		}
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	if a.cfg.Database.Migrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema applied")
	}
	a.Stores = Stores{
		Tasks:   pgstore.NewTaskStore(pool),
		Items:   pgstore.NewItemStore(pool),
		Topics:  pgstore.NewTopicStore(pool),
		Sources: pgstore.NewSourceStore(pool),
		Logs:    pgstore.NewLogStore(pool),
		Leases:  pgstore.NewLeaseStore(pool),
		Jobs:    pgstore.NewJobStore(pool),
		Batches: pgstore.NewBatchStore(pool),
	}
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no pubsub.project_id configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.psClient = client
	a.psPublish = gcppublisher.New(client, a.cfg.PubSub.ProjectID, a.logger.Named("pubsub"))
	topics := []string{a.cfg.Agent.Topic, a.cfg.Workers.VectorizeTopic}
	if a.cfg.Workers.ArticleCrawl > 0 {
		topics = append(topics, a.cfg.Workers.ArticleTopic)
	}
	for _, topic := range topics {
		if err := a.psPublish.VerifyTopic(ctx, topic); err != nil {
			return nil, err
		}
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.Strings("topics", topics),
	)
	return a.psPublish, nil
}

func (a *App) setupProgress(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	},
		progress.All(progresssinks.NewLogSink(a.logger.Named("progress_log"))),
		progress.All(promSink),
		progress.Route{
			Sink:   progresssinks.NewStoreSink(a.Stores.Batches, a.logger.Named("progress_store")),
			Filter: progress.Filter{Batched: true},
		},
	)
	return nil
}

func (a *App) setupEnricher(ctx context.Context) (crawler.Enricher, error) {
	if a.cfg.Enricher.APIKey == "" {
		a.logger.Warn("no enricher.api_key configured, grouping by exact title match")
		return title.New(), nil
	}
	enricher, err := gemini.New(ctx, gemini.Config{
		APIKey:      a.cfg.Enricher.APIKey,
		Model:       a.cfg.Enricher.Model,
		Temperature: a.cfg.Enricher.Temperature,
	}, a.logger.Named("gemini"))
	if err != nil {
		return nil, fmt.Errorf("enricher init failed: %w", err)
	}
	a.logger.Info("using gemini enricher", zap.String("model", a.cfg.Enricher.Model))
	return enricher, nil
}

func (a *App) setupDispatcher(handlers *worker.Handlers) *dispatcher.Dispatcher {
	wcfg := a.cfg.Workers
	logger := a.logger.Named("worker")
	var runners []dispatcher.Runner
	for _, w := range workqueue.NewWorkers(wcfg.Vectorization, a.agentID+"/vectorize", a.Queue, handlers.Vectorize, workqueue.Config{
		Kind:         crawler.JobVectorization,
		LeaseTTL:     wcfg.LeaseTTL,
		PollInterval: wcfg.PollInterval,
	}, logger) {
		runners = append(runners, w)
	}
	for _, w := range workqueue.NewWorkers(wcfg.ArticleCrawl, a.agentID+"/article", a.Queue, handlers.CrawlArticle, workqueue.Config{
		Kind:         crawler.JobArticleCrawl,
		LeaseTTL:     wcfg.LeaseTTL,
		PollInterval: wcfg.PollInterval,
	}, logger) {
		runners = append(runners, w)
	}
	a.logger.Info("worker pools configured",
		zap.Int("vectorization", wcfg.Vectorization),
		zap.Int("article_crawl", wcfg.ArticleCrawl),
	)
	return dispatcher.New(a.Queue, runners,
		dispatcher.WithSweepInterval(wcfg.SweepInterval),
		dispatcher.WithLogger(a.logger.Named("dispatcher")),
	)
}

// registerPlatforms makes sure every known platform has a source row, so
// operators can inspect sources before the first crawl.
func (a *App) registerPlatforms(ctx context.Context) error {
	now := a.clock.Now()
	for _, code := range platform.All() {
		if _, err := a.Tracker.Register(ctx, crawler.NewPlatformSource(code, now)); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the scheduler driver, the worker pools and the HTTP server, and
// blocks until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	if a.driver != nil {
		go func() {
			defer func() { done <- struct{}{} }()
			a.logger.Info("scheduler driver started", zap.String("spec", a.cfg.Scheduler.Spec))
			if err := a.driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("scheduler driver stopped", zap.Error(err))
				stop()
			}
		}()
	} else {
		done <- struct{}{}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
wait:
	for i := 0; i < cap(done); i++ {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			a.logger.Warn("background loops did not stop before the shutdown timeout")
			break wait
		}
	}
	return a.Close(shutdownCtx)
}

// Close releases every client and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.psPublish != nil {
		a.psPublish.Close()
	}
	if a.psClient != nil {
		if err := a.psClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.providers != nil {
		if err := a.providers.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
