// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk/internal/api"
	"github.com/JakeFAU/newsdesk/internal/cascade"
	"github.com/JakeFAU/newsdesk/internal/clustering"
	"github.com/JakeFAU/newsdesk/internal/collector"
	"github.com/JakeFAU/newsdesk/internal/config"
	"github.com/JakeFAU/newsdesk/internal/dispatcher"
	"github.com/JakeFAU/newsdesk/internal/enrichment"
	"github.com/JakeFAU/newsdesk/internal/fetcher"
	collyfetcher "github.com/JakeFAU/newsdesk/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/newsdesk/internal/fetcher/headless"
	"github.com/JakeFAU/newsdesk/internal/health"
	"github.com/JakeFAU/newsdesk/internal/ingest"
	"github.com/JakeFAU/newsdesk/internal/linker"
	"github.com/JakeFAU/newsdesk/internal/logging"
	"github.com/JakeFAU/newsdesk/internal/orchestrator"
	"github.com/JakeFAU/newsdesk/internal/policy/ratelimit"
	"github.com/JakeFAU/newsdesk/internal/proxypool"
	memorypublisher "github.com/JakeFAU/newsdesk/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/newsdesk/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/newsdesk/internal/queue/memory"
	"github.com/JakeFAU/newsdesk/internal/scheduler"
	gcsstorage "github.com/JakeFAU/newsdesk/internal/storage/gcs"
	localstorage "github.com/JakeFAU/newsdesk/internal/storage/local"
	memoryStorage "github.com/JakeFAU/newsdesk/internal/storage/memory"
	pgstore "github.com/JakeFAU/newsdesk/internal/storage/postgres"
	"github.com/JakeFAU/newsdesk/internal/story"
	"github.com/JakeFAU/newsdesk/internal/telemetry"
	"github.com/JakeFAU/newsdesk/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	orchestrator *orchestrator.Orchestrator
	extractor    *cascade.Extractor
	stories      *story.Service
	health       *health.Manager
	apiServer    *api.Server
	scheduler    *scheduler.Scheduler
	dispatch     *dispatcher.Dispatcher
	queue        *queueMemory.Queue[worker.Job]
	proxies      *proxypool.Pool

	headless  *headlessfetcher.Fetcher
	database  *pgstore.Store
	gcs       *gcsstorage.BlobStore
	pubsub    *gcppublisher.Publisher
	tracer    *sdktrace.TracerProvider
	closeOnce sync.Once
}

type stores struct {
	sources ingest.SourceStore
	records ingest.RecordStore
	stories ingest.StoryStore
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("sources", len(cfg.Sources)),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	st, err := app.setupDatabase(ctx)
	if err != nil {
		app.closeResources(ctx)
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		app.closeResources(ctx)
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeResources(ctx)
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.Burst,
	})
	direct, err := app.setupFetch(limiter)
	if err != nil {
		app.closeResources(ctx)
		return nil, err
	}

	registry := collector.NewRegistry(collector.Config{
		Fetcher:   direct,
		Renderer:  app.extractor,
		Limiter:   limiter,
		NVDAPIKey: cfg.Collector.NVDAPIKey,
		Logger:    logger,
	})

	app.health = health.New(st.sources, health.Config{
		BackoffCap:       cfg.Health.BackoffCap,
		DisableThreshold: cfg.Health.DisableThreshold,
		DefaultInterval:  cfg.Health.DefaultInterval,
		Logger:           logger,
	})
	if err := app.health.Sync(ctx, cfg.SourceDefinitions()); err != nil {
		app.closeResources(ctx)
		return nil, fmt.Errorf("sync sources: %w", err)
	}

	gateway, cleaner := app.setupEnrichment(st)

	app.orchestrator = orchestrator.New(orchestrator.Deps{
		Sources:   st.sources,
		Records:   st.records,
		Collector: registry,
		Health:    app.health,
		Extractor: app.extractor,
		Cleaner:   cleaner,
		Blobs:     blobs,
		Publisher: publisher,
		Enrich:    app.dispatch,
		Limiter:   limiter,
	}, orchestrator.Config{
		MinBodyChars:  cfg.Cascade.MinBodyChars,
		FullText:      cfg.Cascade.FullText,
		EnrichTimeout: cfg.Enrichment.TaskTimeout,
		ArchivePrefix: cfg.Storage.Prefix,
		Topic:         cfg.PubSub.RecordTopic,
		Logger:        logger,
	})

	var synthesizer story.Synthesizer
	if gateway != nil {
		synthesizer = gateway
	}
	app.stories = story.New(st.stories, st.records, synthesizer, story.Config{
		Publisher: publisher,
		Topic:     cfg.PubSub.StoryTopic,
		Logger:    logger,
	})

	if cfg.Scheduler.Enabled {
		app.scheduler = scheduler.New(app.orchestrator, cfg.Scheduler.Interval, logger)
	}

	checks := map[string]api.ReadyCheck{}
	if app.database != nil {
		checks["postgres"] = app.database.Ping
	}
	app.apiServer = api.NewServer(app.orchestrator, app.health, app.stories, checks, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})

	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) (stores, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, using in-memory stores")
		return stores{
			sources: memoryStorage.NewSourceStore(),
			records: memoryStorage.NewRecordStore(),
			stories: memoryStorage.NewStoryStore(),
		}, nil
	}
	db, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres store init failed: %w", err)
	}
	a.database = db
	if a.cfg.DB.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return stores{}, fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	a.logger.Info("postgres store initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return stores{sources: db, records: db, stories: db}, nil
}

func (a *App) setupStorage(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (ingest.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("record_topic", a.cfg.PubSub.RecordTopic),
		zap.String("story_topic", a.cfg.PubSub.StoryTopic),
	)
	return pub, nil
}

func (a *App) setupFetch(limiter *ratelimit.Limiter) (fetcher.Fetcher, error) {
	direct := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.HTTP.UserAgent,
		Timeout:     a.cfg.HTTP.Timeout,
		MaxBodySize: a.cfg.HTTP.MaxBodyBytes,
	})

	var renderer fetcher.Fetcher = headlessfetcher.NewNoop()
	if a.cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
			IdleGrace:         a.cfg.Headless.IdleGrace,
			Logger:            a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = hf
		renderer = hf
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	a.proxies = proxypool.New(proxypool.Config{
		ListURL:         a.cfg.Proxy.ListURL,
		RefreshInterval: a.cfg.Proxy.RefreshInterval,
		FetchTimeout:    a.cfg.Proxy.FetchTimeout,
		Logger:          a.logger,
	})

	a.extractor = cascade.New(cascade.Config{
		DirectTimeout:   a.cfg.Cascade.DirectTimeout,
		ProxiedTimeout:  a.cfg.Cascade.ProxiedTimeout,
		HeadlessTimeout: a.cfg.Cascade.HeadlessTimeout,
		MaxComments:     a.cfg.Cascade.MaxComments,
		Logger:          a.logger,
	}, direct, renderer, a.proxies, limiter)
	return direct, nil
}

// setupEnrichment builds the single-worker pipeline. Without a gateway the
// worker still links records by tag but skips enrichment and clustering.
func (a *App) setupEnrichment(st stores) (*enrichment.Client, orchestrator.TextCleaner) {
	var (
		gateway  *enrichment.Client
		enricher worker.Enricher
		assigner worker.Assigner
		cleaner  orchestrator.TextCleaner
	)
	if a.cfg.Enrichment.BaseURL != "" {
		gateway = enrichment.NewClient(enrichment.Config{
			BaseURL:    a.cfg.Enrichment.BaseURL,
			Model:      a.cfg.Enrichment.Model,
			EmbedModel: a.cfg.Enrichment.EmbedModel,
			APIKey:     a.cfg.Enrichment.APIKey,
			Timeout:    a.cfg.Enrichment.Timeout,
			Logger:     a.logger,
		})
		enricher = gateway
		cleaner = gateway
		assigner = clustering.New(st.records, st.stories, gateway, clustering.Config{
			Threshold: a.cfg.Clustering.Threshold,
			Window:    a.cfg.Clustering.Window,
			Logger:    a.logger,
		})
	} else {
		a.logger.Warn("no enrichment gateway configured, skipping enrichment and clustering")
	}
	link := linker.New(st.records, linker.Config{
		MinSharedTags: a.cfg.Linker.MinSharedTags,
		Window:        a.cfg.Linker.Window,
		Logger:        a.logger,
	})

	a.queue = queueMemory.NewQueue[worker.Job](a.cfg.Enrichment.QueueDepth)
	w := worker.New(a.queue, st.records, enricher, assigner, link, nil,
		worker.Config{TaskTimeout: a.cfg.Enrichment.TaskTimeout}, a.logger)
	a.dispatch = dispatcher.New(a.queue, []*worker.Worker{w})
	return gateway, cleaner
}

// startBackground runs the enrichment pipeline and proxy refresh until ctx ends.
func (a *App) startBackground(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	if a.cfg.Proxy.ListURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.proxies.Run(ctx)
		}()
	}
	return &wg
}

// Run starts the API, scheduler and background loops and blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	background := a.startBackground(ctx)
	if a.scheduler != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			a.scheduler.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	background.Wait()
	return a.Close(shutdownCtx)
}

// RunOnce performs a single RunAll with the enrichment pipeline running and
// returns the number of new records.
func (a *App) RunOnce(ctx context.Context) (int, error) {
	bgCtx, cancel := context.WithCancel(ctx)
	background := a.startBackground(bgCtx)
	defer func() {
		cancel()
		background.Wait()
	}()
	if a.cfg.Proxy.ListURL != "" {
		if err := a.proxies.Refresh(ctx); err != nil {
			a.logger.Warn("initial proxy refresh failed", zap.Error(err))
		}
	}
	count, err := a.orchestrator.RunAll(ctx)
	if err != nil {
		return count, fmt.Errorf("run all: %w", err)
	}
	return count, nil
}

// Extract runs the fetch cascade for a single URL.
func (a *App) Extract(ctx context.Context, url string) (string, bool) {
	if a.cfg.Proxy.ListURL != "" {
		if err := a.proxies.Refresh(ctx); err != nil {
			a.logger.Warn("proxy refresh failed", zap.Error(err))
		}
	}
	return a.extractor.Extract(ctx, url)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeResources(ctx)
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
	return nil
}

func (a *App) closeResources(ctx context.Context) {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.database != nil {
		a.database.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
