// Package app initializes and holds long-lived application services, acting
// as the dependency container for the CLI commands. It turns a loaded config
// into a partition store, per-source fetch pipelines, scheduler drivers, the
// progress hub with its sinks, the exporter, and the status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/quotafill-crawler/internal/api"
	"github.com/JakeFAU/quotafill-crawler/internal/clock/system"
	"github.com/JakeFAU/quotafill-crawler/internal/config"
	"github.com/JakeFAU/quotafill-crawler/internal/export"
	"github.com/JakeFAU/quotafill-crawler/internal/fetcher"
	"github.com/JakeFAU/quotafill-crawler/internal/fetcher/article"
	collyfetcher "github.com/JakeFAU/quotafill-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/quotafill-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/quotafill-crawler/internal/fetcher/listing"
	"github.com/JakeFAU/quotafill-crawler/internal/fetcher/promote"
	"github.com/JakeFAU/quotafill-crawler/internal/id/uuid"
	"github.com/JakeFAU/quotafill-crawler/internal/metrics"
	"github.com/JakeFAU/quotafill-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/quotafill-crawler/internal/progress"
	"github.com/JakeFAU/quotafill-crawler/internal/progress/sinks"
	pubsubpub "github.com/JakeFAU/quotafill-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
	"github.com/JakeFAU/quotafill-crawler/internal/storage/gcs"
	"github.com/JakeFAU/quotafill-crawler/internal/storage/local"
	"github.com/JakeFAU/quotafill-crawler/internal/storage/memory"
	"github.com/JakeFAU/quotafill-crawler/internal/storage/postgres"
	"github.com/JakeFAU/quotafill-crawler/internal/storage/sqlite"
)

const runIDPrefix = "run-"

// PartitionStore is what the application needs from a store backend.
type PartitionStore interface {
	scheduler.Store
	scheduler.ArticleReader
	Ping(ctx context.Context) error
}

// App holds the shared services for one process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     PartitionStore
	hub       *progress.Hub
	publisher *pubsubpub.Publisher
	limiter   *ratelimit.Limiter
	http      fetcher.PageSource
	pages     fetcher.PageSource
	blobs     export.BlobStore
	clock     *system.Clock
	ids       *uuid.Generator
	registry  prometheus.Registerer

	mu        sync.Mutex
	session   *headless.Session
	gcsClient *storage.Client
}

// Option customizes App construction.
type Option func(*App)

// WithStore injects an already opened store instead of opening one from config.
func WithStore(s PartitionStore) Option {
	return func(a *App) { a.store = s }
}

// WithPageSource routes every listing and article fetch through ps.
func WithPageSource(ps fetcher.PageSource) Option {
	return func(a *App) { a.pages = ps }
}

// WithExportStore overrides the export blob backend.
func WithExportStore(b export.BlobStore) Option {
	return func(a *App) { a.blobs = b }
}

// WithRegisterer registers progress collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registry = reg }
}

// New opens the store and starts the progress hub. Close must be called to
// flush progress and release resources.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		ids:      uuid.NewUUIDGenerator(runIDPrefix),
		registry: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(a)
	}
	metrics.Init()

	if a.store == nil {
		store, err := OpenStore(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
		a.store = store
	}

	hubSinks := []progress.Sink{sinks.NewLogSink(logger)}
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	hubSinks = append(hubSinks, promSink)
	if cfg.PubSub.Topic != "" {
		pub, err := pubsubpub.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			_ = a.store.Close()
			return nil, fmt.Errorf("init pubsub: %w", err)
		}
		a.publisher = pub
		pubSink, err := sinks.NewPubSubSink(pub, logger)
		if err != nil {
			_ = pub.Close()
			_ = a.store.Close()
			return nil, fmt.Errorf("init pubsub sink: %w", err)
		}
		hubSinks = append(hubSinks, pubSink)
		logger.Info("publishing partition progress", zap.String("topic", cfg.PubSub.Topic))
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger}, hubSinks...)

	a.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RequestsPerSecond,
		DefaultBurst: cfg.HTTP.Burst,
	})
	a.http = collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.Timeout,
	}, collyfetcher.WithLimiter(a.limiter))

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("sources", cfg.SourceNames()),
	)
	return a, nil
}

// OpenStore opens the partition store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (PartitionStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Path, BusyTimeout: cfg.BusyTimeout})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("using sqlite store", zap.String("path", cfg.Path))
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.NewPartitionStore(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			Migrate:         cfg.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("using postgres store")
		return s, nil
	case config.DriverMemory:
		logger.Warn("using in-memory store; nothing will persist")
		return memory.NewPartitionStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Store returns the partition store.
func (a *App) Store() PartitionStore {
	return a.store
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// SelectSources resolves requested names into engine configs. An empty
// request selects every enabled source.
func (a *App) SelectSources(names []string, dates []time.Time) ([]scheduler.SourceConfig, error) {
	if len(names) == 0 {
		names = a.cfg.SourceNames()
	}
	if len(names) == 0 {
		return nil, errors.New("no sources configured")
	}
	out := make([]scheduler.SourceConfig, 0, len(names))
	for _, name := range names {
		src, err := a.cfg.Source(name, dates)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// Planner builds a planner over the given sources.
func (a *App) Planner(sources []scheduler.SourceConfig) *scheduler.Planner {
	return scheduler.NewPlanner(a.store, sources...)
}

// Drivers builds one driver per source, all sharing the planner and store.
func (a *App) Drivers(sources []scheduler.SourceConfig, dcfg scheduler.DriverConfig) ([]*scheduler.Driver, *scheduler.Planner, error) {
	planner := a.Planner(sources)
	reporter := progress.NewReporter(a.hub, func(source string) int {
		q, _ := planner.Quota(source)
		return q
	})
	drivers := make([]*scheduler.Driver, 0, len(sources))
	for _, src := range sources {
		walker, filler, err := a.pipeline(src)
		if err != nil {
			return nil, nil, err
		}
		drivers = append(drivers, scheduler.NewDriver(dcfg, src.Name, planner, walker, filler, a.logger,
			scheduler.WithReporter(reporter),
			scheduler.WithIDGenerator(a.ids),
			scheduler.WithDriverClock(a.clock),
		))
	}
	return drivers, planner, nil
}

func (a *App) pipeline(src scheduler.SourceConfig) (*scheduler.Walker, *scheduler.Filler, error) {
	fileCfg := a.cfg.Sources[src.Name]
	pages, err := a.pageSource(fileCfg)
	if err != nil {
		return nil, nil, err
	}

	var listingOpts []listing.Option
	if dir := fileCfg.Listing.SnapshotDir; dir != "" {
		snaps, err := local.New(local.Config{BaseDir: dir})
		if err != nil {
			return nil, nil, fmt.Errorf("source %s snapshots: %w", src.Name, err)
		}
		listingOpts = append(listingOpts, listing.WithSnapshots(snaps))
	}
	listings, err := listing.New(listing.Config{
		Source:            src.Name,
		URLTemplate:       fileCfg.Listing.URLTemplate,
		FirstPageTemplate: fileCfg.Listing.FirstPageTemplate,
		Selectors:         fileCfg.Listing.Selectors,
	}, pages, a.logger, listingOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("source %s listing fetcher: %w", src.Name, err)
	}
	articles, err := article.New(article.Config{
		Selectors:   fileCfg.Article.Selectors,
		Readability: fileCfg.Article.Readability,
	}, pages, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("source %s article fetcher: %w", src.Name, err)
	}

	gate, err := scheduler.NewGate(src)
	if err != nil {
		return nil, nil, fmt.Errorf("source %s gate: %w", src.Name, err)
	}
	pagePacer, err := a.pacer(src.Name, "listing", fileCfg.PageDelay)
	if err != nil {
		return nil, nil, err
	}
	fetchPacer, err := a.pacer(src.Name, "article", fileCfg.FetchDelay)
	if err != nil {
		return nil, nil, err
	}
	walker := scheduler.NewWalker(src, gate, a.store, listings, a.logger,
		scheduler.WithPagePacer(pagePacer),
		scheduler.WithWalkerClock(a.clock),
	)
	filler := scheduler.NewFiller(gate, a.store, articles, a.logger,
		scheduler.WithFetchPacer(fetchPacer),
		scheduler.WithFillerClock(a.clock),
	)
	return walker, filler, nil
}

func (a *App) pacer(source, phase string, d config.DelayConfig) (*scheduler.RandomPacer, error) {
	p, err := scheduler.NewRandomPacer(d.Min, d.Max, scheduler.WithObserver(func(delay time.Duration) {
		metrics.ObservePacingDelay(source, phase, delay)
	}))
	if err != nil {
		return nil, fmt.Errorf("source %s %s pacing: %w", source, phase, err)
	}
	return p, nil
}

func (a *App) pageSource(src config.SourceConfig) (fetcher.PageSource, error) {
	if a.pages != nil {
		return a.pages, nil
	}
	switch {
	case src.UsesBrowser():
		return a.browser()
	case src.FetchMode == config.FetchAuto:
		return promote.New(a.http, func() (fetcher.PageSource, error) {
			session, err := a.browser()
			if err != nil {
				return nil, err
			}
			return session, nil
		}, a.logger, promote.WithObserver(metrics.ObserveBrowserPromotion))
	default:
		return a.http, nil
	}
}

// browser starts the shared Chrome session on first use.
func (a *App) browser() (*headless.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}
	b := a.cfg.Browser
	session, err := headless.NewSession(headless.Config{
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: b.NavTimeout,
		Settle:            b.Settle,
		UserDataDir:       b.UserDataDir,
		ProfileDir:        b.ProfileDir,
		Headful:           b.Headful,
		MaxParallel:       b.MaxParallel,
	})
	if err != nil {
		return nil, fmt.Errorf("start browser session: %w", err)
	}
	a.session = session
	return session, nil
}

// Exporter builds an exporter over the configured blob backend.
func (a *App) Exporter(ctx context.Context) (*export.Exporter, error) {
	flags, err := a.cfg.Export.CompileFlags()
	if err != nil {
		return nil, err
	}
	blobs := a.blobs
	if blobs == nil {
		blobs, err = a.exportStore(ctx)
		if err != nil {
			return nil, err
		}
	}
	return export.New(a.store, blobs, flags, a.logger), nil
}

func (a *App) exportStore(ctx context.Context) (export.BlobStore, error) {
	switch a.cfg.Export.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Export.Bucket, Prefix: a.cfg.Export.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init gcs export: %w", err)
		}
		a.mu.Lock()
		a.gcsClient = client
		a.mu.Unlock()
		return blobs, nil
	default:
		blobs, err := local.New(local.Config{BaseDir: a.cfg.Export.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local export: %w", err)
		}
		return blobs, nil
	}
}

// Server builds the status server. stop, when non-nil, is exposed as the
// graceful stop endpoint.
func (a *App) Server(planner *scheduler.Planner, stop func()) *api.Server {
	opts := []api.Option{api.WithArticles(a.store), api.WithPinger(a.store)}
	if stop != nil {
		opts = append(opts, api.WithStopper(stop))
	}
	return api.NewServer(planner, a.logger, opts...)
}

// Close flushes progress and releases the browser, publisher, and store.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
		if n := a.hub.Dropped(); n > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("count", n))
		}
	}
	a.mu.Lock()
	if a.session != nil {
		a.session.Close()
		a.session = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
		a.gcsClient = nil
	}
	a.mu.Unlock()
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
