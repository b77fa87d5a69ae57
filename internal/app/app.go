// Package app builds the long-lived services shared by every pageaudit command.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/archive"
	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
	"github.com/Nochiis/web-metrics-probuilds/internal/browser/headless"
	"github.com/Nochiis/web-metrics-probuilds/internal/browser/static"
	"github.com/Nochiis/web-metrics-probuilds/internal/config"
	"github.com/Nochiis/web-metrics-probuilds/internal/metrics"
	"github.com/Nochiis/web-metrics-probuilds/internal/policy/ratelimit"
	pubsubpublisher "github.com/Nochiis/web-metrics-probuilds/internal/publisher/pubsub"
	"github.com/Nochiis/web-metrics-probuilds/internal/run"
	"github.com/Nochiis/web-metrics-probuilds/internal/storage/gcs"
	"github.com/Nochiis/web-metrics-probuilds/internal/storage/local"
	"github.com/Nochiis/web-metrics-probuilds/internal/storage/postgres"
	"github.com/Nochiis/web-metrics-probuilds/internal/store"
	"github.com/Nochiis/web-metrics-probuilds/internal/worker"
)

// App holds the configured services.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Source    audit.PageSource
	Runner    *audit.Runner
	Saver     *store.Saver
	Archiver  *archive.Archiver
	Publisher run.Publisher

	db      *postgres.ObservationStore
	closers []func() error
}

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	// Source replaces the configured browser engine.
	Source audit.PageSource
	// WithoutBrowser skips the page engine and runner, for commands that only
	// touch storage.
	WithoutBrowser bool
	// SkipStorage leaves the time-series store unconfigured even when a DSN is set.
	SkipStorage bool
}

// New builds an App from cfg. On error every service built so far is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if !opts.WithoutBrowser {
		a.Source = opts.Source
		if a.Source == nil {
			if a.Source, err = a.buildSource(); err != nil {
				return nil, err
			}
		}
		auditor := audit.NewAuditor(cfg.AuditorConfig(), audit.WithLogger(logger.Named("auditor")))
		pacer := ratelimit.New(ratelimit.Config{
			RPS:     cfg.Audit.DomainQPS,
			OnDelay: metrics.ObserveRateLimitDelay,
		})
		a.Runner = audit.NewRunner(a.Source, auditor, cfg.RunnerConfig(),
			audit.WithRunnerLogger(logger.Named("runner")),
			audit.WithRecorder(metrics.NewRecorder()),
			audit.WithPacer(pacer),
		)
	}

	var repo store.Repository
	if cfg.DB.DSN != "" && !opts.SkipStorage {
		if err := a.connectDB(ctx); err != nil {
			return nil, err
		}
		repo = a.db
	}
	a.Saver = store.NewSaver(repo, logger.Named("store"))

	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Archiver = archive.New(blobs, cfg.Archive.Prefix)

	if cfg.PubSub.TopicName != "" {
		if err := a.connectPubSub(ctx); err != nil {
			return nil, err
		}
	}

	logger.Info("application services ready",
		zap.Bool("browser", a.Source != nil),
		zap.Bool("storage", a.db != nil),
		zap.Bool("archive", a.Archiver.Enabled()),
		zap.Bool("publish", a.Publisher != nil),
	)
	return a, nil
}

func (a *App) buildSource() (audit.PageSource, error) {
	b := a.Config.Browser
	switch b.Engine {
	case config.EngineStatic:
		return static.New(static.Config{
			UserAgent: b.UserAgent,
			Timeout:   a.Config.Audit.NavigationTimeout,
		}, a.Logger.Named("static")), nil
	default:
		browser, err := headless.New(headless.Config{
			Headless:  b.Headless,
			NoSandbox: b.NoSandbox,
			UserAgent: b.UserAgent,
			ExecPath:  b.ExecPath,
		}, a.Logger.Named("chrome"))
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		a.closers = append(a.closers, browser.Close)
		return browser, nil
	}
}

func (a *App) connectDB(ctx context.Context) error {
	db := a.Config.DB
	s, err := postgres.NewObservationStore(ctx, postgres.Config{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("init observation store: %w", err)
	}
	a.db = s
	a.closers = append(a.closers, func() error { s.Close(); return nil })
	if db.Migrate {
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		a.Logger.Info("schema migrated")
	}
	return nil
}

func (a *App) buildBlobStore(ctx context.Context) (run.BlobStore, error) {
	arc := a.Config.Archive
	switch {
	case arc.GCSBucket != "":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return gcs.New(client, gcs.Config{Bucket: arc.GCSBucket})
	case arc.Dir != "":
		return local.New(local.Config{Dir: arc.Dir})
	default:
		return nil, nil
	}
}

func (a *App) connectPubSub(ctx context.Context) error {
	ps := a.Config.PubSub
	client, err := pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	pub := pubsubpublisher.New(client.Topic(ps.TopicName))
	a.closers = append(a.closers, func() error { pub.Stop(); return nil })
	a.Publisher = pub
	return nil
}

// HasStorage reports whether a time-series store is configured.
func (a *App) HasStorage() bool {
	return a.db != nil
}

// Migrate applies the observation schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.db == nil {
		return store.ErrNoStorage
	}
	return a.db.Migrate(ctx)
}

// Ready is the readiness check for the HTTP server.
func (a *App) Ready(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(ctx)
}

// NewWorker builds a worker over the shared services. queue and runs may be
// nil when only Execute is used.
func (a *App) NewWorker(queue run.Queue, runs run.Store, cfg worker.Config, logger *zap.Logger) *worker.Worker {
	if cfg.Topic == "" && a.Publisher != nil {
		cfg.Topic = a.Config.PubSub.TopicName
	}
	deps := worker.Deps{
		Queue:     queue,
		Runs:      runs,
		Persister: a.Saver,
		Archiver:  a.Archiver,
		Publisher: a.Publisher,
		Recorder:  metrics.NewRecorder(),
	}
	if a.Runner != nil {
		deps.Batch = a.Runner
	}
	return worker.New(deps, cfg, logger)
}

// Close releases services in reverse order of construction.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("close application services", zap.Error(err))
	}
}
