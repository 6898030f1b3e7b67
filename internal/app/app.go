// Package app assembles the ingestion service and owns its lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/auth"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/config"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/database"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/detector"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/feed"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/ingest"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/metrics"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/pipeline"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/realtime"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/server"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/store"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/views"
	"go.uber.org/zap"
)

const httpShutdownTimeout = 10 * time.Second

// Options configures New. Source replaces the configured feed driver when set.
type Options struct {
	Config config.AppConfig
	Logger *zap.Logger
	Source feed.Source
}

// App is the assembled service. Every component shares the one ingestion buffer.
type App struct {
	cfg    config.AppConfig
	logger *zap.Logger

	buffer      *ingest.Buffer
	metrics     *metrics.Metrics
	dispatcher  *realtime.Dispatcher
	accessor    *store.Accessor
	closeStore  func() error
	writer      *pipeline.Writer
	annotations *pipeline.Annotations
	archiver    *pipeline.Archiver
	feedHandler *feed.Handler
	source      feed.Source
	handler     http.Handler
}

// New wires every component without starting any of them.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	buffer := ingest.NewBuffer()
	m := metrics.New()
	m.RegisterBufferSize(buffer.Len)
	dispatcher := realtime.NewDispatcher()

	backend, closeStore, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = closeStore()
		return nil, err
	}

	accessor, err := store.NewAccessor(store.AccessorConfig{
		Backend:  backend,
		Attempts: cfg.StoreRetryAttempts,
		Backoff:  cfg.StoreRetryBackoff,
		Metrics:  m,
		Logger:   logger.Named("store"),
	})
	if err != nil {
		return fail(err)
	}

	writer, err := pipeline.NewWriter(pipeline.WriterConfig{
		Buffer:     buffer,
		Detector:   detector.New(detector.Config{SafetyInterval: cfg.SafetyInterval}),
		Accessor:   accessor,
		Dispatcher: dispatcher,
		Metrics:    m,
		Logger:     logger.Named("writer"),
	})
	if err != nil {
		return fail(err)
	}

	annotations, err := pipeline.NewAnnotations(pipeline.AnnotationsConfig{
		Accessor:   accessor,
		Dispatcher: dispatcher,
		Metrics:    m,
		Logger:     logger.Named("annotations"),
	})
	if err != nil {
		return fail(err)
	}

	var archiver *pipeline.Archiver
	if cfg.ArchiveSchedule != "" {
		archiver, err = pipeline.NewArchiver(pipeline.ArchiverConfig{
			Accessor: accessor,
			Dir:      cfg.ArchiveDir,
			Logger:   logger.Named("archive"),
		})
		if err != nil {
			return fail(err)
		}
	}

	feedHandler, err := feed.NewHandler(feed.HandlerConfig{Buffer: buffer, Metrics: m, Logger: logger.Named("feed")})
	if err != nil {
		return fail(err)
	}
	source := opts.Source
	if source == nil {
		source, err = newSource(cfg, logger.Named("feed"))
		if err != nil {
			return fail(err)
		}
	}

	builder, err := views.NewBuilder(views.BuilderConfig{Buffer: buffer, Annotations: annotations, Logger: logger.Named("views")})
	if err != nil {
		return fail(err)
	}
	credentials, err := auth.NewCredentials(cfg.AuthUsers)
	if err != nil {
		return fail(err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      cfg.AuthTokenTTL,
	})
	if err != nil {
		return fail(err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Credentials:  credentials,
		TokenManager: tokens,
		Views:        builder,
		Realtime:     dispatcher,
		Metrics:      m,
		Logger:       logger.Named("http"),
	})
	if err != nil {
		return fail(err)
	}

	return &App{
		cfg:         cfg,
		logger:      logger,
		buffer:      buffer,
		metrics:     m,
		dispatcher:  dispatcher,
		accessor:    accessor,
		closeStore:  closeStore,
		writer:      writer,
		annotations: annotations,
		archiver:    archiver,
		feedHandler: feedHandler,
		source:      source,
		handler:     handler,
	}, nil
}

// OpenStore returns the configured backend and a function releasing its resources.
func OpenStore(cfg config.AppConfig, logger *zap.Logger) (store.Backend, func() error, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		db, err := database.OpenSQLite(cfg.StorePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		backend, err := store.NewSQLiteBackend(db, cfg.StorePath)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return backend, sqlDB.Close, nil
	case config.StoreDriverXLSX, "":
		backend, err := store.NewXLSXBackend(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return backend, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}
}

func newSource(cfg config.AppConfig, logger *zap.Logger) (feed.Source, error) {
	switch cfg.FeedDriver {
	case config.FeedDriverRedis:
		return feed.NewRedisSource(feed.RedisConfig{
			Address: cfg.RedisAddress,
			Channel: cfg.RedisChannel,
			Logger:  logger,
		})
	case config.FeedDriverMQTT, "":
		return feed.NewMQTTSource(feed.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.FeedTopic,
			ClientID: cfg.MQTTClientID,
			QoS:      cfg.MQTTQoS,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("app: unknown feed driver %q", cfg.FeedDriver)
	}
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Buffer exposes the shared ingestion buffer.
func (a *App) Buffer() *ingest.Buffer {
	return a.buffer
}

// Run starts every component and blocks until ctx is done or the HTTP server fails.
// On every return path the components are stopped and a final flush is attempted.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	var (
		wg        sync.WaitGroup
		scheduler *pipeline.Scheduler
		started   bool
	)
	defer func() {
		cancel()
		wg.Wait()
		if scheduler != nil {
			if err := scheduler.Shutdown(); err != nil {
				a.logger.Warn("scheduler shutdown failed", zap.Error(err))
			}
		}
		if started {
			if err := a.source.Close(); err != nil {
				a.logger.Warn("feed close failed", zap.Error(err))
			}
		}
		a.finalize()
	}()

	a.annotations.Reload(runCtx)

	if err := a.source.Start(runCtx, a.feedHandler.HandleMessage); err != nil {
		return fmt.Errorf("app: start feed: %w", err)
	}
	started = true

	var err error
	scheduler, err = a.newScheduler(runCtx)
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.writer.Run(runCtx)
	}()

	watcher, err := pipeline.NewStoreWatcher(pipeline.WatcherConfig{
		Path:     a.cfg.StorePath,
		OnChange: func() { a.annotations.Reload(runCtx) },
		Logger:   a.logger.Named("watcher"),
	})
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(runCtx); err != nil {
			a.logger.Warn("store watcher disabled", zap.Error(err))
		}
	}()

	scheduler.Start()

	httpErr := make(chan error, 1)
	if a.cfg.HTTPAddress != "" {
		httpServer := &http.Server{Addr: a.cfg.HTTPAddress, Handler: a.handler}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("server starting", zap.String("address", a.cfg.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-runCtx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancelShutdown()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http shutdown failed", zap.Error(err))
			}
		}()
	}

	a.logger.Info("ingestion started",
		zap.String("feed", a.cfg.FeedDriver),
		zap.String("store", a.accessor.Location()),
		zap.Duration("persist_interval", a.cfg.PersistInterval))

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
		return nil
	case err := <-httpErr:
		return fmt.Errorf("app: http server: %w", err)
	}
}

func (a *App) newScheduler(ctx context.Context) (*pipeline.Scheduler, error) {
	scheduler, err := pipeline.NewScheduler(a.logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}
	register := func() error {
		if err := scheduler.Every(pipeline.JobPersistTick, a.cfg.PersistInterval, func() {
			a.writer.Tick()
		}); err != nil {
			return err
		}
		if err := scheduler.Every(pipeline.JobAnnotationReload, a.cfg.AnnotationInterval, func() {
			a.annotations.Reload(ctx)
		}); err != nil {
			return err
		}
		if a.archiver != nil {
			if err := scheduler.Cron(pipeline.JobSnapshotArchive, a.cfg.ArchiveSchedule, func() {
				_, _ = a.archiver.Archive(ctx)
			}); err != nil {
				return err
			}
		}
		return nil
	}
	if err := register(); err != nil {
		_ = scheduler.Shutdown()
		return nil, err
	}
	return scheduler, nil
}

func (a *App) finalize() {
	if err := a.writer.Flush(a.cfg.FlushTimeout); err != nil {
		a.logger.Error("final save failed", zap.Error(err))
	} else {
		a.logger.Info("final save completed", zap.Int("buffer_records", a.buffer.Len()))
	}
	if err := a.closeStore(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
}
