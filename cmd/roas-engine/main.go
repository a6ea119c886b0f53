package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radiusdt/vector-roas/internal/apperrors"
	"github.com/radiusdt/vector-roas/internal/config"
	"github.com/radiusdt/vector-roas/internal/database"
	"github.com/radiusdt/vector-roas/internal/geo"
	"github.com/radiusdt/vector-roas/internal/httpserver"
	"github.com/radiusdt/vector-roas/internal/identity"
	"github.com/radiusdt/vector-roas/internal/lifecycle"
	"github.com/radiusdt/vector-roas/internal/logger"
	"github.com/radiusdt/vector-roas/internal/metrics"
	"github.com/radiusdt/vector-roas/internal/models"
	"github.com/radiusdt/vector-roas/internal/pipeline"
	"github.com/radiusdt/vector-roas/internal/rollup"
	"github.com/radiusdt/vector-roas/internal/storage"
	"go.uber.org/zap"
)

func main() {
	once := flag.Bool("once", false, "execute a single pipeline run and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting roas engine",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("once", *once),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(cfg.Metrics.Namespace, nil)

	// Storage
	var store storage.Store
	db, err := database.NewPostgresDB(ctx, cfg.Database, log)
	if err != nil {
		if cfg.IsProduction() {
			log.Fatal("postgres not available", zap.Error(err))
		}
		log.Warn("postgres not available, using in-memory storage", zap.Error(err))
		store = storage.NewMemoryStore()
	} else {
		defer db.Close()
		if err := database.RunMigrations(db.SQLDB(), cfg.Database.MigrationsPath, log); err != nil {
			log.Fatal("failed to run migrations", zap.Error(err))
		}
		store = storage.NewPostgresStore(db.Pool, log)
		go reportPoolStats(ctx, db, m)
	}

	// Run lock
	var lock pipeline.RunLock
	rdb, err := database.NewRedisDB(ctx, cfg.Redis, log)
	if err != nil {
		log.Warn("redis not available, run lock is process-local", zap.Error(err))
		lock = pipeline.NewLocalRunLock()
	} else {
		defer rdb.Close()
		lock = pipeline.NewRedisRunLock(rdb.Client, cfg.Redis.LockKey, cfg.Redis.LockTTL)
	}

	// Reporting export
	var exporter rollup.Exporter = rollup.NoopExporter{}
	if cfg.ClickHouse.Enabled {
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, log)
		if err != nil {
			log.Warn("clickhouse not available, export disabled", zap.Error(err))
		} else {
			defer ch.Close()
			chExporter := rollup.NewClickHouseExporter(ch.Conn, log)
			if err := chExporter.InitSchema(ctx); err != nil {
				log.Fatal("failed to init clickhouse schema", zap.Error(err))
			}
			exporter = chExporter
		}
	}

	// Geo enrichment
	var geoProvider geo.Provider
	if cfg.Geo.Enabled {
		mm, err := geo.NewMaxMindProvider(cfg.Geo.DatabasePath)
		if err != nil {
			log.Warn("failed to initialize geo provider, enrichment disabled", zap.Error(err))
		} else {
			defer mm.Close()
			geoProvider = mm
		}
	}

	runner, err := newRunner(cfg, store, lock, exporter, geoProvider, m, log)
	if err != nil {
		log.Fatal("failed to configure pipeline", zap.Error(err))
	}
	asOf, _ := cfg.Pipeline.AsOfDate()

	if *once {
		run, err := runner.Run(ctx, asOf)
		if err != nil {
			log.Error("pipeline run failed", zap.Error(err))
			os.Exit(1)
		}
		if run.Status != models.RunSuccess {
			os.Exit(2)
		}
		return
	}

	// Ops server
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpserver.NewServer(&httpserver.Dependencies{
			Store:   store,
			Runner:  runner,
			Config:  cfg,
			Logger:  log,
			Metrics: m,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// POST /runs blocks for the whole run.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	if cfg.Pipeline.Interval > 0 {
		go schedule(ctx, runner, asOf, cfg.Pipeline.Interval, log)
	}

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func newRunner(cfg *config.Config, store storage.Store, lock pipeline.RunLock, exporter rollup.Exporter,
	provider geo.Provider, m *metrics.Metrics, log *zap.Logger) (*pipeline.Runner, error) {
	fx, err := cfg.Pipeline.FX()
	if err != nil {
		return nil, err
	}
	defaults, err := cfg.Estimation.Defaults()
	if err != nil {
		return nil, err
	}
	expected, err := cfg.Estimation.ExpectedValue()
	if err != nil {
		return nil, err
	}

	builder := lifecycle.NewBuilder(lifecycle.Config{
		FX:                   fx,
		DefaultExpectedValue: expected,
	}, provider, log)

	return pipeline.NewRunner(pipeline.Config{
		BatchSize:        cfg.Pipeline.BatchSize,
		HierarchyWindow:  cfg.Pipeline.HierarchyWindow,
		RefundWindowDays: cfg.Estimation.RefundWindowDay,
		MinSampleSize:    cfg.Estimation.MinSampleSize,
		Defaults:         defaults,
		Retry:            database.DefaultRetryConfig(),
	}, pipeline.Dependencies{
		Store:    store,
		Lock:     lock,
		Resolver: identity.NewResolver(store, cfg.Pipeline.Sentinels(), log),
		Builder:  builder,
		Exporter: exporter,
		Metrics:  m,
		Logger:   log,
	}), nil
}

// schedule runs the pipeline every interval until ctx is done. Ticks that
// find another run holding the lock are skipped.
func schedule(ctx context.Context, runner *pipeline.Runner, asOf time.Time, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := runner.Run(ctx, asOf); err != nil {
				if errors.Is(err, apperrors.ErrRunInProgress) {
					log.Info("scheduled run skipped, another run in progress")
					continue
				}
				log.Error("scheduled run failed", zap.Error(err))
			}
		}
	}
}

func reportPoolStats(ctx context.Context, db *database.PostgresDB, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := db.Stats()
			m.UpdateDBStats(int(stat.IdleConns()), int(stat.AcquiredConns()), int(stat.TotalConns()))
		}
	}
}
