package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/procurion/boqflow/internal/audit"
	"github.com/procurion/boqflow/internal/boq"
	"github.com/procurion/boqflow/internal/catalog"
	"github.com/procurion/boqflow/internal/catalog/match"
	"github.com/procurion/boqflow/internal/config"
	"github.com/procurion/boqflow/internal/importer"
	"github.com/procurion/boqflow/internal/logging"
	"github.com/procurion/boqflow/internal/parser"
	"github.com/procurion/boqflow/internal/store"
	"github.com/procurion/boqflow/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"match_thresholds", []int{cfg.Matching.HighThreshold, cfg.Matching.LowThreshold},
	)

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	// Connect to database
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	// Apply schema migrations
	if err := store.Migrate(ctx, cfg.Database.URL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Catalog index: load the first snapshot synchronously so matching has
	// data from the first request, then refresh in the background.
	index := catalog.NewIndex()
	refresher := catalog.NewRefresher(index, catalog.NewPGSource(pool))
	if err := refresher.Refresh(ctx); err != nil {
		slog.Error("failed to load catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("catalog loaded", "items", index.Snapshot().Len())

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go refresher.Run(jobCtx, catalog.RefreshConfig{Interval: cfg.Catalog.RefreshInterval})

	// Wire the import pipeline
	st := store.NewPGStore(pool)
	auditLog := audit.NewPGLogger(pool)
	exceptions := boq.NewExceptionManager(st, auditLog)

	importer.MaxFileSize = cfg.Import.MaxFileSize
	orchestrator := importer.NewOrchestrator(importer.Deps{
		Store:      st,
		Parser:     parser.NewCSVParser(),
		Matcher: match.New(index,
			match.WithMaxCandidates(cfg.Matching.MaxCandidates),
			match.WithWorkers(cfg.Matching.Workers)),
		Exceptions: exceptions,
		Audit:      auditLog,
		Limiter:    importer.NewLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime),
		Thresholds: boq.Thresholds{High: cfg.Matching.HighThreshold, Low: cfg.Matching.LowThreshold},
		JobTimeout: cfg.Import.Timeout,
	})

	server := web.NewServer(cfg, orchestrator, exceptions, st)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let running imports finish before closing the listener
		if err := orchestrator.Drain(shutdownCtx); err != nil {
			slog.Warn("imports did not complete in time", "error", err)
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
