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

	"github.com/harborins/policyimport/internal/config"
	"github.com/harborins/policyimport/internal/importer"
	"github.com/harborins/policyimport/internal/logging"
	"github.com/harborins/policyimport/internal/schedule"
	"github.com/harborins/policyimport/internal/storage"
	"github.com/harborins/policyimport/internal/watchdog"
	"github.com/harborins/policyimport/internal/web"
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
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	// Bring the schema up to date before anything touches it
	if cfg.Database.AutoMigrate {
		if err := storage.Migrate(cfg.Database.URL, cfg.Database.MigrationsDir, slog.Default()); err != nil {
			slog.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

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

	// The pool serves the query surfaces; each import run dials its own
	// session through the connector.
	store := storage.NewPostgres(pool)
	connect := func(ctx context.Context) (importer.Store, error) {
		return storage.Connect(ctx, cfg.Database.URL)
	}
	service := importer.NewService(cfg.Import, connect, slog.Default())

	server := web.NewServer(cfg, service, store, slog.Default())

	// Cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	deliverer := schedule.NewDeliverer(store, slog.Default())
	if cfg.Schedule.Enabled {
		if err := deliverer.Start(cfg.Schedule.CronSpec); err != nil {
			slog.Error("failed to start message delivery scheduler", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Watchdog.Enabled {
		dog, err := watchdog.New(cfg.Watchdog, slog.Default())
		if err != nil {
			slog.Error("failed to start cpu watchdog", "error", err)
			os.Exit(1)
		}
		go dog.Run(jobCtx)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		cancelJobs()
		if cfg.Schedule.Enabled {
			deliverer.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for active import runs to complete (with timeout)
		if status := service.LimiterStatus(); status.Active > 0 {
			slog.Info("waiting for import runs to complete", "active", status.Active)
			if err := service.WaitForRuns(shutdownCtx); err != nil {
				slog.Warn("import runs did not complete in time", "error", err)
			} else {
				slog.Info("all import runs completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
