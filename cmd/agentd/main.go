package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/forgeops/agentd/internal/adapter/agentcli"
	"github.com/forgeops/agentd/internal/adapter/e2b"
	"github.com/forgeops/agentd/internal/adapter/gitlocal"
	adhttp "github.com/forgeops/agentd/internal/adapter/http"
	"github.com/forgeops/agentd/internal/adapter/minio"
	adnats "github.com/forgeops/agentd/internal/adapter/nats"
	adotel "github.com/forgeops/agentd/internal/adapter/otel"
	"github.com/forgeops/agentd/internal/adapter/postgres"
	"github.com/forgeops/agentd/internal/adapter/ristretto"
	"github.com/forgeops/agentd/internal/adapter/ws"
	"github.com/forgeops/agentd/internal/config"
	"github.com/forgeops/agentd/internal/logger"
	"github.com/forgeops/agentd/internal/port/sandbox"
	"github.com/forgeops/agentd/internal/service"
	"github.com/forgeops/agentd/internal/snapshot"
	"github.com/forgeops/agentd/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(logger.New(cfg.Logging.Level, cfg.Logging.Service))

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"max_concurrent", cfg.Worker.MaxConcurrent,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := adnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	objects, err := minio.New(ctx, cfg.S3)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	metrics, err := adotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	cache, err := ristretto.New(cfg.Cache.PricingMaxBytes)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	journal := postgres.NewJournal(pool)

	runSvc := service.NewRunService(store, journal, queue, hub, metrics, cfg.Worker)
	models := service.NewModelSelector(cfg.Agent)
	costs := service.NewCostEstimator(store, cache, cfg.Cache.PricingTTL)

	// --- Worker ---

	var provider sandbox.Provider
	if cfg.E2B.APIKey != "" {
		provider = e2b.NewProvider(cfg.E2B)
	}

	agent := agentcli.New(cfg.Agent, provider)
	driver := worker.NewDriver(agent, journal, store, hub, metrics)

	var sandboxes *worker.Sandboxes
	if provider != nil {
		capturer := snapshot.NewCapturer(objects, store, cfg.Snapshot)
		sandboxes = worker.NewSandboxes(provider, store, driver, capturer, cfg.E2B)
	}

	supervisor := worker.NewSupervisor(worker.SupervisorDeps{
		Store:     store,
		Queue:     queue,
		Driver:    driver,
		Sandboxes: sandboxes,
		Watcher:   worker.NewWatcher(store, cfg.Worker.CancelPollInterval),
		Hub:       hub,
		Metrics:   metrics,
		Commit:    gitlocal.NewHook(cfg.Agent.WorkspacePath),
		Models:    models,
		Costs:     costs,
	}, cfg.Worker, cfg.Agent)

	cancelRuns, err := supervisor.Start(ctx)
	if err != nil {
		return fmt.Errorf("run subscriber: %w", err)
	}
	defer cancelRuns()

	worker.NewScheduler(store, queue, cfg.Worker).Start(ctx)

	// --- HTTP ---

	handlers := adhttp.NewHandlers(runSvc, objects, hub)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	adhttp.MountRoutes(r, handlers, cfg.Server)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
