// studio-service is the HTTP API server for the music, avatar, film and
// publication pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studio/internal/api"
	"studio/internal/artifact"
	"studio/internal/config"
	"studio/internal/dispatcher"
	"studio/internal/health"
	"studio/internal/job"
	"studio/internal/job/sqlite"
	"studio/internal/observability"
	"studio/internal/pipeline"
	"studio/internal/stageexec"
)

func main() {
	configPath := flag.String("config", os.Getenv("STUDIO_CONFIG"), "Path to a YAML or TOML config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)})))

	if err := run(cfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func logLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	env := config.NewEnv()
	dispatcherCfg := dispatcher.LoadConfigFromEnv(env)
	if err := env.Err(); err != nil {
		return fmt.Errorf("callback settings: %w", err)
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Artifact store, locked against a second instance on the same directory
	store, err := artifact.NewFileStore(cfg.Storage.Dir)
	if err != nil {
		return err
	}
	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	registry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer registry.Close()

	healthChecker := health.NewChecker()
	healthChecker.Register("storage", store)
	if r, ok := registry.(health.ReadinessChecker); ok {
		healthChecker.Register("registry", r)
	}

	providers, err := buildProviders(ctx, cfg, store, healthChecker)
	if err != nil {
		return err
	}
	defer providers.Close()

	sequences, err := stageexec.Sequences(providers.Set, store, stageexec.Options{
		PublicBaseURL:   cfg.Pipeline.PublicBaseURL,
		ArtifactBaseURL: cfg.Pipeline.ArtifactBaseURL,
	})
	if err != nil {
		return err
	}
	executor := stageexec.NewExecutor(store, sequences, stageexec.Config{
		StepTimeout: cfg.Scheduler.StepTimeout.Std(),
		Metrics:     metrics,
	})

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	healthChecker.Register("callbacks", eventDispatcher, health.Optional())

	scheduler := job.NewScheduler(registry, store, executor, job.Config{
		MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs,
		Metrics:           metrics,
		Dispatcher:        eventDispatcher,
	})

	coordinator := pipeline.New(scheduler, cfg.AutoAdvanceStages())
	scheduler.OnCompleted(coordinator.HandleCompleted)

	// Settle jobs left behind by a previous process
	if err := scheduler.Recover(ctx); err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Jobs:          scheduler,
		Pipeline:      coordinator,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.Server.APIKey,
		BaseURL:       cfg.Pipeline.ArtifactBaseURL,
	})

	if cfg.Server.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API key configured")
	}

	// Create API server. No write timeout: artifact downloads may be large.
	apiServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()
	if drain := cfg.Server.ShutdownDrainWait.Std(); drain > 0 && runErr == nil {
		slog.Info("Waiting for traffic to drain", "duration", drain)
		time.Sleep(drain)
	}

	// Phase 2: Stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(cfg.Server.ShutdownTimeout.Std())

	// Phase 3: Cancel running jobs. Their failures are recorded as
	// interrupted; queued jobs stay pending for the next start.
	schedulerCtx, schedulerCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer schedulerCancel()
	if err := scheduler.Shutdown(schedulerCtx); err != nil {
		slog.Warn("Scheduler shutdown error", "error", err)
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return runErr
}

// openRegistry returns the SQLite registry when a database path is set and
// an in-memory one otherwise.
func openRegistry(ctx context.Context, cfg *config.Config) (job.Registry, error) {
	if cfg.Storage.DatabasePath == "" {
		slog.Warn("No database configured - job records will not survive a restart")
		return job.NewMemoryRegistry(), nil
	}
	registry, err := sqlite.Open(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}
	slog.Info("Opened job database", "path", cfg.Storage.DatabasePath)
	return registry, nil
}
