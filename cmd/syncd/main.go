package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bcsync/internal/api"
	"bcsync/internal/app"
	"bcsync/internal/config"
	"bcsync/internal/database"
	"bcsync/internal/logging"
	"bcsync/internal/metrics"
	"bcsync/internal/syncer"
	"bcsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("build components")
		return err
	}
	defer (func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("close state stores")
		}
	})()

	// The API also serves /metrics, so collectors are registered regardless.
	metrics.Register()
	startMetrics(ctx, cfg, &logger)

	go database.NewMaintenanceService(a.DB, cfg.Storage, a.Logger).Start(ctx)
	go a.Worker.Start(ctx)
	scheduler := worker.NewScheduler(a.Logger, periodicTasks(a)...)
	if a.Notifier != nil {
		scheduler.OnError = a.Notifier.TaskFailed
	}
	go scheduler.Start(ctx)

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.Deps{
			Syncer:        a.Engine,
			Ingestor:      a.Ingestor,
			Log:           a.Log,
			Settings:      a.ProjectSettings,
			Runs:          a.Runs,
			Subscriptions: a.SubscriptionSvc,
		}, a.Logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	} else {
		logger.Warn().Msg("API is disabled; webhooks will not be received, relying on polling only")
	}

	logger.Info().Str("target", cfg.Sync.Target).Int("http_port", cfg.API.Port).Msg("sync service started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("sync service stopped")
	return nil
}

// periodicTasks builds the polling loops: the incremental change-feed pass,
// the full reconciliation sweep, subscription upkeep and the sheets mirror.
func periodicTasks(a *app.App) []worker.PeriodicTask {
	sc := a.Config.Sync
	tasks := []worker.PeriodicTask{
		{
			Name:       "incremental-sync",
			Interval:   config.Duration(sc.Interval, 15*time.Minute),
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				res, err := a.Engine.RunSync(ctx)
				a.Logger.Info().
					Str("decision", res.Decision.Decision).
					Int("projects", res.Summary.Projects).
					Int("errors", res.Summary.Errors).
					Msg("incremental sync pass finished")
				a.Notifier.RunFinished("incremental", res.Summary)
				return err
			},
		},
		{
			Name:     "full-sync",
			Interval: config.Duration(sc.FullInterval, 24*time.Hour),
			Run: func(ctx context.Context) error {
				sum, err := a.Engine.RunFullSync(ctx, syncer.DirectionBCToPremium)
				a.Notifier.RunFinished("full", sum)
				return err
			},
		},
	}
	if a.Config.BC.NotificationURL != "" {
		tasks = append(tasks, worker.PeriodicTask{
			Name:       "subscription-renewal",
			Interval:   time.Hour,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				_, err := a.SubscriptionSvc.EnsureSubscription(ctx)
				return err
			},
		})
	}
	if a.Sheets != nil {
		tasks = append(tasks, worker.PeriodicTask{
			Name:     "sheets-publish",
			Interval: config.Duration(a.Config.Export.PublishInterval, time.Hour),
			Run: func(ctx context.Context) error {
				return a.Sheets.Publish(ctx, a.Audit(ctx))
			},
		})
	}
	return tasks
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, logger, closer, nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
