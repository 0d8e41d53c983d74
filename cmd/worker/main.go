package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/renderflow/internal/app"
	"github.com/dunamismax/renderflow/internal/config"
	"github.com/dunamismax/renderflow/internal/queue"
	"github.com/dunamismax/renderflow/internal/telemetry"
	"github.com/dunamismax/renderflow/internal/webhook"
	"github.com/dunamismax/renderflow/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.Log.Env, cfg.Log.Level, "renderflow-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "renderflow-worker", cfg.Tracing, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	if cfg.Database.Driver == "memory" {
		logger.Fatal().Msg("the worker needs a shared job store; set DATABASE_DRIVER to postgres or sqlite")
	}

	metrics := worker.NewMetrics()
	pipeline, err := app.NewPipeline(ctx, cfg, logger, metrics.Registry())
	if err != nil {
		logger.Fatal().Err(err).Msg("pipeline setup failed")
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			logger.Warn().Err(err).Msg("pipeline close failed")
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Engine.TaskTimeout())
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("queue client close failed")
		}
	}()

	coordinator, err := queue.NewCoordinator(pipeline.Jobs, queueClient, queue.CoordinatorConfig{
		PerTierSlots: cfg.Render.PerTierSlots,
		Registerer:   metrics.Registry(),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("coordinator setup failed")
	}

	webhooks := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	}, logger)

	runner, err := worker.NewRunner(pipeline.Jobs, pipeline.Processor, coordinator, webhooks, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("runner setup failed")
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Render, runner, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker setup failed")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Bool("per_tier_slots", cfg.Render.PerTierSlots).
		Msg("starting worker")
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("worker failed to start")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown failed")
	}
}
