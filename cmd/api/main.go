package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/renderflow/internal/api"
	"github.com/dunamismax/renderflow/internal/app"
	"github.com/dunamismax/renderflow/internal/config"
	"github.com/dunamismax/renderflow/internal/queue"
	"github.com/dunamismax/renderflow/internal/ratelimit"
	"github.com/dunamismax/renderflow/internal/telemetry"
	"github.com/dunamismax/renderflow/internal/webhook"
	"github.com/dunamismax/renderflow/internal/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.Log.Env, cfg.Log.Level, "renderflow-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "renderflow-api", cfg.Tracing, logger)
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

	inline := cfg.Render.Dispatch == config.DispatchInline
	if !inline && cfg.Database.Driver == "memory" {
		logger.Fatal().Msg("the memory job store only works with RENDER_DISPATCH=inline")
	}

	metrics := api.NewMetrics()
	pipeline, err := app.NewPipeline(ctx, cfg, logger, metrics.Registry())
	if err != nil {
		logger.Fatal().Err(err).Msg("pipeline setup failed")
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			logger.Warn().Err(err).Msg("pipeline close failed")
		}
	}()

	var (
		dispatcher queue.Dispatcher
		local      *queue.LocalDispatcher
	)
	if inline {
		local = queue.NewLocalDispatcher(context.WithoutCancel(ctx), logger)
		dispatcher = local
	} else {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Engine.TaskTimeout())
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("queue client close failed")
			}
		}()
		dispatcher = queueClient
	}

	coordinator, err := queue.NewCoordinator(pipeline.Jobs, dispatcher, queue.CoordinatorConfig{
		PerTierSlots: cfg.Render.PerTierSlots,
		Registerer:   metrics.Registry(),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("coordinator setup failed")
	}

	if inline {
		webhooks := webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}, logger)
		runner, err := worker.NewRunner(pipeline.Jobs, pipeline.Processor, coordinator, webhooks, logger, worker.NewMetricsOn(metrics.Registry()))
		if err != nil {
			logger.Fatal().Err(err).Msg("runner setup failed")
		}
		local.Handle(runner.Execute)
		go runner.SweepEvery(ctx, cfg.Render.SweepInterval)

		// Jobs admitted before a restart have no goroutine behind them; the
		// sweep fails them once stale. Queued jobs can start right away.
		if n, err := coordinator.AdmitPending(ctx); err != nil {
			logger.Warn().Err(err).Msg("initial admission failed")
		} else if n > 0 {
			logger.Info().Int("admitted", n).Msg("resumed queued jobs")
		}
		logger.Info().Msg("renders run inline in the api process")
	}

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("redis client close failed")
			}
		}()
		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, ratelimit.Limits{
			Default: cfg.RateLimit.Capacity,
			Tiers:   cfg.RateLimit.TierLimit,
		}, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatal().Err(err).Msg("rate limiter setup failed")
		}
		limiter = bucket
	}

	server, err := api.NewServer(logger, api.Options{
		Jobs:        pipeline.Jobs,
		Coordinator: coordinator,
		Catalog:     pipeline.Catalog,
		Engine:      pipeline.Engine,
		RateLimiter: limiter,
		Metrics:     metrics,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api setup failed")
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Str("dispatch", cfg.Render.Dispatch).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	if local != nil {
		done := make(chan struct{})
		go func() {
			local.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			logger.Warn().Msg("in-flight renders left running; the sweep fails them once stale")
		}
	}
}
