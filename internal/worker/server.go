package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/renderflow/internal/config"
	"github.com/dunamismax/renderflow/internal/queue"
	"github.com/dunamismax/renderflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

type Server struct {
	logger    zerolog.Logger
	server    *asynq.Server
	scheduler *asynq.Scheduler
	runner    *Runner
	metrics   *Metrics
	queueName string
	sweepSpec string
	sweepTTL  time.Duration
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	renderCfg config.RenderConfig,
	runner *Runner,
	metrics *Metrics,
) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if metrics == nil {
		metrics = runner.metrics
	}

	logger = logger.With().Str("component", "worker").Logger()
	asynqLog := asynqLogger{logger: logger.With().Str("component", "asynq").Logger()}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				Logger:   asynqLog,
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn().
						Err(err).
						Str("task_type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		),
		scheduler: asynq.NewScheduler(queueCfg.RedisClientOpt(), &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   asynqLog,
			LogLevel: asynq.WarnLevel,
			PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
				if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
					logger.Error().Err(err).Msg("schedule sweep failed")
				}
			},
		}),
		runner:    runner,
		metrics:   metrics,
		queueName: queueCfg.Name,
		sweepSpec: renderCfg.SweepSpec,
		sweepTTL:  renderCfg.SweepInterval,
	}
	return s, nil
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRenderProcess, s.handleRender)
	mux.HandleFunc(queue.TypeRenderSweep, s.handleSweep)
	return mux
}

// Start begins consuming tasks and registers the periodic sweep. It does not block.
func (s *Server) Start() error {
	if s.sweepSpec != "" {
		opts := []asynq.Option{asynq.Queue(s.queueName), asynq.MaxRetry(0)}
		if s.sweepTTL > 0 {
			opts = append(opts, asynq.Unique(s.sweepTTL))
		}
		entryID, err := s.scheduler.Register(s.sweepSpec, queue.NewSweepTask(), opts...)
		if err != nil {
			return fmt.Errorf("register sweep %q: %w", s.sweepSpec, err)
		}
		if err := s.scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		s.logger.Info().Str("spec", s.sweepSpec).Str("entry_id", entryID).Msg("resource sweep scheduled")
	}

	if err := s.server.Start(s.mux()); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown() {
	if s.sweepSpec != "" {
		s.scheduler.Shutdown()
	}
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRender(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRenderPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	job, err := s.runner.Run(ctx, payload.JobID)
	if err == nil {
		return nil
	}
	// A failed render is already recorded on the job; retrying would only
	// hit the terminal no-op.
	if job.Terminal() || errors.Is(err, store.ErrJobNotFound) {
		return fmt.Errorf("render job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	return fmt.Errorf("render job %s: %w", payload.JobID, err)
}

func (s *Server) handleSweep(ctx context.Context, _ *asynq.Task) error {
	return s.runner.Sweep(ctx)
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
