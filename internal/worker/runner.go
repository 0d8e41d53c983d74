package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/renderflow/internal/domain"
	"github.com/dunamismax/renderflow/internal/render"
	"github.com/dunamismax/renderflow/internal/store"
	"github.com/dunamismax/renderflow/internal/webhook"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Processor interface {
	Process(ctx context.Context, jobID string) (domain.Job, error)
	Sweep(ctx context.Context) (render.SweepResult, error)
}

type Admitter interface {
	Slot(job domain.Job) string
	AdmitNext(ctx context.Context, slot string) (domain.Job, bool, error)
	AdmitPending(ctx context.Context) (int, error)
}

type Notifier interface {
	NotifyJob(ctx context.Context, job domain.Job) error
}

// Runner executes one admitted job and hands its slot to the next queued job.
type Runner struct {
	jobs      store.JobStore
	processor Processor
	admitter  Admitter
	notifier  Notifier
	logger    zerolog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

func NewRunner(jobs store.JobStore, processor Processor, admitter Admitter, notifier Notifier, logger zerolog.Logger, metrics *Metrics) (*Runner, error) {
	switch {
	case jobs == nil:
		return nil, errors.New("job store is required")
	case processor == nil:
		return nil, errors.New("render processor is required")
	case admitter == nil:
		return nil, errors.New("queue coordinator is required")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Runner{
		jobs:      jobs,
		processor: processor,
		admitter:  admitter,
		notifier:  notifier,
		logger:    logger.With().Str("component", "runner").Logger(),
		metrics:   metrics,
		tracer:    otel.Tracer("renderflow/worker"),
	}, nil
}

// Run drives jobID to a terminal state. Jobs that are already terminal are
// skipped without admitting or notifying, so a redelivered task is harmless.
func (r *Runner) Run(ctx context.Context, jobID string) (domain.Job, error) {
	startedAt := time.Now()

	ctx, span := r.tracer.Start(ctx, "worker.render_job", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", jobID))
	defer span.End()

	current, ok, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return domain.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		span.SetStatus(codes.Error, "job not found")
		return domain.Job{}, fmt.Errorf("load job %s: %w", jobID, store.ErrJobNotFound)
	}
	if current.Terminal() {
		r.logger.Info().Str("job_id", jobID).Str("status", current.Status).Msg("job already terminal, nothing to run")
		return current, nil
	}

	mode := jobMode(current)
	span.SetAttributes(attribute.String("job.mode", mode), attribute.String("job.tier", current.Tier))

	r.metrics.activeJobs.Inc()
	job, runErr := r.processor.Process(ctx, jobID)
	r.metrics.activeJobs.Dec()

	outcome := job.Status
	if !job.Terminal() {
		outcome = "error"
	}
	r.metrics.jobsTotal.WithLabelValues(mode, outcome).Inc()
	r.metrics.jobDuration.WithLabelValues(mode, outcome).Observe(time.Since(startedAt).Seconds())

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "render failed")
	} else {
		span.SetStatus(codes.Ok, "rendered")
	}

	if !job.Terminal() {
		return job, runErr
	}

	// The task context may already be past its deadline; the slot still has
	// to be handed on.
	after := context.WithoutCancel(ctx)
	r.admitAfter(after, job)
	r.notify(after, job)
	return job, runErr
}

// Execute adapts Run to queue.RunFunc.
func (r *Runner) Execute(ctx context.Context, jobID string) error {
	_, err := r.Run(ctx, jobID)
	return err
}

// Sweep releases leftover engine resources and admits any stalled queue.
func (r *Runner) Sweep(ctx context.Context) error {
	result, err := r.processor.Sweep(ctx)
	if err != nil {
		r.metrics.sweepsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("sweep engine resources: %w", err)
	}

	admitted, err := r.admitter.AdmitPending(ctx)
	if err != nil {
		r.metrics.sweepsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("admit pending jobs: %w", err)
	}
	r.metrics.sweepsTotal.WithLabelValues("ok").Inc()

	if admitted > 0 {
		r.logger.Info().
			Int("admitted", admitted).
			Int("released", result.Released).
			Int("abandoned", result.Abandoned).
			Msg("sweep admitted stalled jobs")
	}
	return nil
}

// SweepEvery runs Sweep on a fixed interval until ctx is done. It backs the
// inline dispatch mode, where no asynq scheduler is running.
func (r *Runner) SweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

func (r *Runner) admitAfter(ctx context.Context, job domain.Job) {
	next, admitted, err := r.admitter.AdmitNext(ctx, r.admitter.Slot(job))
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", job.ID).Msg("admit next job failed")
		return
	}
	if admitted {
		r.logger.Debug().Str("job_id", job.ID).Str("next_job_id", next.ID).Msg("slot handed on")
	}
}

func (r *Runner) notify(ctx context.Context, job domain.Job) {
	if r.notifier == nil || job.WebhookURL == "" {
		return
	}
	event := webhook.EventRenderCompleted
	if job.Status == domain.JobStatusFailed {
		event = webhook.EventRenderFailed
	}
	if err := r.notifier.NotifyJob(ctx, job); err != nil {
		r.metrics.webhooks.WithLabelValues(event, "failed").Inc()
		r.logger.Warn().Err(err).Str("job_id", job.ID).Str("event", event).Msg("webhook delivery failed")
		return
	}
	r.metrics.webhooks.WithLabelValues(event, "delivered").Inc()
}

func jobMode(job domain.Job) string {
	if job.Sample {
		return "sample"
	}
	return "full"
}
