package worker

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/dunamismax/renderflow/internal/domain"
	"github.com/dunamismax/renderflow/internal/queue"
	"github.com/dunamismax/renderflow/internal/render"
	"github.com/dunamismax/renderflow/internal/store"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

type fakeProcessor struct {
	jobs     store.JobStore
	fail     error
	calls    int
	sweepErr error
	sweeps   int
}

func (p *fakeProcessor) Process(ctx context.Context, jobID string) (domain.Job, error) {
	p.calls++
	if p.fail != nil {
		job, err := p.jobs.Update(ctx, jobID, domain.JobPatch{
			Status:       domain.StatusPtr(domain.JobStatusFailed),
			ErrorMessage: domain.StringPtr(p.fail.Error()),
		})
		if err != nil {
			return domain.Job{}, err
		}
		return job, p.fail
	}
	return p.jobs.Update(ctx, jobID, domain.JobPatch{
		Status:    domain.StatusPtr(domain.JobStatusCompleted),
		OutputURL: domain.StringPtr("https://cdn.example.com/renders/" + jobID + "/output.mp4"),
	})
}

func (p *fakeProcessor) Sweep(context.Context) (render.SweepResult, error) {
	p.sweeps++
	return render.SweepResult{Released: 1}, p.sweepErr
}

type fakeAdmitter struct {
	slots   []string
	pending int
}

func (a *fakeAdmitter) Slot(job domain.Job) string { return job.Tier }

func (a *fakeAdmitter) AdmitNext(_ context.Context, slot string) (domain.Job, bool, error) {
	a.slots = append(a.slots, slot)
	return domain.Job{}, false, nil
}

func (a *fakeAdmitter) AdmitPending(context.Context) (int, error) {
	a.pending++
	return 0, nil
}

type fakeNotifier struct {
	jobs []domain.Job
	err  error
}

func (n *fakeNotifier) NotifyJob(_ context.Context, job domain.Job) error {
	n.jobs = append(n.jobs, job)
	return n.err
}

type harness struct {
	jobs      *store.MemoryJobStore
	processor *fakeProcessor
	admitter  *fakeAdmitter
	notifier  *fakeNotifier
	runner    *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	jobs := store.NewMemoryJobStore()
	h := &harness{
		jobs:      jobs,
		processor: &fakeProcessor{jobs: jobs},
		admitter:  &fakeAdmitter{},
		notifier:  &fakeNotifier{},
	}
	runner, err := NewRunner(jobs, h.processor, h.admitter, h.notifier, zerolog.New(io.Discard), NewMetrics())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	h.runner = runner
	return h
}

func (h *harness) seed(t *testing.T, job domain.Job) {
	t.Helper()
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = domain.JobStatusProcessing
	}
	if err := h.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestRunCompletesAdmitsAndNotifies(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Job{ID: "job-1", Tier: "pro", WebhookURL: "https://hooks.example.com/r"})

	job, err := h.runner.Run(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if len(h.admitter.slots) != 1 || h.admitter.slots[0] != "pro" {
		t.Fatalf("expected admission for slot pro, got %v", h.admitter.slots)
	}
	if len(h.notifier.jobs) != 1 || h.notifier.jobs[0].ID != "job-1" {
		t.Fatalf("expected one notification, got %+v", h.notifier.jobs)
	}
}

func TestRunFailureStillHandsOnSlot(t *testing.T) {
	h := newHarness(t)
	h.processor.fail = errors.New("engine render failed")
	h.notifier.err = errors.New("receiver down")
	h.seed(t, domain.Job{ID: "job-1", WebhookURL: "https://hooks.example.com/r"})

	job, err := h.runner.Run(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected render error")
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
	if len(h.admitter.slots) != 1 {
		t.Fatalf("expected next admission after failure, got %v", h.admitter.slots)
	}

	stored, _, _ := h.jobs.Get(context.Background(), "job-1")
	if stored.Status != domain.JobStatusFailed || stored.ErrorMessage != "engine render failed" {
		t.Fatalf("webhook failure must not change the job: %+v", stored)
	}
}

func TestRunSkipsTerminalJob(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusCompleted,
		OutputURL:  "https://cdn.example.com/out.mp4",
		WebhookURL: "https://hooks.example.com/r",
	})

	job, err := h.runner.Run(context.Background(), "job-1")
	if err != nil || job.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed no-op, got %+v err=%v", job, err)
	}
	if h.processor.calls != 0 || len(h.admitter.slots) != 0 || len(h.notifier.jobs) != 0 {
		t.Fatalf("expected no work for a terminal job: process=%d admits=%v notifies=%d",
			h.processor.calls, h.admitter.slots, len(h.notifier.jobs))
	}
}

func TestHandleRenderRetryPolicy(t *testing.T) {
	h := newHarness(t)
	s := &Server{runner: h.runner, logger: zerolog.New(io.Discard)}

	if err := s.handleRender(context.Background(), asynq.NewTask(queue.TypeRenderProcess, []byte(`{}`))); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for a bad payload, got %v", err)
	}

	missing, _ := queue.NewRenderTask(queue.RenderPayload{JobID: "missing"})
	if err := s.handleRender(context.Background(), missing); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for a missing job, got %v", err)
	}

	h.processor.fail = errors.New("engine analysis failed")
	h.seed(t, domain.Job{ID: "job-1"})
	task, _ := queue.NewRenderTask(queue.RenderPayload{JobID: "job-1"})
	if err := s.handleRender(context.Background(), task); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for a failed render, got %v", err)
	}

	h.processor.fail = nil
	h.seed(t, domain.Job{ID: "job-2"})
	task, _ = queue.NewRenderTask(queue.RenderPayload{JobID: "job-2"})
	if err := s.handleRender(context.Background(), task); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestHandleSweepAdmitsPending(t *testing.T) {
	h := newHarness(t)
	s := &Server{runner: h.runner, logger: zerolog.New(io.Discard)}

	if err := s.handleSweep(context.Background(), queue.NewSweepTask()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if h.processor.sweeps != 1 || h.admitter.pending != 1 {
		t.Fatalf("expected sweep then admission, got sweeps=%d pending=%d", h.processor.sweeps, h.admitter.pending)
	}

	h.processor.sweepErr = errors.New("store down")
	if err := s.handleSweep(context.Background(), queue.NewSweepTask()); err == nil {
		t.Fatal("expected sweep error")
	}
	if h.admitter.pending != 1 {
		t.Fatal("expected no admission after a failed sweep")
	}
}
