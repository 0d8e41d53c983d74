package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/renderflow/internal/domain"
	"github.com/dunamismax/renderflow/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Dispatcher hands an admitted job to whatever runs the Render Processor.
// It must not wait for the render to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.Job) error
}

// Coordinator admits queued jobs one at a time per slot, oldest first.
//
// Within a process admissions are serialized by a mutex. Across processes the
// queued -> active transition is a compare-and-set on the job record, so two
// coordinators racing for the same job admit it once. Two coordinators racing
// on different jobs of an empty slot can both succeed; that window is accepted.
type Coordinator struct {
	jobs       store.JobStore
	dispatcher Dispatcher
	perTier    bool
	logger     zerolog.Logger
	admissions *prometheus.CounterVec
	now        func() time.Time

	mu sync.Mutex
}

type CoordinatorConfig struct {
	// PerTierSlots gives each account tier its own slot instead of one global slot.
	PerTierSlots bool
	Registerer   prometheus.Registerer
}

func NewCoordinator(jobs store.JobStore, dispatcher Dispatcher, cfg CoordinatorConfig, logger zerolog.Logger) (*Coordinator, error) {
	if jobs == nil {
		return nil, errors.New("job store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "renderflow_queue_admissions_total",
		Help: "Queue admission attempts by outcome.",
	}, []string{"outcome"})
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(admissions)
	}

	return &Coordinator{
		jobs:       jobs,
		dispatcher: dispatcher,
		perTier:    cfg.PerTierSlots,
		logger:     logger.With().Str("component", "coordinator").Logger(),
		admissions: admissions,
		now:        time.Now,
	}, nil
}

// Slot returns the admission slot a job competes for.
func (c *Coordinator) Slot(job domain.Job) string {
	if c.perTier {
		return job.Tier
	}
	return ""
}

func (c *Coordinator) filter(slot string, statuses ...string) domain.JobFilter {
	f := domain.JobFilter{Statuses: statuses}
	if c.perTier {
		f.Tier = &slot
	}
	return f
}

// Submit records a new job at the back of its slot's queue.
func (c *Coordinator) Submit(ctx context.Context, job domain.Job) (domain.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queued, err := c.jobs.Query(ctx, c.filter(c.Slot(job), domain.JobStatusQueued))
	if err != nil {
		return domain.Job{}, fmt.Errorf("count queued jobs: %w", err)
	}
	pos := len(queued) + 1
	job.Status = domain.JobStatusQueued
	job.QueuePosition = &pos

	if err := c.jobs.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	c.logger.Info().Str("job_id", job.ID).Str("tier", job.Tier).Int("queue_position", pos).Msg("job queued")
	return job, nil
}

// AdmitNext moves the oldest queued job of slot into its active status and
// dispatches it. It is a no-op when the slot is busy or nothing is queued.
// A job whose dispatch fails is marked failed and the error is returned.
func (c *Coordinator) AdmitNext(ctx context.Context, slot string) (domain.Job, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.jobs.Query(ctx, c.withLimit(c.filter(slot, domain.ActiveStatuses...), 1))
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query active jobs: %w", err)
	}
	if len(active) > 0 {
		c.admissions.WithLabelValues("busy").Inc()
		return domain.Job{}, false, nil
	}

	next, err := c.jobs.Query(ctx, c.withLimit(c.filter(slot, domain.JobStatusQueued), 1))
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query queued jobs: %w", err)
	}
	if len(next) == 0 {
		c.admissions.WithLabelValues("empty").Inc()
		return domain.Job{}, false, nil
	}

	now := c.now().UTC()
	job, err := c.jobs.Update(ctx, next[0].ID, domain.JobPatch{
		ExpectStatus: []string{domain.JobStatusQueued},
		Status:       domain.StatusPtr(next[0].ActiveStatus()),
		StartedAt:    &now,
	})
	if errors.Is(err, store.ErrStatusConflict) {
		c.admissions.WithLabelValues("conflict").Inc()
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("admit job %s: %w", next[0].ID, err)
	}

	c.renumber(ctx, slot)

	logger := c.logger.With().Str("job_id", job.ID).Str("slot", slot).Logger()
	if err := c.dispatcher.Dispatch(ctx, job); err != nil {
		c.admissions.WithLabelValues("dispatch_failed").Inc()
		logger.Error().Err(err).Msg("dispatch failed")
		failed, updateErr := c.jobs.Update(ctx, job.ID, domain.JobPatch{
			Status:       domain.StatusPtr(domain.JobStatusFailed),
			ErrorMessage: domain.StringPtr(fmt.Sprintf("dispatch render: %v", err)),
		})
		if updateErr != nil {
			logger.Error().Err(updateErr).Msg("mark undispatched job failed")
			return job, false, fmt.Errorf("dispatch job %s: %w", job.ID, err)
		}
		return failed, false, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}

	c.admissions.WithLabelValues("admitted").Inc()
	logger.Info().Str("status", job.Status).Msg("job admitted")
	return job, true, nil
}

// AdmitPending runs AdmitNext for every slot that has queued jobs.
func (c *Coordinator) AdmitPending(ctx context.Context) (int, error) {
	slots := []string{""}
	if c.perTier {
		queued, err := c.jobs.Query(ctx, domain.JobFilter{Statuses: []string{domain.JobStatusQueued}})
		if err != nil {
			return 0, fmt.Errorf("query queued jobs: %w", err)
		}
		slots = slots[:0]
		seen := make(map[string]bool)
		for _, job := range queued {
			if !seen[job.Tier] {
				seen[job.Tier] = true
				slots = append(slots, job.Tier)
			}
		}
	}

	admitted := 0
	var errs []error
	for _, slot := range slots {
		_, ok, err := c.AdmitNext(ctx, slot)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			admitted++
		}
	}
	return admitted, errors.Join(errs...)
}

func (c *Coordinator) withLimit(f domain.JobFilter, limit int) domain.JobFilter {
	f.Limit = limit
	return f
}

// renumber rewrites queue positions of the remaining queued jobs. Failures are
// logged; positions are advisory.
func (c *Coordinator) renumber(ctx context.Context, slot string) {
	queued, err := c.jobs.Query(ctx, c.filter(slot, domain.JobStatusQueued))
	if err != nil {
		c.logger.Warn().Err(err).Msg("renumber queue")
		return
	}
	for i, job := range queued {
		pos := i + 1
		if job.QueuePosition != nil && *job.QueuePosition == pos {
			continue
		}
		_, err := c.jobs.Update(ctx, job.ID, domain.JobPatch{
			ExpectStatus:  []string{domain.JobStatusQueued},
			QueuePosition: &pos,
		})
		if err != nil && !errors.Is(err, store.ErrStatusConflict) {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("update queue position")
		}
	}
}
