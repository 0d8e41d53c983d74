package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/renderflow/internal/domain"
)

const sweepBatch = 100

// Cleanup releases the engine resources a job holds. The render is always
// deleted. The project is deleted only when no other active job references
// it; the count is a point-in-time query, so a job that picks the project
// for reuse right after the check can still lose it. That job then fails on
// its next engine call.
//
// On success the job is marked resources_released.
func (p *Processor) Cleanup(ctx context.Context, job domain.Job) (domain.Job, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "render.cleanup")
	defer span.End()

	logger := p.logger.With().
		Str("job_id", job.ID).
		Str("engine_project_id", job.EngineProjectID).
		Str("engine_render_id", job.EngineRenderID).
		Logger()

	var errs []error
	if job.EngineRenderID != "" {
		if err := p.engine.DeleteRender(ctx, job.EngineRenderID); err != nil {
			p.metrics.cleanup("render", "failed")
			logger.Warn().Err(err).Msg("delete engine render failed")
			errs = append(errs, fmt.Errorf("delete render %s: %w", job.EngineRenderID, err))
		} else {
			p.metrics.cleanup("render", "deleted")
		}
	}

	if job.EngineProjectID != "" {
		others, err := p.jobs.Query(ctx, domain.JobFilter{
			Statuses:        domain.ActiveStatuses,
			EngineProjectID: job.EngineProjectID,
			ExcludeID:       job.ID,
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("count project references: %w", err))
		case len(others) > 0:
			p.metrics.cleanup("project", "in_use")
			logger.Info().Int("active_references", len(others)).Msg("engine project still in use, keeping it")
		default:
			if err := p.engine.DeleteProject(ctx, job.EngineProjectID); err != nil {
				p.metrics.cleanup("project", "failed")
				logger.Warn().Err(err).Msg("delete engine project failed")
				errs = append(errs, fmt.Errorf("delete project %s: %w", job.EngineProjectID, err))
			} else {
				p.metrics.cleanup("project", "deleted")
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return job, err
	}

	released, err := p.jobs.Update(ctx, job.ID, domain.JobPatch{ResourcesReleased: domain.BoolPtr(true)})
	if err != nil {
		return job, fmt.Errorf("mark resources released: %w", err)
	}
	logger.Debug().Msg("engine resources released")
	return released, nil
}

type SweepResult struct {
	Released  int
	Failed    int
	Abandoned int
}

// Sweep fails active jobs that stopped making progress, then releases
// engine resources still held by terminal jobs. Failed jobs only get their
// resources back here.
func (p *Processor) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	active, err := p.jobs.Query(ctx, domain.JobFilter{Statuses: domain.ActiveStatuses})
	if err != nil {
		return result, fmt.Errorf("query active jobs: %w", err)
	}
	cutoff := p.now().Add(-p.cfg.StaleAfter)
	for _, job := range active {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		_, err := p.jobs.Update(ctx, job.ID, domain.JobPatch{
			ExpectStatus: []string{job.Status},
			Status:       domain.StatusPtr(domain.JobStatusFailed),
			ErrorMessage: domain.StringPtr(fmt.Sprintf("render abandoned: no progress since %s", job.UpdatedAt.UTC().Format(time.RFC3339))),
		})
		if err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("fail abandoned job")
			continue
		}
		result.Abandoned++
		p.metrics.abandoned()
		p.logger.Warn().Str("job_id", job.ID).Time("last_update", job.UpdatedAt).Msg("abandoned job failed")
	}

	pending, err := p.jobs.Query(ctx, domain.JobFilter{
		Statuses:          []string{domain.JobStatusCompleted, domain.JobStatusFailed},
		ResourcesReleased: domain.BoolPtr(false),
		HasEngineResource: true,
		Limit:             sweepBatch,
	})
	if err != nil {
		return result, fmt.Errorf("query unreleased jobs: %w", err)
	}
	for _, job := range pending {
		if _, err := p.Cleanup(ctx, job); err != nil {
			result.Failed++
			continue
		}
		result.Released++
	}

	if result.Released+result.Failed+result.Abandoned > 0 {
		p.logger.Info().
			Int("released", result.Released).
			Int("cleanup_failed", result.Failed).
			Int("abandoned", result.Abandoned).
			Msg("resource sweep finished")
	}
	return result, nil
}
