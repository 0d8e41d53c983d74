package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/renderflow/internal/catalog"
	"github.com/dunamismax/renderflow/internal/domain"
	"github.com/dunamismax/renderflow/internal/engine"
	"github.com/dunamismax/renderflow/internal/id"
	"github.com/dunamismax/renderflow/internal/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the subset of the rendering-engine client the processor drives.
type Engine interface {
	ListProjects(ctx context.Context) ([]engine.Project, error)
	CreateProject(ctx context.Context, name, archiveURL string) (engine.Project, error)
	WaitForProject(ctx context.Context, projectID string, maxWait time.Duration) (engine.Project, error)
	BindTemplate(ctx context.Context, projectID, templateName string, imageKeys, textKeys []string) (engine.TemplateBinding, error)
	StartRender(ctx context.Context, req engine.RenderRequest) (engine.Render, error)
	WaitForRender(ctx context.Context, renderID string, maxWait time.Duration) (engine.Render, error)
	DeleteProject(ctx context.Context, projectID string) error
	DeleteRender(ctx context.Context, renderID string) error
}

type Transferer interface {
	Video(ctx context.Context, jobID, sourceURL string) (string, error)
	Thumbnails(ctx context.Context, jobID string, sourceURLs []string, watermark bool) ([]string, error)
}

type Catalog interface {
	Template(ctx context.Context, id string) (catalog.Template, error)
}

type Config struct {
	ProjectWait    time.Duration
	RenderWait     time.Duration
	CreateAttempts int
	CreateBackoff  time.Duration
	// StaleAfter is how long an active job may go without an update before
	// the sweep fails it. Zero derives it from the wait ceilings.
	StaleAfter time.Duration
}

type Processor struct {
	jobs     store.JobStore
	engine   Engine
	transfer Transferer
	catalog  Catalog
	cfg      Config
	logger   zerolog.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	now      func() time.Time
}

func NewProcessor(jobs store.JobStore, eng Engine, transfer Transferer, cat Catalog, cfg Config, logger zerolog.Logger, metrics *Metrics) (*Processor, error) {
	switch {
	case jobs == nil:
		return nil, errors.New("job store is required")
	case eng == nil:
		return nil, errors.New("engine client is required")
	case transfer == nil:
		return nil, errors.New("artifact transfer is required")
	case cat == nil:
		return nil, errors.New("template catalog is required")
	}

	if cfg.ProjectWait <= 0 {
		cfg.ProjectWait = 10 * time.Minute
	}
	if cfg.RenderWait <= 0 {
		cfg.RenderWait = 30 * time.Minute
	}
	if cfg.CreateAttempts < 1 {
		cfg.CreateAttempts = 1
	}
	if cfg.CreateBackoff <= 0 {
		cfg.CreateBackoff = 2 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.ProjectWait + cfg.RenderWait + 15*time.Minute
	}

	return &Processor{
		jobs:     jobs,
		engine:   eng,
		transfer: transfer,
		catalog:  cat,
		cfg:      cfg,
		logger:   logger.With().Str("component", "render").Logger(),
		tracer:   otel.Tracer("renderflow/render"),
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// Process drives one job to a terminal state. Terminal jobs are returned
// unchanged. On failure the job is marked failed and the error is returned
// alongside the failed record.
func (p *Processor) Process(ctx context.Context, jobID string) (domain.Job, error) {
	job, ok, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("load job %s: %w", jobID, store.ErrJobNotFound)
	}
	if job.Terminal() {
		p.logger.Info().Str("job_id", job.ID).Str("status", job.Status).Msg("job already terminal, skipping")
		return job, nil
	}

	logger := p.logger.With().Str("job_id", job.ID).Str("template_id", job.TemplateID).Bool("sample", job.Sample).Logger()

	tpl, err := p.loadTemplate(ctx, job)
	if err != nil {
		return p.fail(ctx, logger, job, err)
	}

	job, err = p.activate(ctx, job)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, domain.ErrTerminalJob) {
			return job, err
		}
		return p.fail(ctx, logger, job, err)
	}
	logger.Info().Str("status", job.Status).Msg("render started")

	job, err = p.run(ctx, logger, job, tpl)
	if err != nil {
		return p.fail(ctx, logger, job, err)
	}

	logger.Info().Str("engine_project_id", job.EngineProjectID).Str("output_url", job.OutputURL).Msg("render completed")
	if released, err := p.Cleanup(ctx, job); err != nil {
		logger.Warn().Err(err).Msg("engine cleanup incomplete")
	} else {
		job = released
	}
	return job, nil
}

func (p *Processor) loadTemplate(ctx context.Context, job domain.Job) (catalog.Template, error) {
	tpl, err := p.catalog.Template(ctx, job.TemplateID)
	if err != nil {
		if errors.Is(err, catalog.ErrTemplateNotFound) {
			return catalog.Template{}, &TemplateNotConfiguredError{TemplateID: job.TemplateID, Reason: "not in catalog"}
		}
		return catalog.Template{}, fmt.Errorf("load template %s: %w", job.TemplateID, err)
	}
	if strings.TrimSpace(tpl.SourceArchiveURL) == "" {
		return catalog.Template{}, &TemplateNotConfiguredError{TemplateID: job.TemplateID, Reason: "no source archive"}
	}
	return tpl, nil
}

// activate moves the job into its active status. The coordinator normally
// has done so already.
func (p *Processor) activate(ctx context.Context, job domain.Job) (domain.Job, error) {
	patch := domain.JobPatch{}
	if job.Status != job.ActiveStatus() {
		patch.ExpectStatus = []string{job.Status}
		patch.Status = domain.StatusPtr(job.ActiveStatus())
	}
	if job.StartedAt == nil {
		now := p.now().UTC()
		patch.StartedAt = &now
	}
	if patch.Status == nil && patch.StartedAt == nil {
		return job, nil
	}
	updated, err := p.jobs.Update(ctx, job.ID, patch)
	if err != nil {
		return job, fmt.Errorf("mark job %s: %w", job.ActiveStatus(), err)
	}
	return updated, nil
}

func (p *Processor) run(ctx context.Context, logger zerolog.Logger, job domain.Job, tpl catalog.Template) (domain.Job, error) {
	var (
		project engine.Project
		render  engine.Render
		resumed bool
		err     error
	)

	// A redelivered job may already own a project and a render from an
	// earlier attempt. Their ids stay on the record until they are released
	// or the engine reports them gone.
	if job.EngineProjectID != "" {
		err = p.step(ctx, "render.resume_project", job, func(ctx context.Context) error {
			project, resumed, err = p.resumeProject(ctx, logger, job.EngineProjectID)
			return err
		})
		if err != nil {
			return job, err
		}
	}

	if !resumed {
		err = p.step(ctx, "render.acquire_project", job, func(ctx context.Context) error {
			project, err = p.acquireProject(ctx, logger, tpl)
			if err != nil {
				return err
			}
			// Persisted before anything else so cleanup can find it after a crash.
			return p.persist(ctx, &job, domain.JobPatch{EngineProjectID: domain.StringPtr(project.ID)})
		})
		if err != nil {
			return job, err
		}
	}
	logger = logger.With().Str("engine_project_id", project.ID).Logger()

	if !project.IsReady() {
		err = p.step(ctx, "render.wait_project", job, func(ctx context.Context) error {
			project, err = p.engine.WaitForProject(ctx, project.ID, p.cfg.ProjectWait)
			return err
		})
		if err != nil {
			return job, err
		}
	}

	if resumed && job.EngineRenderID != "" {
		err = p.step(ctx, "render.resume_render", job, func(ctx context.Context) error {
			render, err = p.engine.WaitForRender(ctx, job.EngineRenderID, p.cfg.RenderWait)
			if engine.IsNotFound(err) {
				logger.Warn().Str("engine_render_id", job.EngineRenderID).Msg("recorded engine render is gone, submitting another")
				render = engine.Render{}
				return nil
			}
			return err
		})
		if err != nil {
			return job, err
		}
		if render.ID != "" {
			logger.Info().Str("engine_render_id", render.ID).Msg("resumed engine render")
		}
	} else if job.EngineRenderID != "" {
		// The project behind this render is gone or was replaced.
		if err := p.engine.DeleteRender(ctx, job.EngineRenderID); err != nil {
			return job, fmt.Errorf("release earlier render %s: %w", job.EngineRenderID, err)
		}
	}

	if render.ID == "" {
		render, err = p.submit(ctx, logger, &job, project, tpl)
		if err != nil {
			return job, err
		}
	}

	var outputURL string
	var thumbnails []string
	err = p.step(ctx, "render.transfer", job, func(ctx context.Context) error {
		logger.Info().Msg("transferring artifacts")
		var transferErr error
		outputURL, thumbnails, transferErr = p.transferArtifacts(ctx, logger, job, render)
		return transferErr
	})
	if err != nil {
		logger.Warn().Err(err).Msg("artifacts kept at engine urls")
	}
	if outputURL == "" {
		return job, fmt.Errorf("render %s: %w", render.ID, ErrMissingOutput)
	}

	err = p.persist(ctx, &job, domain.JobPatch{
		Status:        domain.StatusPtr(domain.JobStatusCompleted),
		OutputURL:     &outputURL,
		ThumbnailURLs: thumbnails,
	})
	return job, err
}

// submit binds the template, starts a render and waits for it to finish.
func (p *Processor) submit(ctx context.Context, logger zerolog.Logger, job *domain.Job, project engine.Project, tpl catalog.Template) (engine.Render, error) {
	var (
		binding engine.TemplateBinding
		render  engine.Render
		err     error
	)

	req := engine.RenderRequest{ProjectID: project.ID}
	if job.Sample {
		req.Options = engine.SampleOptions()
	} else {
		err = p.step(ctx, "render.bind_template", *job, func(ctx context.Context) error {
			binding, err = p.engine.BindTemplate(ctx, project.ID, "job-"+job.ID, tpl.ImageKeys(), tpl.TextKeys())
			return err
		})
		if err != nil {
			return render, err
		}
		if len(binding.Skipped) > 0 {
			logger.Warn().Strs("skipped_keys", binding.Skipped).Msg("placeholders without matching layers")
		}
		req.TemplateID = binding.ID
		req.Parameters = job.Parameters
	}

	err = p.step(ctx, "render.submit", *job, func(ctx context.Context) error {
		render, err = p.engine.StartRender(ctx, req)
		if err != nil {
			return err
		}
		return p.persist(ctx, job, domain.JobPatch{EngineRenderID: domain.StringPtr(render.ID)})
	})
	if err != nil {
		return render, err
	}
	logger = logger.With().Str("engine_render_id", render.ID).Logger()
	logger.Info().Msg("render submitted")

	err = p.step(ctx, "render.wait_render", *job, func(ctx context.Context) error {
		render, err = p.engine.WaitForRender(ctx, render.ID, p.cfg.RenderWait)
		return err
	})
	return render, err
}

// resumeProject waits on a project recorded by an earlier attempt. It
// reports false when the engine no longer has the project.
func (p *Processor) resumeProject(ctx context.Context, logger zerolog.Logger, projectID string) (engine.Project, bool, error) {
	project, err := p.engine.WaitForProject(ctx, projectID, p.cfg.ProjectWait)
	if engine.IsNotFound(err) {
		logger.Warn().Str("engine_project_id", projectID).Msg("recorded engine project is gone, acquiring another")
		return engine.Project{}, false, nil
	}
	if err != nil {
		return engine.Project{}, false, err
	}
	logger.Info().Str("engine_project_id", projectID).Msg("resumed engine project")
	return project, true, nil
}

func (p *Processor) persist(ctx context.Context, job *domain.Job, patch domain.JobPatch) error {
	updated, err := p.jobs.Update(ctx, job.ID, patch)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	*job = updated
	return nil
}

// reuseKey prefixes the names of engine projects created for a template so
// later jobs can find them. Project names are "<key>.<suffix>". The readable
// part is lossy, so a hash of the exact template id keeps keys distinct.
func reuseKey(templateID string) string {
	var b strings.Builder
	b.WriteString("tpl-")
	for _, r := range strings.ToLower(templateID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	sum := sha256.Sum256([]byte(templateID))
	b.WriteByte('-')
	b.WriteString(hex.EncodeToString(sum[:4]))
	return b.String()
}

func (p *Processor) acquireProject(ctx context.Context, logger zerolog.Logger, tpl catalog.Template) (engine.Project, error) {
	key := reuseKey(tpl.ID)

	projects, err := p.engine.ListProjects(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("list engine projects failed, creating a new project")
	}
	var (
		best  engine.Project
		found bool
	)
	for _, project := range projects {
		if project.Name != key && !strings.HasPrefix(project.Name, key+".") {
			continue
		}
		if !project.IsReady() {
			continue
		}
		if !found || project.CreatedAt.After(best.CreatedAt) {
			best, found = project, true
		}
	}
	if found {
		p.metrics.acquired(true)
		logger.Info().Str("engine_project_id", best.ID).Str("reuse_key", key).Msg("reusing engine project")
		return best, nil
	}

	name := key + "." + id.Short()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.CreateBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	project, err := backoff.Retry(ctx, func() (engine.Project, error) {
		project, err := p.engine.CreateProject(ctx, name, tpl.SourceArchiveURL)
		if err != nil {
			var reqErr *engine.RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return engine.Project{}, backoff.Permanent(err)
			}
			return engine.Project{}, err
		}
		return project, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(p.cfg.CreateAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("create engine project failed, retrying")
		}),
	)
	if err != nil {
		return engine.Project{}, fmt.Errorf("create engine project: %w", err)
	}

	p.metrics.acquired(false)
	return project, nil
}

// transferArtifacts copies render output into durable storage, falling back to
// the engine's transient URLs when a copy fails. The returned error lists the
// copies that fell back; the URLs are usable either way.
func (p *Processor) transferArtifacts(ctx context.Context, logger zerolog.Logger, job domain.Job, render engine.Render) (string, []string, error) {
	var errs []error

	var outputURL string
	if render.Output != "" {
		url, err := p.transfer.Video(ctx, job.ID, render.Output)
		if err != nil {
			logger.Warn().Err(err).Msg("video transfer failed, keeping engine url")
			p.metrics.fallback("video")
			errs = append(errs, err)
			url = render.Output
		}
		outputURL = url
	}

	var thumbnails []string
	if len(render.ThumbnailURIs) > 0 {
		urls, err := p.transfer.Thumbnails(ctx, job.ID, render.ThumbnailURIs, job.Sample)
		if err != nil {
			logger.Warn().Err(err).Msg("thumbnail transfer failed, keeping engine urls")
			p.metrics.fallback("thumbnails")
			errs = append(errs, err)
			urls = append([]string(nil), render.ThumbnailURIs...)
		}
		thumbnails = urls
	}

	if outputURL == "" && job.Sample && len(thumbnails) > 0 {
		outputURL = thumbnails[0]
	}
	return outputURL, thumbnails, errors.Join(errs...)
}

func (p *Processor) fail(ctx context.Context, logger zerolog.Logger, job domain.Job, cause error) (domain.Job, error) {
	logger.Error().Err(cause).Str("engine_project_id", job.EngineProjectID).Str("engine_render_id", job.EngineRenderID).Msg("render failed")

	// Record the failure even when ctx was cancelled by a wait ceiling.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	failed, err := p.jobs.Update(ctx, job.ID, domain.JobPatch{
		Status:       domain.StatusPtr(domain.JobStatusFailed),
		ErrorMessage: domain.StringPtr(cause.Error()),
	})
	if err != nil {
		logger.Error().Err(err).Msg("mark job failed")
		return job, cause
	}
	return failed, cause
}

func (p *Processor) step(ctx context.Context, name string, job domain.Job, fn func(context.Context) error) error {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Bool("job.sample", job.Sample),
	))
	defer span.End()
	defer p.metrics.phase(strings.TrimPrefix(name, "render."), started)

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
