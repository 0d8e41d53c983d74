package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dunamismax/renderflow/internal/catalog"
	"github.com/dunamismax/renderflow/internal/domain"
	"github.com/dunamismax/renderflow/internal/engine"
	"github.com/dunamismax/renderflow/internal/id"
	"github.com/dunamismax/renderflow/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderAccountTier = "X-Account-Tier"

	anonymousUser     = "anonymous"
	engineStateBudget = 5 * time.Second
)

type Coordinator interface {
	Submit(ctx context.Context, job domain.Job) (domain.Job, error)
	Slot(job domain.Job) string
	AdmitNext(ctx context.Context, slot string) (domain.Job, bool, error)
}

type TemplateCatalog interface {
	Template(ctx context.Context, id string) (catalog.Template, error)
}

// RenderStatusReader reports the live engine state of a render.
type RenderStatusReader interface {
	GetRenderStatus(ctx context.Context, renderID string) (engine.Render, error)
}

type Options struct {
	Jobs        store.JobStore
	Coordinator Coordinator
	Catalog     TemplateCatalog
	// Engine is optional; without it status responses carry no engine_state.
	Engine      RenderStatusReader
	RateLimiter RateLimiter
	Metrics     *Metrics
}

type Server struct {
	logger      zerolog.Logger
	jobs        store.JobStore
	coordinator Coordinator
	catalog     TemplateCatalog
	engine      RenderStatusReader
	rateLimiter RateLimiter
	metrics     *Metrics
	tracer      trace.Tracer
	router      chi.Router
	now         func() time.Time
}

func NewServer(logger zerolog.Logger, opts Options) (*Server, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("job store is required")
	case opts.Coordinator == nil:
		return nil, errors.New("queue coordinator is required")
	case opts.Catalog == nil:
		return nil, errors.New("template catalog is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	s := &Server{
		logger:      logger.With().Str("component", "api").Logger(),
		jobs:        opts.Jobs,
		coordinator: opts.Coordinator,
		catalog:     opts.Catalog,
		engine:      opts.Engine,
		rateLimiter: opts.RateLimiter,
		metrics:     opts.Metrics,
		tracer:      otel.Tracer("renderflow/api"),
		now:         time.Now,
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.withAccessLog, middleware.Recoverer)
	r.Use(s.withTracing, s.metrics.withHTTPMetrics)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.With(s.withRateLimit).Post("/v1/renders", s.handleCreateRender)
	r.Get("/v1/renders/{id}", s.handleGetRender)
	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRenderResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position,omitempty"`
	StatusURL     string `json:"status_url"`
}

func (s *Server) handleCreateRender(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRenderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	templateID := strings.TrimSpace(req.TemplateID)
	tpl, err := s.catalog.Template(r.Context(), templateID)
	if errors.Is(err, catalog.ErrTemplateNotFound) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown template_id: %s", templateID))
		return
	}
	if err != nil {
		reqLogger := s.requestLogger(r)
		reqLogger.Error().Err(err).Str("template_id", templateID).Msg("template lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load template")
		return
	}
	if unknown := undeclaredKeys(tpl, req.Parameters); len(unknown) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parameters not declared by template %s: %s", tpl.ID, strings.Join(unknown, ", ")))
		return
	}

	now := s.now().UTC()
	job := domain.Job{
		ID:         id.New(),
		TemplateID: tpl.ID,
		UserID:     headerOr(r, HeaderUserID, anonymousUser),
		Tier:       strings.ToLower(headerOr(r, HeaderAccountTier, domain.DefaultTier)),
		Sample:     req.Sample,
		Parameters: req.Parameters,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	logger := s.requestLogger(r).With().Str("job_id", job.ID).Str("template_id", job.TemplateID).Logger()
	job, err = s.coordinator.Submit(r.Context(), job)
	if err != nil {
		logger.Error().Err(err).Msg("submit render failed")
		writeError(w, http.StatusInternalServerError, "failed to queue render")
		return
	}
	s.metrics.jobsAccepted.WithLabelValues(jobMode(job)).Inc()

	// The job is durably queued at this point; an admission problem is picked
	// up again by the next completion or the periodic sweep.
	if _, _, err := s.coordinator.AdmitNext(r.Context(), s.coordinator.Slot(job)); err != nil {
		logger.Warn().Err(err).Msg("admission after submit failed")
	}

	if current, ok, err := s.jobs.Get(r.Context(), job.ID); err != nil {
		logger.Warn().Err(err).Msg("re-read job after admission")
	} else if ok {
		job = current
	}

	writeJSON(w, http.StatusAccepted, createRenderResponse{
		JobID:         job.ID,
		Status:        job.Status,
		QueuePosition: job.QueuePosition,
		StatusURL:     "/v1/renders/" + job.ID,
	})
}

type renderStatusResponse struct {
	JobID         string     `json:"job_id"`
	TemplateID    string     `json:"template_id"`
	Status        string     `json:"status"`
	Sample        bool       `json:"sample"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	OutputURL     string     `json:"output_url,omitempty"`
	ThumbnailURLs []string   `json:"thumbnail_urls,omitempty"`
	Error         string     `json:"error,omitempty"`
	EngineState   string     `json:"engine_state,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// handleGetRender is a read-only projection of the job record.
func (s *Server) handleGetRender(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, ok, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		reqLogger := s.requestLogger(r)
		reqLogger.Error().Err(err).Str("job_id", jobID).Msg("load job failed")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "render job not found")
		return
	}

	writeJSON(w, http.StatusOK, renderStatusResponse{
		JobID:         job.ID,
		TemplateID:    job.TemplateID,
		Status:        job.Status,
		Sample:        job.Sample,
		QueuePosition: job.QueuePosition,
		OutputURL:     job.OutputURL,
		ThumbnailURLs: job.ThumbnailURLs,
		Error:         job.ErrorMessage,
		EngineState:   s.engineState(r, job),
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		UpdatedAt:     job.UpdatedAt,
	})
}

func (s *Server) engineState(r *http.Request, job domain.Job) string {
	if s.engine == nil || !job.Active() || job.EngineRenderID == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(r.Context(), engineStateBudget)
	defer cancel()

	render, err := s.engine.GetRenderStatus(ctx, job.EngineRenderID)
	if err != nil {
		reqLogger := s.requestLogger(r)
		reqLogger.Debug().Err(err).Str("job_id", job.ID).Msg("engine state unavailable")
		return ""
	}
	return render.State
}

func (s *Server) requestLogger(r *http.Request) zerolog.Logger {
	return s.logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
}

func undeclaredKeys(tpl catalog.Template, params map[string]string) []string {
	var unknown []string
	for key := range params {
		if !tpl.DeclaresKey(key) {
			unknown = append(unknown, key)
		}
	}
	slices.Sort(unknown)
	return unknown
}

func headerOr(r *http.Request, name, fallback string) string {
	if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
		return v
	}
	return fallback
}

func jobMode(job domain.Job) string {
	if job.Sample {
		return "sample"
	}
	return "full"
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
