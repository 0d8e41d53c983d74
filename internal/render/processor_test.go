package render

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/renderflow/internal/catalog"
	"github.com/dunamismax/renderflow/internal/domain"
	"github.com/dunamismax/renderflow/internal/engine"
	"github.com/dunamismax/renderflow/internal/store"
	"github.com/rs/zerolog"
)

type fakeEngine struct {
	mu sync.Mutex

	projects      []engine.Project
	listErr       error
	createErrs    []error
	created       engine.Project
	waitProject   func(id string) (engine.Project, error)
	bindErr       error
	binding       engine.TemplateBinding
	render        engine.Render
	waitRender    func(id string) (engine.Render, error)
	deleteProject error

	calls          []string
	createNames    []string
	renderRequests []engine.RenderRequest
	deletedProject []string
	deletedRender  []string
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeEngine) ListProjects(context.Context) ([]engine.Project, error) {
	f.record("list")
	return f.projects, f.listErr
}

func (f *fakeEngine) CreateProject(_ context.Context, name, _ string) (engine.Project, error) {
	f.record("create")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createNames = append(f.createNames, name)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return engine.Project{}, err
		}
	}
	project := f.created
	project.Name = name
	return project, nil
}

func (f *fakeEngine) WaitForProject(_ context.Context, id string, _ time.Duration) (engine.Project, error) {
	f.record("wait_project")
	if f.waitProject != nil {
		return f.waitProject(id)
	}
	return engine.Project{ID: id, Ready: true}, nil
}

func (f *fakeEngine) BindTemplate(_ context.Context, projectID, _ string, _, _ []string) (engine.TemplateBinding, error) {
	f.record("bind")
	if f.bindErr != nil {
		return engine.TemplateBinding{}, f.bindErr
	}
	binding := f.binding
	binding.ProjectID = projectID
	return binding, nil
}

func (f *fakeEngine) StartRender(_ context.Context, req engine.RenderRequest) (engine.Render, error) {
	f.record("start")
	f.mu.Lock()
	f.renderRequests = append(f.renderRequests, req)
	f.mu.Unlock()
	return engine.Render{ID: f.render.ID, ProjectID: req.ProjectID, State: engine.RenderStateQueued}, nil
}

func (f *fakeEngine) WaitForRender(_ context.Context, id string, _ time.Duration) (engine.Render, error) {
	f.record("wait_render")
	if f.waitRender != nil {
		return f.waitRender(id)
	}
	return f.render, nil
}

func (f *fakeEngine) DeleteProject(_ context.Context, id string) error {
	f.record("delete_project")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteProject != nil {
		return f.deleteProject
	}
	f.deletedProject = append(f.deletedProject, id)
	return nil
}

func (f *fakeEngine) DeleteRender(_ context.Context, id string) error {
	f.record("delete_render")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedRender = append(f.deletedRender, id)
	return nil
}

type fakeTransfer struct {
	videoErr   error
	thumbErr   error
	watermarks []bool
}

func (f *fakeTransfer) Video(_ context.Context, jobID, _ string) (string, error) {
	if f.videoErr != nil {
		return "", f.videoErr
	}
	return "https://cdn.example.com/renders/" + jobID + "/output.mp4", nil
}

func (f *fakeTransfer) Thumbnails(_ context.Context, jobID string, urls []string, watermark bool) ([]string, error) {
	f.watermarks = append(f.watermarks, watermark)
	if f.thumbErr != nil {
		return nil, f.thumbErr
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = fmt.Sprintf("https://cdn.example.com/renders/%s/thumb-%d.jpeg", jobID, i)
	}
	return out, nil
}

var promoTemplate = catalog.Template{
	ID:                "promo",
	Name:              "Promo Reel",
	SourceArchiveURL:  "https://cdn.example.com/templates/promo.zip",
	ImagePlaceholders: []catalog.Placeholder{{Key: "img1", Label: "Hero"}},
	TextPlaceholders:  []catalog.Placeholder{{Key: "text1", Label: "Headline"}},
}

type harness struct {
	jobs      *store.MemoryJobStore
	engine    *fakeEngine
	transfer  *fakeTransfer
	processor *Processor
}

func newHarness(t *testing.T, extra ...catalog.Template) *harness {
	t.Helper()

	templates := append([]catalog.Template{promoTemplate, {ID: "bare", Name: "No archive"}}, extra...)
	cat, err := catalog.NewMemory(templates...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	h := &harness{
		jobs: store.NewMemoryJobStore(),
		engine: &fakeEngine{
			created: engine.Project{ID: "p-new"},
			binding: engine.TemplateBinding{ID: "t-1"},
			render: engine.Render{
				ID:     "r-1",
				State:  engine.RenderStateDone,
				Output: "https://engine.example.com/tmp/r-1.mp4",
			},
		},
		transfer: &fakeTransfer{},
	}
	h.processor, err = NewProcessor(h.jobs, h.engine, h.transfer, cat, Config{
		ProjectWait:    time.Second,
		RenderWait:     time.Second,
		CreateAttempts: 3,
		CreateBackoff:  time.Millisecond,
	}, zerolog.Nop(), NewMetrics(nil))
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return h
}

func (h *harness) seed(t *testing.T, job domain.Job) {
	t.Helper()
	if job.TemplateID == "" {
		job.TemplateID = "promo"
	}
	if job.Status == "" {
		job.Status = domain.JobStatusProcessing
	}
	if job.Parameters == nil {
		job.Parameters = map[string]string{"img1": "https://cdn.example.com/a.png", "text1": "Hello"}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
		job.UpdatedAt = job.CreatedAt
	}
	if err := h.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func (h *harness) job(t *testing.T, id string) domain.Job {
	t.Helper()
	job, ok, err := h.jobs.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get job %s: ok=%v err=%v", id, ok, err)
	}
	return job
}

func TestProcessCompletesJob(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Job{ID: "job-1"})

	job, err := h.processor.Process(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.OutputURL != "https://cdn.example.com/renders/job-1/output.mp4" {
		t.Fatalf("expected durable output url, got %s", job.OutputURL)
	}
	if job.EngineProjectID != "p-new" || job.EngineRenderID != "r-1" || job.StartedAt == nil {
		t.Fatalf("expected engine ids and start time persisted, got %+v", job)
	}
	if !job.ResourcesReleased {
		t.Fatal("expected resources released after cleanup")
	}

	want := []string{"list", "create", "wait_project", "bind", "start", "wait_render", "delete_render", "delete_project"}
	if strings.Join(h.engine.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected engine calls:\n got %v\nwant %v", h.engine.calls, want)
	}
	req := h.engine.renderRequests[0]
	if req.TemplateID != "t-1" || req.Parameters["text1"] != "Hello" || req.Options != nil {
		t.Fatalf("unexpected render request: %+v", req)
	}
	if !strings.HasPrefix(h.engine.createNames[0], reuseKey("promo")+".") {
		t.Fatalf("expected project named with reuse key, got %s", h.engine.createNames[0])
	}
}

func TestProcessReusesNewestReadyProject(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	key := reuseKey("promo")
	h.engine.projects = []engine.Project{
		{ID: "p-old", Name: key + ".aaaa", Ready: true, CreatedAt: base},
		{ID: "p-best", Name: key + ".bbbb", Ready: true, CreatedAt: base.Add(time.Hour)},
		{ID: "p-pending", Name: key + ".cccc", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "p-other", Name: key + "-extra.dddd", Ready: true, CreatedAt: base.Add(3 * time.Hour)},
		{ID: "p-legacy", Name: "tpl-promo.eeee", Ready: true, CreatedAt: base.Add(4 * time.Hour)},
	}
	h.seed(t, domain.Job{ID: "job-1"})

	job, err := h.processor.Process(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.EngineProjectID != "p-best" {
		t.Fatalf("expected newest ready project p-best, got %s", job.EngineProjectID)
	}
	if n := h.engine.count("create"); n != 0 {
		t.Fatalf("expected no project creation, got %d", n)
	}
	if n := h.engine.count("wait_project"); n != 0 {
		t.Fatalf("expected no readiness wait for a ready project, got %d", n)
	}
	if n := h.engine.count("bind"); n != 1 {
		t.Fatalf("expected a fresh binding for the reused project, got %d", n)
	}
}

func TestProcessRetriesProjectCreation(t *testing.T) {
	h := newHarness(t)
	unavailable := &engine.RequestError{Op: "create project", StatusCode: http.StatusServiceUnavailable}
	h.engine.createErrs = []error{unavailable, unavailable}
	h.seed(t, domain.Job{ID: "job-1"})

	job, err := h.processor.Process(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if n := h.engine.count("create"); n != 3 {
		t.Fatalf("expected 3 create attempts, got %d", n)
	}
}

func TestProcessFailsAfterCreationAttemptsExhausted(t *testing.T) {
	h := newHarness(t)
	unavailable := &engine.RequestError{Op: "create project", StatusCode: http.StatusBadGateway}
	h.engine.createErrs = []error{unavailable, unavailable, unavailable, unavailable}
	h.seed(t, domain.Job{ID: "job-1"})

	job, err := h.processor.Process(context.Background(), "job-1")
	var reqErr *engine.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if n := h.engine.count("create"); n != 3 {
		t.Fatalf("expected 3 create attempts, got %d", n)
	}
	if job.Status != domain.JobStatusFailed || job.ErrorMessage != err.Error() {
		t.Fatalf("expected failed job with error message, got %+v", job)
	}
}

func TestProcessDoesNotRetryInvalidCreateRequest(t *testing.T) {
	h := newHarness(t)
	h.engine.createErrs = []error{&engine.RequestError{Op: "create project", StatusCode: http.StatusBadRequest}}
	h.seed(t, domain.Job{ID: "job-1"})

	if _, err := h.processor.Process(context.Background(), "job-1"); err == nil {
		t.Fatal("expected error")
	}
	if n := h.engine.count("create"); n != 1 {
		t.Fatalf("expected a single create attempt, got %d", n)
	}
}

func TestProcessTemplateNotConfigured(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Job{ID: "job-1", TemplateID: "bare", Status: domain.JobStatusQueued})

	job, err := h.processor.Process(context.Background(), "job-1")
	var notConfigured *TemplateNotConfiguredError
	if !errors.As(err, &notConfigured) || notConfigured.TemplateID != "bare" {
		t.Fatalf("expected TemplateNotConfiguredError, got %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
	if len(h.engine.calls) != 0 {
		t.Fatalf("expected no engine calls, got %v", h.engine.calls)
	}
}

func TestProcessTransferFailureFallsBackToEngineURL(t *testing.T) {
	h := newHarness(t)
	h.transfer.videoErr = errors.New("download reset")
	h.seed(t, domain.Job{ID: "job-1"})

	job, err := h.processor.Process(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.Status != domain.JobStatusCompleted || job.OutputURL != "https://engine.example.com/tmp/r-1.mp4" {
		t.Fatalf("expected completed job with engine url, got %+v", job)
	}
}

func TestProcessSampleSkipsBindingAndUsesThumbnail(t *testing.T) {
	h := newHarness(t)
	h.engine.render = engine.Render{
		ID:            "r-s",
		State:         engine.RenderStateDone,
		ThumbnailURIs: []string{"https://engine.example.com/tmp/0.jpg", "https://engine.example.com/tmp/1.jpg"},
	}
	h.seed(t, domain.Job{ID: "job-s", Sample: true, Status: domain.JobStatusSampling, Parameters: map[string]string{}})

	job, err := h.processor.Process(context.Background(), "job-s")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n := h.engine.count("bind"); n != 0 {
		t.Fatalf("expected no binding for sample, got %d", n)
	}
	req := h.engine.renderRequests[0]
	if req.TemplateID != "" || req.Options == nil || !req.Options.Draft {
		t.Fatalf("expected sample render request, got %+v", req)
	}
	if len(job.ThumbnailURLs) != 2 || job.OutputURL != job.ThumbnailURLs[0] {
		t.Fatalf("expected first thumbnail as output, got %+v", job)
	}
	if len(h.transfer.watermarks) != 1 || !h.transfer.watermarks[0] {
		t.Fatalf("expected watermarked sample thumbnails, got %v", h.transfer.watermarks)
	}
}

func TestProcessSampleThumbnailFallback(t *testing.T) {
	h := newHarness(t)
	h.engine.render = engine.Render{
		ID:            "r-s",
		State:         engine.RenderStateDone,
		ThumbnailURIs: []string{"https://engine.example.com/tmp/0.jpg"},
	}
	h.transfer.thumbErr = errors.New("bucket unavailable")
	h.seed(t, domain.Job{ID: "job-s", Sample: true, Status: domain.JobStatusSampling})

	job, err := h.processor.Process(context.Background(), "job-s")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.OutputURL != "https://engine.example.com/tmp/0.jpg" {
		t.Fatalf("expected transient thumbnail url, got %s", job.OutputURL)
	}
}

func TestProcessRenderWithoutOutputFails(t *testing.T) {
	h := newHarness(t)
	h.engine.render = engine.Render{ID: "r-1", State: engine.RenderStateDone}
	h.seed(t, domain.Job{ID: "job-1"})

	job, err := h.processor.Process(context.Background(), "job-1")
	if !errors.Is(err, ErrMissingOutput) || job.Status != domain.JobStatusFailed {
		t.Fatalf("expected missing output failure, got job=%s err=%v", job.Status, err)
	}
}

func TestProcessTimeoutKeepsBreadcrumbsForSweep(t *testing.T) {
	h := newHarness(t)
	h.engine.waitRender = func(id string) (engine.Render, error) {
		return engine.Render{}, &engine.TimeoutError{Resource: "render", ID: id, LastState: engine.RenderStateInProgress, Waited: time.Second}
	}
	h.seed(t, domain.Job{ID: "job-1"})

	job, err := h.processor.Process(context.Background(), "job-1")
	if !errors.Is(err, engine.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if job.Status != domain.JobStatusFailed || job.EngineProjectID != "p-new" || job.EngineRenderID != "r-1" {
		t.Fatalf("expected failed job with engine ids, got %+v", job)
	}
	if job.ResourcesReleased || h.engine.count("delete_project") != 0 || h.engine.count("delete_render") != 0 {
		t.Fatal("failure path must not clean up inline")
	}

	result, err := h.processor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Released != 1 {
		t.Fatalf("expected one job released, got %+v", result)
	}
	if !h.job(t, "job-1").ResourcesReleased || h.engine.deletedProject[0] != "p-new" || h.engine.deletedRender[0] != "r-1" {
		t.Fatalf("expected sweep to release engine resources, calls=%v", h.engine.calls)
	}
}

func TestProcessAnalysisFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.engine.waitProject = func(id string) (engine.Project, error) {
		return engine.Project{}, &engine.AnalysisError{ProjectID: id, Reason: "corrupt archive"}
	}
	h.seed(t, domain.Job{ID: "job-1"})

	job, err := h.processor.Process(context.Background(), "job-1")
	var analysisErr *engine.AnalysisError
	if !errors.As(err, &analysisErr) {
		t.Fatalf("expected AnalysisError, got %v", err)
	}
	if job.Status != domain.JobStatusFailed || !strings.Contains(job.ErrorMessage, "corrupt archive") {
		t.Fatalf("unexpected job: %+v", job)
	}
	if h.engine.count("start") != 0 {
		t.Fatal("expected no render submission")
	}
}

func TestProcessTerminalJobIsNoop(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Job{ID: "job-1", Status: domain.JobStatusProcessing})
	if _, err := h.jobs.Update(context.Background(), "job-1", domain.JobPatch{
		Status:    domain.StatusPtr(domain.JobStatusCompleted),
		OutputURL: domain.StringPtr("https://cdn.example.com/done.mp4"),
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	job, err := h.processor.Process(context.Background(), "job-1")
	if err != nil || job.OutputURL != "https://cdn.example.com/done.mp4" {
		t.Fatalf("expected unchanged terminal job, got %+v err=%v", job, err)
	}
	if len(h.engine.calls) != 0 {
		t.Fatalf("expected no engine calls, got %v", h.engine.calls)
	}
}

func TestCleanupKeepsProjectSharedWithActiveJob(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Job{ID: "job-a", EngineProjectID: "p-shared", EngineRenderID: "r-a"})
	h.seed(t, domain.Job{ID: "job-b", EngineProjectID: "p-shared", EngineRenderID: "r-b"})

	done, err := h.jobs.Update(context.Background(), "job-a", domain.JobPatch{
		Status:    domain.StatusPtr(domain.JobStatusCompleted),
		OutputURL: domain.StringPtr("https://cdn.example.com/a.mp4"),
	})
	if err != nil {
		t.Fatalf("complete job-a: %v", err)
	}

	released, err := h.processor.Cleanup(context.Background(), done)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !released.ResourcesReleased {
		t.Fatal("expected job-a marked released")
	}
	if n := h.engine.count("delete_project"); n != 0 {
		t.Fatalf("shared project must not be deleted while job-b is active, got %d deletes", n)
	}
	if len(h.engine.deletedRender) != 1 || h.engine.deletedRender[0] != "r-a" {
		t.Fatalf("expected render r-a deleted, got %v", h.engine.deletedRender)
	}

	doneB, err := h.jobs.Update(context.Background(), "job-b", domain.JobPatch{
		Status:       domain.StatusPtr(domain.JobStatusFailed),
		ErrorMessage: domain.StringPtr("boom"),
	})
	if err != nil {
		t.Fatalf("fail job-b: %v", err)
	}
	if _, err := h.processor.Cleanup(context.Background(), doneB); err != nil {
		t.Fatalf("cleanup job-b: %v", err)
	}
	if len(h.engine.deletedProject) != 1 || h.engine.deletedProject[0] != "p-shared" {
		t.Fatalf("expected shared project deleted once unreferenced, got %v", h.engine.deletedProject)
	}
}

func TestCleanupFailureLeavesJobUnreleased(t *testing.T) {
	h := newHarness(t)
	h.engine.deleteProject = errors.New("engine unavailable")
	h.seed(t, domain.Job{ID: "job-1", EngineProjectID: "p-1"})
	done, _ := h.jobs.Update(context.Background(), "job-1", domain.JobPatch{
		Status:    domain.StatusPtr(domain.JobStatusCompleted),
		OutputURL: domain.StringPtr("https://cdn.example.com/a.mp4"),
	})

	if _, err := h.processor.Cleanup(context.Background(), done); err == nil {
		t.Fatal("expected cleanup error")
	}
	job := h.job(t, "job-1")
	if job.ResourcesReleased || job.Status != domain.JobStatusCompleted {
		t.Fatalf("cleanup failure must not change the outcome, got %+v", job)
	}
}

func TestSweepFailsAbandonedJobs(t *testing.T) {
	h := newHarness(t)
	stale := time.Now().UTC().Add(-3 * time.Hour)
	h.seed(t, domain.Job{ID: "job-stale", EngineProjectID: "p-1", CreatedAt: stale, UpdatedAt: stale})
	h.seed(t, domain.Job{ID: "job-live"})

	result, err := h.processor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Abandoned != 1 || result.Released != 1 {
		t.Fatalf("unexpected sweep result %+v", result)
	}
	if job := h.job(t, "job-stale"); job.Status != domain.JobStatusFailed || !job.ResourcesReleased {
		t.Fatalf("expected stale job failed and released, got %+v", job)
	}
	if job := h.job(t, "job-live"); job.Status != domain.JobStatusProcessing {
		t.Fatalf("expected live job untouched, got %s", job.Status)
	}
}

func TestReuseKey(t *testing.T) {
	got := reuseKey("Promo Reel/2026")
	if !strings.HasPrefix(got, "tpl-promo_reel_2026-") || len(got) != len("tpl-promo_reel_2026-")+8 {
		t.Fatalf("reuseKey() = %q", got)
	}
	if reuseKey("Promo Reel/2026") != got {
		t.Fatal("reuseKey must be stable")
	}
}

func TestReuseKeyKeepsSimilarTemplatesApart(t *testing.T) {
	pairs := [][2]string{
		{"Promo", "promo"},
		{"promo.v2", "promo_v2"},
		{"promo v2", "promo/v2"},
	}
	for _, pair := range pairs {
		if reuseKey(pair[0]) == reuseKey(pair[1]) {
			t.Fatalf("templates %q and %q share reuse key %q", pair[0], pair[1], reuseKey(pair[0]))
		}
	}
}

func TestProcessDoesNotReuseProjectOfSimilarTemplate(t *testing.T) {
	h := newHarness(t,
		catalog.Template{ID: "promo.v2", Name: "Promo v2", SourceArchiveURL: "https://cdn.example.com/templates/promo.v2.zip"},
		catalog.Template{ID: "promo_v2", Name: "Promo v2 alt", SourceArchiveURL: "https://cdn.example.com/templates/promo_v2.zip"},
	)
	h.engine.projects = []engine.Project{
		{ID: "p-of-promo.v2", Name: reuseKey("promo.v2") + ".aaaa", Ready: true, CreatedAt: time.Now()},
	}
	h.seed(t, domain.Job{ID: "job-1", TemplateID: "promo_v2", Parameters: map[string]string{}})

	job, err := h.processor.Process(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.EngineProjectID != "p-new" {
		t.Fatalf("expected a fresh project, got %s", job.EngineProjectID)
	}
	if len(h.engine.createNames) != 1 || !strings.HasPrefix(h.engine.createNames[0], reuseKey("promo_v2")+".") {
		t.Fatalf("unexpected created projects: %v", h.engine.createNames)
	}
}

func TestProcessResumesRecordedProject(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Job{ID: "job-1", EngineProjectID: "p-earlier"})

	job, err := h.processor.Process(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.Status != domain.JobStatusCompleted || job.EngineProjectID != "p-earlier" {
		t.Fatalf("expected completion on the recorded project, got %+v", job)
	}
	if n := h.engine.count("list") + h.engine.count("create"); n != 0 {
		t.Fatalf("expected no project acquisition, got calls %v", h.engine.calls)
	}
	if len(h.engine.deletedProject) != 1 || h.engine.deletedProject[0] != "p-earlier" {
		t.Fatalf("expected recorded project released, got %v", h.engine.deletedProject)
	}
}

func TestProcessResumesRecordedRender(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Job{ID: "job-1", EngineProjectID: "p-earlier", EngineRenderID: "r-1"})

	job, err := h.processor.Process(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.Status != domain.JobStatusCompleted || job.EngineRenderID != "r-1" {
		t.Fatalf("expected completion from the recorded render, got %+v", job)
	}
	if n := h.engine.count("bind") + h.engine.count("start"); n != 0 {
		t.Fatalf("expected no new render, got calls %v", h.engine.calls)
	}
}

func TestProcessReplacesVanishedProject(t *testing.T) {
	h := newHarness(t)
	h.engine.waitProject = func(id string) (engine.Project, error) {
		if id == "p-gone" {
			return engine.Project{}, &engine.RequestError{Op: "get project", StatusCode: http.StatusNotFound}
		}
		return engine.Project{ID: id, Ready: true}, nil
	}
	h.seed(t, domain.Job{ID: "job-1", EngineProjectID: "p-gone", EngineRenderID: "r-old"})

	job, err := h.processor.Process(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.EngineProjectID != "p-new" || job.EngineRenderID != "r-1" {
		t.Fatalf("expected replacement engine ids, got project=%s render=%s", job.EngineProjectID, job.EngineRenderID)
	}
	if n := h.engine.count("create"); n != 1 {
		t.Fatalf("expected one project creation, got %d", n)
	}
	if len(h.engine.deletedRender) == 0 || h.engine.deletedRender[0] != "r-old" {
		t.Fatalf("expected earlier render released before replacement, got %v", h.engine.deletedRender)
	}
}

func TestProcessRedeliveredJobKeepsEngineResources(t *testing.T) {
	h := newHarness(t)
	h.seed(t, domain.Job{ID: "job-1"})

	// The first attempt stops while waiting on the render, as a crashed
	// worker would. The record it leaves behind is delivered again.
	var interrupted domain.Job
	attempts := 0
	h.engine.waitRender = func(id string) (engine.Render, error) {
		attempts++
		if attempts == 1 {
			interrupted, _, _ = h.jobs.Get(context.Background(), "job-1")
			return engine.Render{}, errors.New("worker stopped")
		}
		return h.engine.render, nil
	}
	if _, err := h.processor.Process(context.Background(), "job-1"); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	if interrupted.EngineProjectID != "p-new" || interrupted.EngineRenderID != "r-1" {
		t.Fatalf("expected engine ids recorded before the wait, got %+v", interrupted)
	}

	retry := newHarness(t)
	retry.processor.engine = h.engine
	retry.seed(t, interrupted)

	job, err := retry.processor.Process(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if job.Status != domain.JobStatusCompleted || job.EngineProjectID != "p-new" || job.EngineRenderID != "r-1" {
		t.Fatalf("unexpected job after redelivery: %+v", job)
	}
	if n := h.engine.count("create"); n != 1 {
		t.Fatalf("expected the project created once across attempts, got %d", n)
	}
	if n := h.engine.count("start"); n != 1 {
		t.Fatalf("expected the render submitted once across attempts, got %d", n)
	}
	if len(h.engine.deletedProject) != 1 || h.engine.deletedProject[0] != "p-new" {
		t.Fatalf("expected the recorded project released, got %v", h.engine.deletedProject)
	}

	// A terminal job delivered again is left alone.
	calls := len(h.engine.calls)
	if _, err := retry.processor.Process(context.Background(), "job-1"); err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if len(h.engine.calls) != calls {
		t.Fatalf("expected no engine calls for a terminal job, got %v", h.engine.calls[calls:])
	}
}

func TestTransferArtifactsReportsFallbacks(t *testing.T) {
	h := newHarness(t)
	h.transfer.videoErr = errors.New("download reset")
	render := engine.Render{
		ID:            "r-1",
		Output:        "https://engine.example.com/tmp/r-1.mp4",
		ThumbnailURIs: []string{"https://engine.example.com/tmp/0.jpg"},
	}

	output, thumbs, err := h.processor.transferArtifacts(context.Background(), zerolog.Nop(), domain.Job{ID: "job-1"}, render)
	if err == nil || !strings.Contains(err.Error(), "download reset") {
		t.Fatalf("expected fallback reported, got %v", err)
	}
	if output != render.Output || len(thumbs) != 1 || !strings.HasPrefix(thumbs[0], "https://cdn.example.com/") {
		t.Fatalf("unexpected artifacts output=%s thumbs=%v", output, thumbs)
	}

	h.transfer.videoErr = nil
	if _, _, err := h.processor.transferArtifacts(context.Background(), zerolog.Nop(), domain.Job{ID: "job-1"}, render); err != nil {
		t.Fatalf("expected clean transfer, got %v", err)
	}
}
