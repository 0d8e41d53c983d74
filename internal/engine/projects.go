package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Project struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    string          `json:"status,omitempty"`
	Ready     bool            `json:"ready,omitempty"`
	Failed    bool            `json:"failed,omitempty"`
	Analysis  ProjectAnalysis `json:"analysis"`
	CreatedAt time.Time       `json:"createdDate"`
}

// UnmarshalJSON accepts numeric project ids.
func (p *Project) UnmarshalJSON(data []byte) error {
	type plain Project
	var raw struct {
		plain
		ID flexibleID `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Project(raw.plain)
	p.ID = string(raw.ID)
	return nil
}

type ProjectAnalysis struct {
	Pending bool   `json:"pending"`
	Done    bool   `json:"done"`
	Failed  bool   `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// IsReady checks every readiness signal the engine may populate.
func (p Project) IsReady() bool {
	if p.IsFailed() {
		return false
	}
	switch strings.ToUpper(p.Status) {
	case "READY", "ANALYSIS_DONE":
		return true
	}
	return p.Ready || p.Analysis.Done
}

func (p Project) IsFailed() bool {
	switch strings.ToUpper(p.Status) {
	case "FAILED", "ANALYSIS_FAILED":
		return true
	}
	return p.Failed || p.Analysis.Failed
}

func (p Project) State() string {
	switch {
	case p.IsFailed():
		return "failed"
	case p.IsReady():
		return "ready"
	case p.Status != "":
		return strings.ToLower(p.Status)
	default:
		return "analyzing"
	}
}

// CreateProject registers a project from a template archive. The engine
// analyzes the archive asynchronously; use WaitForProject before rendering.
func (c *Client) CreateProject(ctx context.Context, name, archiveURL string) (Project, error) {
	const op = "create project"

	u, err := url.Parse(strings.TrimSpace(archiveURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Project{}, &RequestError{Op: op, Err: fmt.Errorf("%w: archive url must be absolute http(s): %q", errInvalidRequest, archiveURL)}
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if err := writer.WriteField("name", name); err != nil {
		return Project{}, &RequestError{Op: op, Err: fmt.Errorf("%w: write form: %v", errInvalidRequest, err)}
	}
	if err := writer.WriteField("fileUrl", u.String()); err != nil {
		return Project{}, &RequestError{Op: op, Err: fmt.Errorf("%w: write form: %v", errInvalidRequest, err)}
	}
	if err := writer.Close(); err != nil {
		return Project{}, &RequestError{Op: op, Err: fmt.Errorf("%w: close form: %v", errInvalidRequest, err)}
	}

	var project Project
	if err := c.do(ctx, op, http.MethodPost, "/projects", &form, writer.FormDataContentType(), &project); err != nil {
		return Project{}, err
	}
	if project.ID == "" {
		return Project{}, &RequestError{Op: op, Err: errors.New("response missing project id")}
	}

	c.logger.Info().Str("engine_project_id", project.ID).Str("name", name).Msg("engine project created")
	return project, nil
}

func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	if err := c.doJSON(ctx, "get project", http.MethodGet, "/projects/"+pathID(projectID), nil, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.doJSON(ctx, "list projects", http.MethodGet, "/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// WaitForProject polls until the project is ready, has failed analysis, or
// maxWait elapses.
func (c *Client) WaitForProject(ctx context.Context, projectID string, maxWait time.Duration) (Project, error) {
	polls := 0
	project, err := poll(ctx, c.pollInterval, maxWait, func(ctx context.Context) (Project, bool, error) {
		polls++
		project, err := c.GetProject(ctx, projectID)
		if err != nil {
			return Project{}, false, err
		}
		if project.IsFailed() {
			return project, false, &AnalysisError{ProjectID: projectID, Reason: project.Analysis.Error}
		}
		return project, project.IsReady(), nil
	})
	if errors.Is(err, errPollDeadline) {
		return project, &TimeoutError{Resource: "project", ID: projectID, LastState: project.State(), Waited: maxWait}
	}
	if err != nil {
		return project, err
	}

	c.logger.Debug().Str("engine_project_id", projectID).Int("polls", polls).Msg("engine project ready")
	return project, nil
}

// DeleteProject removes a project. A project that is already gone is not an error.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	err := c.doJSON(ctx, "delete project", http.MethodDelete, "/projects/"+pathID(projectID), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}
