package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	RenderStateQueued     = "QUEUED"
	RenderStatePending    = "PENDING"
	RenderStateThrottled  = "THROTTLED"
	RenderStateInProgress = "IN_PROGRESS"
	RenderStateDone       = "DONE"
	RenderStateFailed     = "FAILED"
	RenderStateInvalid    = "INVALID"
	RenderStateCancelled  = "CANCELLED"
)

type RenderRequest struct {
	ProjectID  string            `json:"projectId"`
	TemplateID string            `json:"templateId,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Options    *RenderOptions    `json:"options,omitempty"`
}

type RenderOptions struct {
	Draft      bool              `json:"draft,omitempty"`
	Thumbnails *ThumbnailOptions `json:"thumbnails,omitempty"`
}

type ThumbnailOptions struct {
	Format           string    `json:"format"`
	FrequencySeconds int       `json:"frequencySeconds,omitempty"`
	AtSeconds        []float64 `json:"atSeconds,omitempty"`
}

// SampleOptions asks for a draft render that also extracts still frames.
func SampleOptions() *RenderOptions {
	return &RenderOptions{
		Draft: true,
		Thumbnails: &ThumbnailOptions{
			Format:           "JPG",
			FrequencySeconds: 5,
		},
	}
}

type Render struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"projectId,omitempty"`
	TemplateID    string       `json:"templateId,omitempty"`
	State         string       `json:"state"`
	Output        string       `json:"output,omitempty"`
	ThumbnailURIs []string     `json:"thumbnailUris,omitempty"`
	Error         *RenderIssue `json:"error,omitempty"`
}

// UnmarshalJSON accepts numeric render and project ids.
func (r *Render) UnmarshalJSON(data []byte) error {
	type plain Render
	var raw struct {
		plain
		ID        flexibleID `json:"id"`
		ProjectID flexibleID `json:"projectId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Render(raw.plain)
	r.ID = string(raw.ID)
	r.ProjectID = string(raw.ProjectID)
	return nil
}

type RenderIssue struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (r Render) IsDone() bool {
	return strings.EqualFold(r.State, RenderStateDone)
}

func (r Render) IsFailed() bool {
	switch strings.ToUpper(r.State) {
	case RenderStateFailed, RenderStateInvalid, RenderStateCancelled:
		return true
	default:
		return false
	}
}

func (r Render) IsTerminal() bool {
	return r.IsDone() || r.IsFailed()
}

func (r Render) failure() *RenderFailedError {
	reason := ""
	if r.Error != nil {
		reason = strings.TrimSpace(r.Error.Message)
		if reason == "" {
			reason = r.Error.Code
		}
	}
	return &RenderFailedError{RenderID: r.ID, State: r.State, Reason: reason}
}

// StartRender submits a render. An empty TemplateID renders the project with
// engine defaults, which is how sample renders are produced.
func (c *Client) StartRender(ctx context.Context, req RenderRequest) (Render, error) {
	const op = "start render"
	if strings.TrimSpace(req.ProjectID) == "" {
		return Render{}, &RequestError{Op: op, Err: fmt.Errorf("%w: project id is required", errInvalidRequest)}
	}

	var render Render
	if err := c.doJSON(ctx, op, http.MethodPost, "/renders", req, &render); err != nil {
		return Render{}, err
	}
	if render.ID == "" {
		return Render{}, &RequestError{Op: op, Err: errors.New("response missing render id")}
	}

	c.logger.Info().
		Str("engine_project_id", req.ProjectID).
		Str("engine_template_id", req.TemplateID).
		Str("engine_render_id", render.ID).
		Msg("engine render submitted")
	return render, nil
}

func (c *Client) GetRenderStatus(ctx context.Context, renderID string) (Render, error) {
	var render Render
	if err := c.doJSON(ctx, "get render", http.MethodGet, "/renders/"+pathID(renderID), nil, &render); err != nil {
		return Render{}, err
	}
	return render, nil
}

// WaitForRender polls until the render is done, has failed, or maxWait elapses.
func (c *Client) WaitForRender(ctx context.Context, renderID string, maxWait time.Duration) (Render, error) {
	render, err := poll(ctx, c.pollInterval, maxWait, func(ctx context.Context) (Render, bool, error) {
		render, err := c.GetRenderStatus(ctx, renderID)
		if err != nil {
			return Render{}, false, err
		}
		if render.IsFailed() {
			return render, false, render.failure()
		}
		return render, render.IsDone(), nil
	})
	if errors.Is(err, errPollDeadline) {
		return render, &TimeoutError{Resource: "render", ID: renderID, LastState: render.State, Waited: maxWait}
	}
	return render, err
}

// DeleteRender removes a render. A render that is already gone is not an error.
func (c *Client) DeleteRender(ctx context.Context, renderID string) error {
	err := c.doJSON(ctx, "delete render", http.MethodDelete, "/renders/"+pathID(renderID), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}
