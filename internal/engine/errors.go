package engine

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrTimeout = errors.New("engine wait timed out")

// RequestError is any failed call to the engine API, including transport
// failures (StatusCode 0) and requests rejected before they were sent.
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("engine %s: status=%d body=%s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("engine %s: status=%d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func (e *RequestError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Retryable reports whether the failure looks transient (transport error,
// throttling or a server-side error).
func (e *RequestError) Retryable() bool {
	if e.StatusCode == 0 {
		return e.Err != nil && !errors.Is(e.Err, errInvalidRequest)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

var errInvalidRequest = errors.New("invalid request")

func IsNotFound(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.NotFound()
}

type TimeoutError struct {
	Resource  string
	ID        string
	LastState string
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("engine %s %s not ready after %s (last state %q)", e.Resource, e.ID, e.Waited, e.LastState)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type AnalysisError struct {
	ProjectID string
	Reason    string
}

func (e *AnalysisError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("engine project %s analysis failed", e.ProjectID)
	}
	return fmt.Sprintf("engine project %s analysis failed: %s", e.ProjectID, e.Reason)
}

type RenderFailedError struct {
	RenderID string
	State    string
	Reason   string
}

func (e *RenderFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("engine render %s ended in state %s", e.RenderID, e.State)
	}
	return fmt.Sprintf("engine render %s ended in state %s: %s", e.RenderID, e.State, e.Reason)
}

type NoCompositionError struct {
	ProjectID string
}

func (e *NoCompositionError) Error() string {
	return fmt.Sprintf("engine project %s has no composition to render", e.ProjectID)
}
