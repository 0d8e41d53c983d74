package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSampling   = "sampling"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"

	DefaultTier = "free"
)

var (
	ErrTerminalJob       = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// ActiveStatuses are the statuses that hold a render slot.
var ActiveStatuses = []string{JobStatusProcessing, JobStatusSampling}

type Job struct {
	ID                string
	TemplateID        string
	UserID            string
	Tier              string
	Sample            bool
	Status            string
	QueuePosition     *int
	EngineProjectID   string
	EngineRenderID    string
	Parameters        map[string]string
	OutputURL         string
	ThumbnailURLs     []string
	ErrorMessage      string
	WebhookURL        string
	ResourcesReleased bool
	CreatedAt         time.Time
	StartedAt         *time.Time
	UpdatedAt         time.Time
}

func (j Job) Terminal() bool {
	return IsTerminal(j.Status)
}

func (j Job) Active() bool {
	return IsActive(j.Status)
}

// ActiveStatus is the in-flight status the job runs under.
func (j Job) ActiveStatus() string {
	if j.Sample {
		return JobStatusSampling
	}
	return JobStatusProcessing
}

func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

func IsActive(status string) bool {
	return slices.Contains(ActiveStatuses, status)
}

func ValidStatus(status string) bool {
	switch status {
	case JobStatusQueued, JobStatusProcessing, JobStatusSampling, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	switch {
	case !ValidStatus(to):
		return false
	case from == JobStatusQueued:
		return to == JobStatusProcessing || to == JobStatusSampling || to == JobStatusFailed
	case IsActive(from):
		return to != JobStatusQueued
	default:
		return false
	}
}

// JobPatch is a partial update. Nil fields are left untouched.
type JobPatch struct {
	ExpectStatus       []string
	Status             *string
	QueuePosition      *int
	ClearQueuePosition bool
	EngineProjectID    *string
	EngineRenderID     *string
	OutputURL          *string
	ThumbnailURLs      []string
	ErrorMessage       *string
	StartedAt          *time.Time
	ResourcesReleased  *bool
}

// StatusMismatchError is returned by Apply when ExpectStatus does not hold.
type StatusMismatchError struct {
	JobID    string
	Current  string
	Expected []string
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("job %s has status %s, expected one of [%s]", e.JobID, e.Current, strings.Join(e.Expected, ","))
}

// Apply validates patch against the current record and returns the updated copy.
func (j Job) Apply(patch JobPatch, now time.Time) (Job, error) {
	if len(patch.ExpectStatus) > 0 && !slices.Contains(patch.ExpectStatus, j.Status) {
		return Job{}, &StatusMismatchError{JobID: j.ID, Current: j.Status, Expected: patch.ExpectStatus}
	}

	next := j
	if patch.Status != nil && *patch.Status != j.Status {
		if j.Terminal() {
			return Job{}, fmt.Errorf("%w: job %s is %s", ErrTerminalJob, j.ID, j.Status)
		}
		if !CanTransition(j.Status, *patch.Status) {
			return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, *patch.Status)
		}
		next.Status = *patch.Status
	}
	if j.Terminal() && touchesRenderFields(patch) {
		return Job{}, fmt.Errorf("%w: job %s is %s", ErrTerminalJob, j.ID, j.Status)
	}

	if patch.QueuePosition != nil {
		pos := *patch.QueuePosition
		next.QueuePosition = &pos
	}
	if patch.ClearQueuePosition || next.Status != JobStatusQueued {
		next.QueuePosition = nil
	}
	if patch.EngineProjectID != nil {
		next.EngineProjectID = *patch.EngineProjectID
	}
	if patch.EngineRenderID != nil {
		next.EngineRenderID = *patch.EngineRenderID
	}
	if patch.OutputURL != nil {
		next.OutputURL = *patch.OutputURL
	}
	if patch.ThumbnailURLs != nil {
		next.ThumbnailURLs = slices.Clone(patch.ThumbnailURLs)
	}
	if patch.ErrorMessage != nil {
		next.ErrorMessage = *patch.ErrorMessage
	}
	if patch.StartedAt != nil {
		started := patch.StartedAt.UTC()
		next.StartedAt = &started
	}
	if patch.ResourcesReleased != nil {
		next.ResourcesReleased = *patch.ResourcesReleased
	}

	switch next.Status {
	case JobStatusCompleted:
		if strings.TrimSpace(next.OutputURL) == "" {
			return Job{}, fmt.Errorf("%w: completed job %s requires output_url", ErrInvalidTransition, j.ID)
		}
		next.ErrorMessage = ""
	case JobStatusFailed:
		if strings.TrimSpace(next.ErrorMessage) == "" {
			return Job{}, fmt.Errorf("%w: failed job %s requires error_message", ErrInvalidTransition, j.ID)
		}
		next.OutputURL = ""
	default:
		next.OutputURL = ""
		next.ErrorMessage = ""
	}

	next.UpdatedAt = now.UTC()
	return next, nil
}

func touchesRenderFields(patch JobPatch) bool {
	return patch.EngineProjectID != nil ||
		patch.EngineRenderID != nil ||
		patch.OutputURL != nil ||
		patch.ThumbnailURLs != nil ||
		patch.ErrorMessage != nil ||
		patch.QueuePosition != nil
}

// JobFilter selects job records. Results are ordered by creation time, oldest first.
type JobFilter struct {
	Statuses          []string
	EngineProjectID   string
	Tier              *string
	ExcludeID         string
	ResourcesReleased *bool
	HasEngineResource bool
	Limit             int
}

func (f JobFilter) Matches(job Job) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, job.Status) {
		return false
	}
	if f.EngineProjectID != "" && job.EngineProjectID != f.EngineProjectID {
		return false
	}
	if f.Tier != nil && job.Tier != *f.Tier {
		return false
	}
	if f.ExcludeID != "" && job.ID == f.ExcludeID {
		return false
	}
	if f.ResourcesReleased != nil && job.ResourcesReleased != *f.ResourcesReleased {
		return false
	}
	if f.HasEngineResource && job.EngineProjectID == "" && job.EngineRenderID == "" {
		return false
	}
	return true
}

func StatusPtr(status string) *string {
	return &status
}

func StringPtr(v string) *string {
	return &v
}

func BoolPtr(v bool) *bool {
	return &v
}
