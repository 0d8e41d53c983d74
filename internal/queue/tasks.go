package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeRenderProcess = "render:process"
	TypeRenderSweep   = "render:sweep"
)

type RenderPayload struct {
	JobID       string    `json:"job_id"`
	Tier        string    `json:"tier,omitempty"`
	Sample      bool      `json:"sample,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewRenderTask(payload RenderPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" {
		return nil, errors.New("render payload requires job_id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRenderProcess, body), nil
}

func ParseRenderPayload(task *asynq.Task) (RenderPayload, error) {
	var payload RenderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderPayload{}, fmt.Errorf("unmarshal render payload: %w", err)
	}
	if strings.TrimSpace(payload.JobID) == "" {
		return RenderPayload{}, errors.New("render payload missing job_id")
	}
	return payload, nil
}

func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeRenderSweep, nil)
}
