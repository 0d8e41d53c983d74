package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestRenderTaskRoundTrip(t *testing.T) {
	payload := RenderPayload{
		JobID:       "job-123",
		Tier:        "pro",
		Sample:      true,
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewRenderTask(payload)
	if err != nil {
		t.Fatalf("NewRenderTask returned error: %v", err)
	}
	if task.Type() != TypeRenderProcess {
		t.Fatalf("expected task type %s, got %s", TypeRenderProcess, task.Type())
	}

	parsed, err := ParseRenderPayload(task)
	if err != nil {
		t.Fatalf("ParseRenderPayload returned error: %v", err)
	}
	if parsed.JobID != payload.JobID || parsed.Tier != "pro" || !parsed.Sample {
		t.Fatalf("unexpected payload %+v", parsed)
	}
}

func TestRenderTaskRequiresJobID(t *testing.T) {
	if _, err := NewRenderTask(RenderPayload{}); err == nil {
		t.Fatal("expected error for empty job id")
	}
	if _, err := ParseRenderPayload(asynq.NewTask(TypeRenderProcess, []byte(`{}`))); err == nil {
		t.Fatal("expected error for payload without job id")
	}
	if _, err := ParseRenderPayload(asynq.NewTask(TypeRenderProcess, []byte(`not json`))); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestSweepTaskType(t *testing.T) {
	if NewSweepTask().Type() != TypeRenderSweep {
		t.Fatal("unexpected sweep task type")
	}
}
