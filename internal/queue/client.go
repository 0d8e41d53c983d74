package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/renderflow/internal/domain"
	"github.com/hibiken/asynq"
)

// Client enqueues admitted jobs for the worker fleet.
type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewClient builds an enqueuer. taskTimeout bounds one render task end to end
// and should exceed the engine wait ceilings combined.
func NewClient(redisOpt asynq.RedisClientOpt, queueName string, taskTimeout time.Duration) *Client {
	if taskTimeout <= 0 {
		taskTimeout = time.Hour
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: taskTimeout,
	}
}

// Dispatch enqueues the render task. The job id doubles as the task id, so a
// repeated dispatch for the same job is a no-op.
func (c *Client) Dispatch(ctx context.Context, job domain.Job) error {
	task, err := NewRenderTask(RenderPayload{
		JobID:       job.ID,
		Tier:        job.Tier,
		Sample:      job.Sample,
		RequestedAt: job.CreatedAt,
	})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(job.ID),
		asynq.MaxRetry(2),
		asynq.Timeout(c.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue render task: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
