package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/renderflow/internal/domain"
	"github.com/rs/zerolog"
)

const (
	HeaderSignature = "X-Renderflow-Signature"
	HeaderTimestamp = "X-Renderflow-Timestamp"
	HeaderEvent     = "X-Renderflow-Event"

	EventRenderCompleted = "render.completed"
	EventRenderFailed    = "render.failed"
)

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         zerolog.Logger
}

// RenderEvent is the body posted when a render job reaches a terminal state.
type RenderEvent struct {
	JobID         string    `json:"job_id"`
	TemplateID    string    `json:"template_id"`
	Status        string    `json:"status"`
	Sample        bool      `json:"sample"`
	OutputURL     string    `json:"output_url,omitempty"`
	ThumbnailURLs []string  `json:"thumbnail_urls,omitempty"`
	Error         string    `json:"error,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 1 * time.Second
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initialBackoff {
		maxBackoff = initialBackoff
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		logger:         logger.With().Str("component", "webhook").Logger(),
	}
}

// NotifyJob posts the terminal state of job to its webhook URL. Jobs without
// a URL and jobs that are still running are skipped.
func (c *Client) NotifyJob(ctx context.Context, job domain.Job) error {
	if strings.TrimSpace(job.WebhookURL) == "" || !job.Terminal() {
		return nil
	}

	event := EventRenderCompleted
	if job.Status == domain.JobStatusFailed {
		event = EventRenderFailed
	}
	return c.Send(ctx, job.WebhookURL, event, RenderEvent{
		JobID:         job.ID,
		TemplateID:    job.TemplateID,
		Status:        job.Status,
		Sample:        job.Sample,
		OutputURL:     job.OutputURL,
		ThumbnailURLs: job.ThumbnailURLs,
		Error:         job.ErrorMessage,
		FinishedAt:    job.UpdatedAt,
	})
}

func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	signature := c.sign(timestamp, body)

	deliver := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderEvent, event)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return struct{}{}, nil
		}
		return struct{}{}, classifyStatus(resp)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialBackoff
	eb.MaxInterval = c.maxBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	_, err = backoff.Retry(ctx, deliver,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug().Err(err).Str("event", event).Dur("retry_in", next).Msg("webhook delivery retry")
		}),
	)
	if err != nil {
		return fmt.Errorf("webhook delivery failed after %d attempts: %w", c.maxAttempts, err)
	}
	return nil
}

func (c *Client) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// classifyStatus stops retries on client errors other than 408 and 429.
func classifyStatus(resp *http.Response) error {
	err := fmt.Errorf("webhook returned status=%d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
