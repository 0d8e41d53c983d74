package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/dunamismax/renderflow/internal/domain"
	"github.com/rs/zerolog"
)

type RunFunc func(ctx context.Context, jobID string) error

// LocalDispatcher runs admitted jobs on goroutines in this process. Errors are
// logged where the goroutine is spawned; the caller never waits for them.
type LocalDispatcher struct {
	base   context.Context
	logger zerolog.Logger

	mu  sync.RWMutex
	run RunFunc
	wg  sync.WaitGroup
}

// NewLocalDispatcher runs jobs under base, which should live as long as the process.
func NewLocalDispatcher(base context.Context, logger zerolog.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		base:   base,
		logger: logger.With().Str("component", "local_dispatcher").Logger(),
	}
}

// Handle sets the function that runs each job.
func (d *LocalDispatcher) Handle(run RunFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.run = run
}

func (d *LocalDispatcher) Dispatch(_ context.Context, job domain.Job) error {
	d.mu.RLock()
	run := d.run
	d.mu.RUnlock()
	if run == nil {
		return errors.New("local dispatcher has no handler")
	}

	d.wg.Add(1)
	go func(jobID string) {
		defer d.wg.Done()
		if err := run(d.base, jobID); err != nil {
			d.logger.Error().Err(err).Str("job_id", jobID).Msg("background render failed")
		}
	}(job.ID)
	return nil
}

// Wait blocks until every dispatched job has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
