package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/renderflow/internal/domain"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrStatusConflict = errors.New("job status conflict")
)

// JobStore persists Job Records. Implementations serialize updates per job id.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	Update(ctx context.Context, id string, patch domain.JobPatch) (domain.Job, error)
	Query(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
}

func wrapApplyError(err error) error {
	var mismatch *domain.StatusMismatchError
	if errors.As(err, &mismatch) {
		return fmt.Errorf("%w: %w", ErrStatusConflict, err)
	}
	return err
}
