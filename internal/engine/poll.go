package engine

import (
	"context"
	"errors"
	"time"
)

var errPollDeadline = errors.New("poll deadline reached")

// poll calls fetch on a fixed interval until it reports done, returns an
// error, or maxWait elapses. The last fetch happens at the deadline.
func poll[T any](ctx context.Context, interval, maxWait time.Duration, fetch func(context.Context) (T, bool, error)) (T, error) {
	deadline := time.Now().Add(maxWait)
	for {
		value, done, err := fetch(ctx)
		if err != nil || done {
			return value, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return value, errPollDeadline
		}

		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}
