package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
)

// WithTimeout runs fn with a context cancelled after timeout. A run that
// overshoots returns an error wrapping both apperrors.ErrTimeout and
// context.DeadlineExceeded; cancellation of ctx itself is returned as is.
// fn keeps running in the background until it observes its context.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()
	select {
	case err := <-done:
		// A failure caused by the deadline is reported as a timeout.
		if err == nil || timeoutCtx.Err() == nil {
			return err
		}
	case <-timeoutCtx.Done():
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: cancelled: %w", name, err)
	}
	return fmt.Errorf("%s: %w after %s: %w", name, apperrors.ErrTimeout, timeout, context.DeadlineExceeded)
}
