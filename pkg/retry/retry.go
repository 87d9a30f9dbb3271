// Package retry runs operations a bounded number of times.
package retry

import (
	"context"
	"errors"
	"time"
)

// Options tunes WithContext.
type Options struct {
	// MaxTries is the attempt ceiling. Values <= 0 mean one attempt.
	MaxTries int

	// Delay is the pause after a failed attempt. Zero retries immediately.
	Delay time.Duration

	// OnRetry, when set, is called after each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// WithContext calls fn until it returns a nil error, the attempt ceiling is
// reached, or ctx is done. It returns the result, the number of attempts made
// and the last error. Context errors from fn are never retried.
func WithContext[T any](ctx context.Context, opts Options, fn func(context.Context) (T, error)) (T, int, error) {
	maxTries := opts.MaxTries
	if maxTries <= 0 {
		maxTries = 1
	}

	var zero T
	var lastErr error
	attempts := 0
	for attempts < maxTries {
		if ctx.Err() != nil {
			return zero, attempts, ctx.Err()
		}
		attempts++
		result, err := fn(ctx)
		if err == nil {
			return result, attempts, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return zero, attempts, err
			}
		}
		lastErr = err
		if attempts < maxTries {
			if opts.OnRetry != nil {
				opts.OnRetry(attempts, err)
			}
			if err := sleep(ctx, opts.Delay); err != nil {
				return zero, attempts, err
			}
		}
	}
	return zero, attempts, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
