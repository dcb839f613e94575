// Package backoff provides exponential backoff calculation and a retry loop
// built on it.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// permanentError stops Retry early.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn up to retries+1 times, sleeping Exponential(attempt) between
// calls. It stops on success, on an error wrapped with Permanent, or when ctx
// is done.
func Retry(ctx context.Context, retries int, cfg *Config, fn func(ctx context.Context) error) error {
	return RetryNotify(ctx, retries, cfg, fn, nil)
}

// RetryNotify is Retry with a hook invoked before every retry attempt.
func RetryNotify(ctx context.Context, retries int, cfg *Config, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	var lastErr error
	for attempt := range retries + 1 {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Exponential(attempt, cfg)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}
