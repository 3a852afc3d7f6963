package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is wrapped around the last error when every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Retry stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// RetryHook observes a failed attempt before the backoff sleep.
type RetryHook func(attempt int, delay time.Duration, err error)

// Retry runs fn until it succeeds, returns a permanent error, ctx ends, or
// maxAttempts have failed. fn receives the 1-indexed attempt number. The
// returned count is the number of attempts made.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error, onRetry RetryHook) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		if err := Sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}

	return maxAttempts, errors.Join(ErrAttemptsExhausted, lastErr)
}
