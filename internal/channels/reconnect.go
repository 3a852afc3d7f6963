package channels

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/wagate/internal/backoff"
	"github.com/haasonsaas/wagate/pkg/models"
)

// ReconnectConfig controls supervised connect retries.
type ReconnectConfig struct {
	MaxAttempts int
	Policy      backoff.Policy
}

// DefaultReconnectConfig returns a baseline reconnection config.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts: 5,
		Policy:      backoff.DefaultPolicy(),
	}
}

// Reconnector runs a connect function with bounded, observable retries.
type Reconnector struct {
	Config ReconnectConfig
	Logger *slog.Logger

	// OnRetry is called after each failed attempt that will be retried.
	OnRetry func(models.RetryState)
}

// Run calls connect until it succeeds, fails permanently, ctx ends, or the
// attempt budget is spent. Non-retryable client errors stop immediately.
func (r *Reconnector) Run(ctx context.Context, connect func(context.Context) error) error {
	if connect == nil {
		return errors.New("reconnector: connect func is nil")
	}
	cfg := r.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultReconnectConfig().MaxAttempts
	}

	_, err := backoff.Retry(ctx, cfg.Policy, cfg.MaxAttempts, func(attempt int) error {
		err := connect(ctx)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, func(attempt int, delay time.Duration, err error) {
		if r.Logger != nil {
			r.Logger.Warn("connect attempt failed",
				"attempt", attempt,
				"max_attempts", cfg.MaxAttempts,
				"retry_in", delay,
				"error", err)
		}
		if r.OnRetry != nil {
			r.OnRetry(models.RetryState{
				Attempt:       attempt,
				MaxAttempts:   cfg.MaxAttempts,
				NextAttemptAt: time.Now().Add(delay),
				LastError:     err.Error(),
			})
		}
	})
	return err
}
