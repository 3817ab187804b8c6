// Package retry provides bounded-backoff retry logic for external HTTP calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	gwerrors "github.com/jokim1/clawtalk-gateway/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	// Linear switches from exponential doubling to BaseDelay*attempt.
	Linear bool
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// ForwardConfig matches the host-forwarding contract: one attempt plus two
// retries with base-500ms linear backoff, no jitter.
func ForwardConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Linear:      true,
	}
}

// Do executes fn with backoff. Only retries if the error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !gwerrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		var delay time.Duration
		if cfg.Linear {
			delay = cfg.BaseDelay * time.Duration(attempt+1)
		} else {
			delay = time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		if cfg.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
