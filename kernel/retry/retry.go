// Package retry wraps fallible operations with bounded
// exponential-backoff retry.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config controls retry behavior.
type Config struct {
	// BaseDelay seeds the backoff: the wait before attempt k (k >= 2)
	// is BaseDelay * 2^(k-1).
	BaseDelay time.Duration
	// MaxRetries bounds additional attempts after the first. Zero
	// means exactly one attempt.
	MaxRetries int
	// Logger receives one diagnostic line per retry. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the retry configuration used when the caller
// provides none.
func DefaultConfig() Config {
	return Config{BaseDelay: 250 * time.Millisecond, MaxRetries: 3}
}

// ExhaustedError reports that every attempt failed. It wraps the last
// underlying error so callers can inspect it without the intermediate
// attempts leaking into the message.
type ExhaustedError struct {
	Retries int
	Last    error
}

func (e *ExhaustedError) Error() string {
	if e == nil {
		return "retry: exhausted"
	}
	last := ""
	if e.Last != nil {
		last = e.Last.Error()
	}
	return fmt.Sprintf("retry: failed after %d retries: last error: %s", e.Retries, last)
}

func (e *ExhaustedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Last
}

// IsExhausted reports whether err is a retry exhaustion.
func IsExhausted(err error) bool {
	var target *ExhaustedError
	return errors.As(err, &target)
}

// Do runs op with bounded exponential-backoff retry. A false
// shouldRetry verdict stops immediately and returns the error as-is.
// Context cancellation, observed either from op or during a backoff
// wait, is terminal and never retried. Panics inside op are converted
// to errors so a misbehaving operation cannot tear down the caller.
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error), shouldRetry func(error) bool) (T, error) {
	var zero T
	if op == nil {
		return zero, fmt.Errorf("retry: operation is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(cfg.BaseDelay, attempt)
			logger.Warn("retrying operation",
				"attempt", attempt,
				"max_attempts", maxRetries+1,
				"delay", delay,
				"error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
		out, err := runGuarded(ctx, op)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Retries: maxRetries, Last: lastErr}
}

func runGuarded[T any](ctx context.Context, op func(context.Context) (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry: operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

// DelayBefore returns the backoff wait preceding the given attempt
// under this configuration (attempt numbering starts at 1).
func (c Config) DelayBefore(attempt int) time.Duration {
	return backoffDelay(c.BaseDelay, attempt)
}

// backoffDelay returns the wait before the given attempt (attempt
// numbering starts at 1; the first attempt never waits).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 2 {
		return 0
	}
	delay := base
	for i := 0; i < attempt-1; i++ {
		delay *= 2
	}
	return delay
}
