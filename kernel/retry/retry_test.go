package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	out, err := Do(context.Background(), Config{BaseDelay: time.Millisecond, MaxRetries: 3}, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", fmt.Errorf("transient %d", attempts)
		}
		return "ok", nil
	}, nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected result %q", out)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsWhenShouldRetrySaysNo(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	_, err := Do(context.Background(), Config{BaseDelay: time.Millisecond, MaxRetries: 3}, func(context.Context) (int, error) {
		attempts++
		return 0, permanent
	}, func(error) bool { return false })
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error surfaced as-is, got %v", err)
	}
	if IsExhausted(err) {
		t.Fatalf("permanent error must not be wrapped as exhaustion")
	}
	if attempts != 1 {
		t.Fatalf("expected single attempt, got %d", attempts)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	last := errors.New("still failing")
	attempts := 0
	_, err := Do(context.Background(), Config{BaseDelay: time.Millisecond, MaxRetries: 2}, func(context.Context) (int, error) {
		attempts++
		return 0, last
	}, nil)
	if attempts != 3 {
		t.Fatalf("expected maxRetries+1 attempts, got %d", attempts)
	}
	if !IsExhausted(err) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Retries != 2 {
		t.Fatalf("unexpected exhaustion detail: %v", err)
	}
	if !errors.Is(err, last) {
		t.Fatalf("exhaustion must wrap the last error")
	}
}

func TestDoBackoffDoubles(t *testing.T) {
	base := 20 * time.Millisecond
	start := time.Now()
	_, err := Do(context.Background(), Config{BaseDelay: base, MaxRetries: 2}, func(context.Context) (int, error) {
		return 0, errors.New("nope")
	}, nil)
	if !IsExhausted(err) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	// Waits before attempts 2 and 3: 2*base + 4*base.
	if elapsed := time.Since(start); elapsed < 6*base {
		t.Fatalf("backoff too short: %v", elapsed)
	}
}

func TestDoCancellationIsTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := Do(ctx, Config{BaseDelay: time.Millisecond, MaxRetries: 5}, func(context.Context) (int, error) {
		attempts++
		cancel()
		return 0, context.Canceled
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("cancellation must not be retried, got %d attempts", attempts)
	}
}

func TestDoRecoversPanic(t *testing.T) {
	attempts := 0
	out, err := Do(context.Background(), Config{BaseDelay: time.Millisecond, MaxRetries: 1}, func(context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			panic("kaboom")
		}
		return 7, nil
	}, nil)
	if err != nil {
		t.Fatalf("expected recovery then success, got %v", err)
	}
	if out != 7 || attempts != 2 {
		t.Fatalf("unexpected outcome out=%d attempts=%d", out, attempts)
	}
}

func TestDelayBefore(t *testing.T) {
	cfg := Config{BaseDelay: 100 * time.Millisecond}
	if got := cfg.DelayBefore(1); got != 0 {
		t.Fatalf("first attempt must not wait, got %v", got)
	}
	if got := cfg.DelayBefore(2); got != 200*time.Millisecond {
		t.Fatalf("unexpected delay before attempt 2: %v", got)
	}
	if got := cfg.DelayBefore(3); got != 400*time.Millisecond {
		t.Fatalf("unexpected delay before attempt 3: %v", got)
	}
}
