package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()
	var attempts []int
	err := Retry(context.Background(), RetryConfig{
		Name:      "connect",
		Attempts:  3,
		Backoff:   time.Millisecond,
		OnAttempt: func(n int) { attempts = append(attempts, n) },
	}, func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	t.Parallel()
	calls := 0
	start := time.Now()
	err := Retry(context.Background(), RetryConfig{Attempts: 3, Backoff: 5 * time.Millisecond, Factor: 2},
		func(context.Context, int) error {
			calls++
			return errTest
		})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want wrapped errTest", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	// Waits of 5ms then 10ms; no wait after the last attempt.
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 15ms of backoff", elapsed)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryConfig{Attempts: 5, Backoff: time.Hour}, func(context.Context, int) error {
		calls++
		cancel()
		return errTest
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_AttemptTimeout(t *testing.T) {
	t.Parallel()
	err := Retry(context.Background(), RetryConfig{Attempts: 1, AttemptTimeout: 5 * time.Millisecond},
		func(ctx context.Context, _ int) error {
			<-ctx.Done()
			return ctx.Err()
		})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
