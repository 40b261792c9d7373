package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// Name labels log lines.
	Name string

	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// Backoff is the wait after the first failure. Default: 1s.
	Backoff time.Duration

	// Factor multiplies the wait after each further failure. Default: 2.
	Factor float64

	// MaxBackoff caps the wait. Zero means no cap.
	MaxBackoff time.Duration

	// AttemptTimeout, if positive, bounds each try with its own deadline.
	AttemptTimeout time.Duration

	// OnAttempt, if set, is called before every try with its 1-based number.
	OnAttempt func(attempt int)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Factor < 1 {
		c.Factor = 2
	}
	return c
}

// Retry calls fn until it succeeds, the attempts are spent or ctx is done.
// The wait between tries grows exponentially. The last error is returned
// wrapped with the attempt count.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	cfg = cfg.withDefaults()
	wait := cfg.Backoff

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt)
		}

		lastErr = runAttempt(ctx, cfg.AttemptTimeout, attempt, fn)
		if lastErr == nil {
			return nil
		}
		slog.Warn("attempt failed", "name", cfg.Name, "attempt", attempt, "max_attempts", cfg.Attempts, "err", lastErr)
		if attempt == cfg.Attempts {
			break
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait = time.Duration(float64(wait) * cfg.Factor)
		if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
			wait = cfg.MaxBackoff
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", cfg.Name, cfg.Attempts, lastErr)
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) error) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx, attempt)
}
