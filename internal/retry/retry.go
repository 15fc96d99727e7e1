// Package retry provides bounded retries with exponential backoff and jitter
// for outbound dependency calls. Only transient failures (network errors,
// 5xx, 429, timeouts) are retried; everything else returns immediately.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/threadpulse-io/threadpulse/internal/fault"
)

// Config configures retry behaviour for a dependency.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// 0 or 1 means a single attempt with no retries.
	MaxAttempts int
	// BaseDelay is the delay before the first retry. Jitter drawn from
	// [0, BaseDelay) is added to every wait.
	BaseDelay time.Duration
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
	// Factor is the multiplier applied to the delay after each retry.
	Factor float64
}

// DefaultConfig returns the pipeline defaults: three attempts starting at one
// second, doubling each time.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Factor:      2,
	}
}

// Do runs fn, retrying transient failures until the budget is exhausted.
// The returned error is the last attempt's error wrapped as KindExhausted
// when the budget ran out, or the error as-is when it was not retryable.
// The context cancels both the in-flight call and any backoff wait.
func Do(ctx context.Context, cfg Config, clock clockwork.Clock, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !fault.IsTransient(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(Backoff(cfg, attempt)):
		}
	}

	return fault.Wrap(fault.KindExhausted, lastErr, "retry budget exhausted")
}

// Backoff computes the wait before the retry following the given attempt
// (1-based): base * factor^(attempt-1), capped at MaxDelay, plus jitter
// drawn uniformly from [0, base).
func Backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.BaseDelay > 0 {
		d += rand.Float64() * float64(cfg.BaseDelay)
	}
	return time.Duration(d)
}
