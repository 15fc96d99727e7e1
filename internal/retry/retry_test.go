package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadpulse-io/threadpulse/internal/fault"
)

// fastConfig keeps real-clock waits negligible.
func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Factor:      2,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), clockwork.NewRealClock(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), clockwork.NewRealClock(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &fault.HTTPStatusError{StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_FatalReturnsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("bad credentials")
	err := Do(context.Background(), fastConfig(3), clockwork.NewRealClock(), func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.NotEqual(t, fault.KindExhausted, fault.KindOf(err))
}

func TestDo_ExhaustedBudgetWrapsKind(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), clockwork.NewRealClock(), func(ctx context.Context) error {
		calls++
		return &fault.HTTPStatusError{StatusCode: 500}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, fault.KindExhausted, fault.KindOf(err))

	var httpErr *fault.HTTPStatusError
	assert.ErrorAs(t, err, &httpErr, "last attempt's error stays reachable")
}

func TestDo_ZeroAttemptsMeansSingleTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{}, clockwork.NewRealClock(), func(ctx context.Context) error {
		calls++
		return &fault.HTTPStatusError{StatusCode: 502}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, fault.KindExhausted, fault.KindOf(err))
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, Config{MaxAttempts: 3, BaseDelay: time.Minute, Factor: 2}, clock, func(ctx context.Context) error {
			return &fault.HTTPStatusError{StatusCode: 503}
		})
	}()

	// Wait for the first backoff sleep, then cancel instead of advancing.
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Factor: 2}

	for attempt := 1; attempt <= 6; attempt++ {
		d := Backoff(cfg, attempt)
		pure := time.Duration(float64(time.Second) * pow(2, attempt-1))
		if pure > cfg.MaxDelay {
			pure = cfg.MaxDelay
		}
		// Jitter adds [0, BaseDelay).
		assert.GreaterOrEqual(t, d, pure, "attempt %d", attempt)
		assert.Less(t, d, pure+cfg.BaseDelay, "attempt %d", attempt)
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
