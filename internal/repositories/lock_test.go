package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockRepository_AcquireAndHold(t *testing.T) {
	repo := NewLockRepository(newTestDB(t))
	ctx := context.Background()

	token, err := repo.Acquire(ctx, "monitoring-cycle", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = repo.Acquire(ctx, "monitoring-cycle", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestLockRepository_IndependentNames(t *testing.T) {
	repo := NewLockRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repo.Acquire(ctx, "lock-a", time.Minute)
	require.NoError(t, err)
	_, err = repo.Acquire(ctx, "lock-b", time.Minute)
	assert.NoError(t, err)
}

func TestLockRepository_StealExpiredLease(t *testing.T) {
	database := newTestDB(t)
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	repo := NewLockRepositoryWithClock(database, func() time.Time { return clock() })
	ctx := context.Background()

	first, err := repo.Acquire(ctx, "monitoring-cycle", time.Minute)
	require.NoError(t, err)

	// Lease expires; the next acquirer steals it.
	clock = func() time.Time { return now.Add(2 * time.Minute) }
	second, err := repo.Acquire(ctx, "monitoring-cycle", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// The former holder's release is a no-op against the new token.
	require.NoError(t, repo.Release(ctx, "monitoring-cycle", first))
	_, err = repo.Acquire(ctx, "monitoring-cycle", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld, "stolen lease must survive the old holder's release")
}

func TestLockRepository_ReleaseThenReacquire(t *testing.T) {
	repo := NewLockRepository(newTestDB(t))
	ctx := context.Background()

	token, err := repo.Acquire(ctx, "monitoring-cycle", time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.Release(ctx, "monitoring-cycle", token))

	_, err = repo.Acquire(ctx, "monitoring-cycle", time.Minute)
	assert.NoError(t, err)
}

func TestLockRepository_ReapExpired(t *testing.T) {
	database := newTestDB(t)
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	repo := NewLockRepositoryWithClock(database, func() time.Time { return clock() })
	ctx := context.Background()

	_, err := repo.Acquire(ctx, "short", time.Minute)
	require.NoError(t, err)
	_, err = repo.Acquire(ctx, "long", time.Hour)
	require.NoError(t, err)

	clock = func() time.Time { return now.Add(5 * time.Minute) }
	reaped, err := repo.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	_, err = repo.Acquire(ctx, "long", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld, "unexpired lease must survive reaping")
}
