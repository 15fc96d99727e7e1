package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/threadpulse-io/threadpulse/internal/fault"
)

func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, ttl, zap.NewNop()), mr
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	entry := Entry{
		Role:    "retrieval",
		URL:     "http://retrieval:8081",
		Version: "1.2.0",
		Skills:  []string{"fetch_posts", "fetch_comments"},
	}
	require.NoError(t, reg.Register(ctx, entry))

	got, err := reg.Lookup(ctx, "retrieval")
	require.NoError(t, err)
	assert.Equal(t, "http://retrieval:8081", got.URL)
	assert.Equal(t, "1.2.0", got.Version)
	assert.Equal(t, []string{"fetch_posts", "fetch_comments"}, got.Skills)
	assert.False(t, got.HeartbeatAt.IsZero())
}

func TestRegistry_LookupExpiredEntry(t *testing.T) {
	reg, mr := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, Entry{Role: "filter", URL: "http://filter:8082"}))

	mr.FastForward(time.Minute + time.Second)

	_, err := reg.Lookup(ctx, "filter")
	require.Error(t, err)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err), "missing agent may be restarting")
}

func TestRegistry_LookupUnknownRole(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)

	_, err := reg.Lookup(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
}

func TestRegistry_Deregister(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, Entry{Role: "alert", URL: "http://alert:8084"}))
	require.NoError(t, reg.Deregister(ctx, "alert"))

	_, err := reg.Lookup(ctx, "alert")
	assert.Error(t, err)
}

func TestRegistry_Discover(t *testing.T) {
	reg, mr := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, Entry{Role: "retrieval", URL: "http://retrieval:8081"}))
	require.NoError(t, reg.Register(ctx, Entry{Role: "summarise", URL: "http://summarise:8083"}))

	// A malformed payload under the prefix is skipped, not fatal.
	require.NoError(t, mr.Set("threadpulse:agents:broken", "not json"))

	entries, err := reg.Discover(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "http://retrieval:8081", entries["retrieval"].URL)
	assert.Equal(t, "http://summarise:8083", entries["summarise"].URL)
	assert.NotContains(t, entries, "broken")
}

func TestRegistry_ReRegisterRefreshesTTL(t *testing.T) {
	reg, mr := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, Entry{Role: "retrieval", URL: "http://retrieval:8081"}))
	mr.FastForward(40 * time.Second)

	// Heartbeat re-register restarts the liveness window.
	require.NoError(t, reg.Register(ctx, Entry{Role: "retrieval", URL: "http://retrieval:8081"}))
	mr.FastForward(40 * time.Second)

	_, err := reg.Lookup(ctx, "retrieval")
	assert.NoError(t, err)
}
