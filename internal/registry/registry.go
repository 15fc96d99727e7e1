// Package registry implements agent service discovery over Redis. Each agent
// registers its role under a TTL'd key and refreshes it with heartbeats; a
// peer looks the role up to find the base URL to call. An entry disappearing
// (agent died, missed heartbeats) is how the rest of the system learns an
// agent is down.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/threadpulse-io/threadpulse/internal/fault"
)

// keyPrefix namespaces all registry keys in the shared Redis database.
const keyPrefix = "threadpulse:agents:"

// Entry is the JSON document stored per registered agent.
type Entry struct {
	Role         string    `json:"role"`
	URL          string    `json:"url"`
	Version      string    `json:"version"`
	Skills       []string  `json:"skills"`
	RegisteredAt time.Time `json:"registeredAt"`
	HeartbeatAt  time.Time `json:"heartbeatAt"`
}

// Registry provides register/lookup/deregister over a Redis client.
type Registry struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a Registry. ttl is the liveness window: an agent that fails to
// heartbeat within it vanishes from discovery.
func New(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{rdb: rdb, ttl: ttl, logger: logger}
}

// Register writes the agent's entry with the registry TTL. Called once at
// startup and again from every heartbeat tick; both paths are the same SET.
func (r *Registry) Register(ctx context.Context, entry Entry) error {
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = time.Now().UTC()
	}
	entry.HeartbeatAt = time.Now().UTC()

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry: marshal entry: %w", err)
	}
	if err := r.rdb.Set(ctx, keyPrefix+entry.Role, payload, r.ttl).Err(); err != nil {
		return fault.Wrap(fault.KindTransient, err, "registry: register "+entry.Role)
	}
	return nil
}

// Deregister removes the agent's entry immediately, for clean shutdown.
// Crash paths skip this and the TTL cleans up instead.
func (r *Registry) Deregister(ctx context.Context, role string) error {
	if err := r.rdb.Del(ctx, keyPrefix+role).Err(); err != nil {
		return fault.Wrap(fault.KindTransient, err, "registry: deregister "+role)
	}
	return nil
}

// Lookup returns the live entry for a role. A missing key means the agent is
// down or was never started; callers treat that as a transient condition and
// retry, since the agent may be restarting.
func (r *Registry) Lookup(ctx context.Context, role string) (*Entry, error) {
	payload, err := r.rdb.Get(ctx, keyPrefix+role).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fault.Newf(fault.KindTransient, "registry: agent %q not registered", role)
		}
		return nil, fault.Wrap(fault.KindTransient, err, "registry: lookup "+role)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("registry: unmarshal entry for %s: %w", role, err)
	}
	return &entry, nil
}

// Discover returns all currently registered agents, keyed by role. Uses SCAN
// rather than KEYS so a large shared Redis is never blocked.
func (r *Registry) Discover(ctx context.Context) (map[string]Entry, error) {
	entries := make(map[string]Entry)
	iter := r.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		payload, err := r.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			return nil, fault.Wrap(fault.KindTransient, err, "registry: discover get "+key)
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			r.logger.Warn("registry: skipping malformed entry", zap.String("key", key), zap.Error(err))
			continue
		}
		entries[strings.TrimPrefix(key, keyPrefix)] = entry
	}
	if err := iter.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, "registry: discover scan")
	}
	return entries, nil
}

// Heartbeat re-registers entry every interval until ctx is cancelled, then
// deregisters. Run it in its own goroutine; the interval should be well
// under the TTL (half is the convention) so one missed beat is survivable.
func (r *Registry) Heartbeat(ctx context.Context, entry Entry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Fresh context: the caller's is already cancelled.
			cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Deregister(cleanup, entry.Role); err != nil {
				r.logger.Warn("registry: deregister on shutdown failed",
					zap.String("role", entry.Role), zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Register(ctx, entry); err != nil {
				r.logger.Warn("registry: heartbeat failed",
					zap.String("role", entry.Role), zap.Error(err))
			}
		}
	}
}
