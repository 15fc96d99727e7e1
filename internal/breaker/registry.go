package breaker

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// Registry holds the named breakers of one agent process. Safe for concurrent
// use.
type Registry struct {
	clock    clockwork.Clock
	defaults map[string]Config // per-dependency overrides, keyed by name

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. defaults maps dependency names to their
// configured settings; names without an entry use DefaultConfig.
func NewRegistry(defaults map[string]Config, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:    clock,
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.defaults[name]
	if !ok {
		cfg = DefaultConfig()
	}
	b = New(name, cfg, r.clock)
	r.breakers[name] = b
	return b
}

// ResetAll forces every breaker back to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// HealthSummary returns a snapshot of every breaker, keyed by name. Used by
// the /health endpoint and the breaker state metrics.
func (r *Registry) HealthSummary() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
