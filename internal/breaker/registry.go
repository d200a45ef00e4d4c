package breaker

import "sync"

// Registry hands out one circuit breaker per named dependency, creating
// them on first use with a shared configuration.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry with the given shared configuration.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a dependency, creating it if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, r.cfg)
		r.breakers[name] = cb
	}
	return cb
}

// Snapshot returns metrics for every registered breaker.
func (r *Registry) Snapshot() []Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Metrics, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Metrics())
	}
	return out
}
