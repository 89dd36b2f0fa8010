package breaker

import (
	"context"
	"sync"
)

// Registry manages per-dependency breakers, created lazily on first use.
// Breakers for different dependency names are fully independent.
type Registry struct {
	mu  sync.RWMutex
	m   map[string]*Breaker
	cfg Config
}

// NewRegistry returns a registry whose lazily created breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{m: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for a dependency name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.m[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if b, ok := r.m[name]; ok {
		return b
	}
	b = New(r.cfg)
	r.m[name] = b
	return b
}

// Configure installs a breaker with a dependency-specific config,
// replacing any existing breaker for that name.
func (r *Registry) Configure(name string, cfg Config) *Breaker {
	b := New(cfg)
	r.mu.Lock()
	r.m[name] = b
	r.mu.Unlock()
	return b
}

// Do routes op through the named dependency's breaker.
func (r *Registry) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return r.Get(name).Do(ctx, op)
}

// Snapshot returns the state of every known breaker.
func (r *Registry) Snapshot() map[string]Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Info, len(r.m))
	for name, b := range r.m {
		out[name] = b.info()
	}
	return out
}

// Reset closes the breaker for a specific dependency, if known.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	b, ok := r.m[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}
