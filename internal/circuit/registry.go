package circuit

import (
	"sort"
	"sync"
)

// Registry manages one breaker per (scope, name) pair, created lazily with
// a shared config.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config

	// OnStateChange, when set before first use, observes every breaker
	// transition in the registry. Called with the breaker lock held; it
	// must not call back into the breaker or registry.
	OnStateChange func(scope Scope, name string, from, to State)
}

// NewRegistry creates an empty registry whose breakers share config.
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

func key(scope Scope, name string) string {
	return string(scope) + ":" + name
}

// Get returns the breaker for (scope, name), creating it closed on first
// use.
func (r *Registry) Get(scope Scope, name string) *Breaker {
	k := key(scope, name)

	r.mu.RLock()
	b, exists := r.breakers[k]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists = r.breakers[k]; exists {
		return b
	}

	b = New(scope, name, r.config)
	b.onChange = r.OnStateChange
	r.breakers[k] = b
	return b
}

// Reset forces the named breaker closed. It reports whether the breaker
// existed.
func (r *Registry) Reset(scope Scope, name string) bool {
	r.mu.RLock()
	b, exists := r.breakers[key(scope, name)]
	r.mu.RUnlock()

	if !exists {
		return false
	}
	b.Reset()
	return true
}

// List snapshots every breaker, ordered by scope then name.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Name < out[j].Name
	})
	return out
}
