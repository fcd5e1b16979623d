package backend

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
)

// Registry maps capability tags to adapters with thread-safe access.
// New generation backends are added by registering an adapter; the engine
// itself never changes.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its capability tag. If one already exists
// it is overwritten and a warning is logged.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Capability()]; exists {
		log.Printf("[Registry] WARNING: overwriting existing adapter %q", a.Capability())
	}
	r.adapters[a.Capability()] = a
}

// Unregister removes the adapter for a capability.
func (r *Registry) Unregister(capability string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, capability)
	log.Printf("[Registry] Unregistered adapter: %s", capability)
}

// Get returns the adapter for a capability.
func (r *Registry) Get(capability string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[capability]
	return a, ok
}

// Resolve is Get with an ErrUnknownCapability error for missing tags.
func (r *Registry) Resolve(capability string) (Adapter, error) {
	if a, ok := r.Get(capability); ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
}

// Capabilities returns every registered tag, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes adapters holding resources, logging errors but not failing.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, a := range r.adapters {
		c, ok := a.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			log.Printf("[Registry] Error closing adapter %s: %v", name, err)
		}
	}
}
