// Package provider implements the registry and shared plumbing for upstream
// provider adapters.
package provider

import (
	"fmt"
	"slices"
	"sync"

	gateway "github.com/oakmund/strider/internal"
)

// Registry maps provider types to gateway.Provider instances.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[gateway.ProviderType]gateway.Provider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[gateway.ProviderType]gateway.Provider)}
}

// Register adds a provider adapter, overwriting any previous one of the
// same type.
func (r *Registry) Register(p gateway.Provider) {
	r.mu.Lock()
	r.providers[p.Name()] = p
	r.mu.Unlock()
}

// Get returns the adapter for pt, or an error if not registered.
func (r *Registry) Get(pt gateway.ProviderType) (gateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[pt]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", pt)
	}
	return p, nil
}

// List returns the registered provider types, sorted.
func (r *Registry) List() []gateway.ProviderType {
	r.mu.RLock()
	types := make([]gateway.ProviderType, 0, len(r.providers))
	for pt := range r.providers {
		types = append(types, pt)
	}
	r.mu.RUnlock()
	slices.Sort(types)
	return types
}
