// Package adapters holds the backend adapter registry and the concrete
// adapters under its subpackages.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/broker/pkg/engine"
)

// Registry maps backend keys to adapters and resource types to backend keys.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// adapters maps backend key to adapter instance.
	adapters map[string]engine.Adapter

	// routes maps resource type to backend key.
	routes map[string]string
}

var _ engine.AdapterResolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]engine.Adapter),
		routes:   make(map[string]string),
	}
}

// Register adds an adapter under its Type key.
func (r *Registry) Register(adapter engine.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := adapter.Type()
	if key == "" {
		return fmt.Errorf("adapter has an empty backend key")
	}
	if _, exists := r.adapters[key]; exists {
		return fmt.Errorf("adapter %s already registered", key)
	}
	r.adapters[key] = adapter
	return nil
}

// Route sends orders for resourceType to the adapter registered under backend.
// Routes may be replaced on config reload.
func (r *Registry) Route(resourceType, backend string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[backend]; !ok {
		return fmt.Errorf("resource type %s routes to unknown backend %s", resourceType, backend)
	}
	r.routes[resourceType] = backend
	return nil
}

// SetRoutes replaces every route at once. Nothing changes when a route
// names an unknown backend.
func (r *Registry) SetRoutes(routes map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for resourceType, backend := range routes {
		if _, ok := r.adapters[backend]; !ok {
			return fmt.Errorf("resource type %s routes to unknown backend %s", resourceType, backend)
		}
	}
	r.routes = make(map[string]string, len(routes))
	for resourceType, backend := range routes {
		r.routes[resourceType] = backend
	}
	return nil
}

// Get implements engine.AdapterResolver.
func (r *Registry) Get(backendType string) (engine.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[backendType]
	if !ok {
		return nil, engine.NewNotFoundError("adapter", backendType)
	}
	return adapter, nil
}

// Resolve returns the backend key and adapter serving resourceType. It is
// called once per resource at submission; the key is then stored on the resource.
func (r *Registry) Resolve(resourceType string) (string, engine.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend, ok := r.routes[resourceType]
	if !ok {
		return "", nil, engine.NewInvalidRequestError(fmt.Sprintf("unknown resource type %q", resourceType), nil)
	}
	return backend, r.adapters[backend], nil
}

// Backends lists the registered backend keys, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ResourceTypes lists the routed resource types, sorted.
func (r *Registry) ResourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.routes))
	for t := range r.routes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// HealthCheck runs every adapter's health check and returns the failures by backend key.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	adapters := make(map[string]engine.Adapter, len(r.adapters))
	for k, a := range r.adapters {
		adapters[k] = a
	}
	r.mu.RUnlock()

	failures := make(map[string]error)
	for key, a := range adapters {
		if err := a.Health(ctx); err != nil {
			failures[key] = err
		}
	}
	return failures
}
