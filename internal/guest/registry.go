package guest

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provisioning method names to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

// Register adds or replaces the backend for method.
func (r *Registry) Register(method string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[method] = b
}

// Get returns the backend for method.
func (r *Registry) Get(method string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[method]
	if !ok {
		return nil, fmt.Errorf("unknown provision method %q (known: %v)", method, r.known())
	}
	return b, nil
}

func (r *Registry) known() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
