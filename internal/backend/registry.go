package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the available backends and the default selection. The
// default is swappable at runtime through the control plane.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	def      string
}

// NewRegistry builds a registry from a catalog, selecting defaultName.
func NewRegistry(catalog Catalog, defaultName string) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend)}
	for _, entry := range catalog.Backends {
		r.backends[entry.Name] = NewCLI(entry)
	}
	if len(r.backends) == 0 {
		return nil, fmt.Errorf("backend catalog is empty")
	}
	if err := r.SetDefault(defaultName); err != nil {
		return nil, err
	}
	return r, nil
}

// Add registers a backend, replacing any existing one with the same name.
func (r *Registry) Add(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns a backend by name, or the default for "".
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.def
	}
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return b, nil
}

// Default returns the current default backend name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// SetDefault swaps the default backend.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backends[name]; !ok {
		return fmt.Errorf("unknown backend %q", name)
	}
	r.def = name
	return nil
}

// Names lists registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
