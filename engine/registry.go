package engine

import (
	"fmt"
	"slices"
	"sync"

	iface "VinoDetServer/interface"
)

// Registry holds the named backends served by the transports.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]iface.Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]iface.Backend)}
}

func (r *Registry) Add(name string, b iface.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; ok {
		return fmt.Errorf("model %s already registered", name)
	}
	r.backends[name] = b
	return nil
}

func (r *Registry) Get(name string) (iface.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names 按字母序返回
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Remove destroys and forgets the backend. It reports whether name existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	b, ok := r.backends[name]
	delete(r.backends, name)
	r.mu.Unlock()
	if ok {
		b.Destroy()
	}
	return ok
}

func (r *Registry) Close() {
	r.mu.Lock()
	all := r.backends
	r.backends = make(map[string]iface.Backend)
	r.mu.Unlock()
	for _, b := range all {
		b.Destroy()
	}
}
