package transformer

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps format names to transformers. Registration is append-only and
// happens during startup; a duplicate name is rejected so a misconfigured
// process refuses to start rather than silently shadowing a format.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Transformer
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Transformer)}
}

func (r *Registry) Register(t Transformer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTransformer, name)
	}
	r.byName[name] = t
	return nil
}

// Get looks up a transformer by format name.
func (r *Registry) Get(name string) (Transformer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the registered format names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
