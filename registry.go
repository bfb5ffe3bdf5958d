package procengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry maps engine names to built engines. Lookups may run
// concurrently with engines starting and stopping.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// DefaultRegistry returns the process-wide registry, creating it on first
// use.
var DefaultRegistry = sync.OnceValue(NewRegistry)

// Register adds e under its name. A name already in use is rejected with
// ErrEngineExists.
func (r *Registry) Register(e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[e.Name()]; exists {
		return fmt.Errorf("%w: %q", ErrEngineExists, e.Name())
	}
	r.engines[e.Name()] = e
	return nil
}

// Unregister removes e. It reports false if e was not the engine
// registered under its name.
func (r *Registry) Unregister(e *Engine) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engines[e.Name()] != e {
		return false
	}
	delete(r.engines, e.Name())
	return true
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	return e, ok
}

// Default returns the engine registered under DefaultName.
func (r *Registry) Default() (*Engine, bool) {
	return r.Get(DefaultName)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every registered engine and returns their joined errors.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.RUnlock()

	var errs []error
	for _, e := range engines {
		if err := e.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close engine %q: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}
