package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes jobs of one handler type.
type Handler interface {
	Execute(ctx context.Context, j *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j *Job) error

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, j *Job) error { return f(ctx, j) }

// Registry maps handler types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to handlerType, replacing an earlier binding.
func (r *Registry) Register(handlerType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerType] = h
}

// RegisterFunc binds fn to handlerType.
func (r *Registry) RegisterFunc(handlerType string, fn func(ctx context.Context, j *Job) error) {
	r.Register(handlerType, HandlerFunc(fn))
}

// Lookup returns the handler for handlerType or ErrUnknownHandler.
func (r *Registry) Lookup(handlerType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, handlerType)
	}
	return h, nil
}

// Types returns the registered handler types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
