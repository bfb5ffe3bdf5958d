package apievent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/DEEJ4Y/procengine/event"
)

// RuntimeListener receives external events.
type RuntimeListener interface {
	OnRuntimeEvent(ctx context.Context, e RuntimeEvent) error
}

// RuntimeListenerFunc adapts a function to RuntimeListener.
type RuntimeListenerFunc func(ctx context.Context, e RuntimeEvent) error

// OnRuntimeEvent calls f.
func (f RuntimeListenerFunc) OnRuntimeEvent(ctx context.Context, e RuntimeEvent) error {
	return f(ctx, e)
}

type runtimeSub struct {
	id       uint64
	types    []string
	listener RuntimeListener
}

// Bridge is an event.Listener that converts internal events through a
// Registry and fans the results out to runtime listeners.
type Bridge struct {
	registry *Registry
	logger   *slog.Logger

	mu     sync.RWMutex
	subs   []*runtimeSub
	nextID uint64
}

var _ event.Listener = (*Bridge)(nil)

// NewBridge creates a bridge over registry.
func NewBridge(registry *Registry, logger *slog.Logger) *Bridge {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{registry: registry, logger: logger}
}

// Registry returns the converter registry.
func (b *Bridge) Registry() *Registry { return b.registry }

// Subscribe registers l for the given external event types, or for every
// type when none are given.
func (b *Bridge) Subscribe(l RuntimeListener, types ...string) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	sub := &runtimeSub{id: b.nextID, types: types, listener: l}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s *runtimeSub) bool { return s.id == sub.id })
	}
}

// OnEvent converts e and delivers the result. Listener errors are joined.
func (b *Bridge) OnEvent(ctx context.Context, e event.Event) error {
	re, ok := b.registry.Convert(e)
	if !ok {
		return nil
	}

	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if len(sub.types) > 0 && !slices.Contains(sub.types, re.EventType()) {
			continue
		}
		if err := b.deliver(ctx, sub, re); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) deliver(ctx context.Context, sub *runtimeSub, e RuntimeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runtime listener panicked: %v", r)
		}
		if err != nil {
			b.logger.Error("runtime listener failed",
				slog.String("event_type", e.EventType()),
				slog.String("error", err.Error()),
			)
		}
	}()
	return sub.listener.OnRuntimeEvent(ctx, e)
}
