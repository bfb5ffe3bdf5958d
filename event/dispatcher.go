package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/DEEJ4Y/procengine/command"
)

// Listener receives internal events.
type Listener interface {
	OnEvent(ctx context.Context, e Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, e Event) error

// OnEvent calls f.
func (f ListenerFunc) OnEvent(ctx context.Context, e Event) error { return f(ctx, e) }

// Filter declares which events a listener is interested in. Zero fields
// match everything.
type Filter struct {
	EntityType EntityType
	Types      []Type
	TenantID   string
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Event) bool {
	if f.EntityType != EntityNone && f.EntityType != e.EntityType {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if f.TenantID != "" && f.TenantID != e.TenantID {
		return false
	}
	return true
}

type subscription struct {
	id          uint64
	filter      Filter
	listener    Listener
	afterCommit bool
	failOnError bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// AfterCommit delivers events only once the emitting command has
// committed. Events raised inside a session are queued on it and dropped
// if the session rolls back.
func AfterCommit() SubscribeOption {
	return func(s *subscription) { s.afterCommit = true }
}

// FailOnError makes a listener error fail the dispatch, and with it the
// emitting command. Errors of other listeners are only logged.
func FailOnError() SubscribeOption {
	return func(s *subscription) { s.failOnError = true }
}

// Dispatcher is the process-wide publish/subscribe hub for internal
// events. It is safe for concurrent use.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    []*subscription
	nextID  uint64
	enabled atomic.Bool
	logger  *slog.Logger
}

// NewDispatcher creates an enabled dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger}
	d.enabled.Store(true)
	return d
}

// SetEnabled turns delivery on or off.
func (d *Dispatcher) SetEnabled(enabled bool) { d.enabled.Store(enabled) }

// Enabled reports whether events are delivered.
func (d *Dispatcher) Enabled() bool { return d.enabled.Load() }

// Subscribe registers l for events matching f. Listeners are called in
// registration order. The returned function removes the subscription.
func (d *Dispatcher) Subscribe(f Filter, l Listener, opts ...SubscribeOption) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	sub := &subscription{id: d.nextID, filter: f, listener: l}
	for _, opt := range opts {
		opt(sub)
	}
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.subs = slices.DeleteFunc(d.subs, func(s *subscription) bool { return s.id == sub.id })
	}
}

// Dispatch delivers e to every matching listener. Synchronous listeners
// run before Dispatch returns; after-commit listeners are queued on the
// session bound to ctx, or run immediately when there is none. The first
// error of a FailOnError listener is returned after all listeners ran.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) error {
	if !d.enabled.Load() {
		return nil
	}

	d.mu.RLock()
	subs := slices.Clone(d.subs)
	d.mu.RUnlock()

	session, inSession := command.SessionFrom(ctx)
	var errs []error
	for _, sub := range subs {
		if !sub.filter.Matches(e) {
			continue
		}
		if sub.afterCommit && inSession {
			session.OnCommit(func(ctx context.Context) {
				// The command has committed; a failing listener can no longer undo it.
				_ = d.deliver(ctx, sub, e)
			})
			continue
		}
		if err := d.deliver(ctx, sub, e); err != nil && sub.failOnError {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, sub *subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event listener panicked: %v", r)
		}
		if err != nil {
			d.logger.Error("event listener failed",
				slog.String("event_type", e.Type.String()),
				slog.String("entity_type", e.EntityType.String()),
				slog.Bool("fail_on_error", sub.failOnError),
				slog.String("error", err.Error()),
			)
		}
	}()
	return sub.listener.OnEvent(ctx, e)
}
