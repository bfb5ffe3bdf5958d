package apievent

import (
	"sync"

	"github.com/DEEJ4Y/procengine/event"
	"github.com/DEEJ4Y/procengine/job"
)

// ConverterFunc turns an internal event into an external one. It returns
// false when the event has nothing to publish.
type ConverterFunc func(e event.Event) (RuntimeEvent, bool)

type converterKey struct {
	entity event.EntityType
	typ    event.Type
}

// Registry maps (entity type, event type) pairs to converters.
type Registry struct {
	mu         sync.RWMutex
	converters map[converterKey]ConverterFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{converters: make(map[converterKey]ConverterFunc)}
}

// DefaultRegistry returns a new registry holding the timer converters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(event.EntityTimerJob, event.TimerScheduled, timerConverter(func(te timerEvent) RuntimeEvent {
		return TimerScheduledEvent{te}
	}))
	r.Register(event.EntityTimerJob, event.TimerFired, timerConverter(func(te timerEvent) RuntimeEvent {
		return TimerFiredEvent{te}
	}))
	r.Register(event.EntityTimerJob, event.JobExecutionSuccess, timerConverter(func(te timerEvent) RuntimeEvent {
		return TimerExecutedEvent{te}
	}))
	r.Register(event.EntityTimerJob, event.JobExecutionFailure, timerConverter(func(te timerEvent) RuntimeEvent {
		return TimerFailedEvent{te}
	}))
	r.Register(event.EntityTimerJob, event.JobRetriesDecremented, timerConverter(func(te timerEvent) RuntimeEvent {
		return TimerRetriesDecrementedEvent{te}
	}))
	r.Register(event.EntityTimerJob, event.JobCanceled, timerConverter(func(te timerEvent) RuntimeEvent {
		return TimerCancelledEvent{te}
	}))
	return r
}

// Register binds fn to the pair. A later registration for the same pair
// replaces the earlier one.
func (r *Registry) Register(entity event.EntityType, typ event.Type, fn ConverterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[converterKey{entity, typ}] = fn
}

// Lookup returns the converter registered for the pair.
func (r *Registry) Lookup(entity event.EntityType, typ event.Type) (ConverterFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.converters[converterKey{entity, typ}]
	return fn, ok
}

// Convert converts e. Global engine events convert without a registered
// converter; entity events without one produce nothing.
func (r *Registry) Convert(e event.Event) (RuntimeEvent, bool) {
	if e.IsGlobal() {
		switch e.Type {
		case event.EngineCreated:
			return NewGlobalEvent(TypeEngineCreated, e.Timestamp), true
		case event.EngineClosed:
			return NewGlobalEvent(TypeEngineClosed, e.Timestamp), true
		}
		return nil, false
	}
	fn, ok := r.Lookup(e.EntityType, e.Type)
	if !ok {
		return nil, false
	}
	return fn(e)
}

// timerConverter builds a converter for events whose entity is a timer job.
// Process identifiers come from the internal event.
func timerConverter(build func(timerEvent) RuntimeEvent) ConverterFunc {
	return func(e event.Event) (RuntimeEvent, bool) {
		j, ok := e.Entity.(*job.Job)
		if !ok || j == nil {
			return nil, false
		}
		t := TimerFromJob(j)
		t.ProcessInstanceID = e.ProcessInstanceID
		t.ProcessDefinitionID = e.ProcessDefinitionID
		return build(timerEvent{
			meta: meta{
				processInstanceID:   e.ProcessInstanceID,
				processDefinitionID: e.ProcessDefinitionID,
				timestamp:           e.Timestamp,
			},
			timer: t,
		}), true
	}
}
