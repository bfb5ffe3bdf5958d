// Package event provides the engine's internal event dispatcher.
//
// Internal events are low-level notifications tied to a storage entity
// mutation (or to the engine itself for global events). They are produced
// and consumed during dispatch and never persisted. The apievent package
// turns them into stable external events.
package event

import "time"

// EntityType identifies the kind of entity an event refers to.
type EntityType int

const (
	// EntityNone marks global engine events that carry no entity.
	EntityNone EntityType = iota
	EntityJob
	EntityTimerJob
	EntityDeadLetterJob
	EntityProcessInstance
	EntityTask
)

var entityTypeNames = [...]string{
	EntityNone:            "none",
	EntityJob:             "job",
	EntityTimerJob:        "timer-job",
	EntityDeadLetterJob:   "dead-letter-job",
	EntityProcessInstance: "process-instance",
	EntityTask:            "task",
}

func (t EntityType) String() string {
	if t < 0 || int(t) >= len(entityTypeNames) {
		return "unknown"
	}
	return entityTypeNames[t]
}

// Type is the event-type tag of an internal event.
type Type int

const (
	EntityCreated Type = iota + 1
	EntityUpdated
	EntityDeleted
	TimerScheduled
	TimerFired
	JobExecutionSuccess
	JobExecutionFailure
	JobRetriesDecremented
	JobDeadLettered
	JobCanceled
	EngineCreated
	EngineClosed
)

var typeNames = map[Type]string{
	EntityCreated:         "ENTITY_CREATED",
	EntityUpdated:         "ENTITY_UPDATED",
	EntityDeleted:         "ENTITY_DELETED",
	TimerScheduled:        "TIMER_SCHEDULED",
	TimerFired:            "TIMER_FIRED",
	JobExecutionSuccess:   "JOB_EXECUTION_SUCCESS",
	JobExecutionFailure:   "JOB_EXECUTION_FAILURE",
	JobRetriesDecremented: "JOB_RETRIES_DECREMENTED",
	JobDeadLettered:       "JOB_DEAD_LETTERED",
	JobCanceled:           "JOB_CANCELED",
	EngineCreated:         "ENGINE_CREATED",
	EngineClosed:          "ENGINE_CLOSED",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Event is an internal event. Entity holds the mutated entity (for example
// a *job.Job); it is nil for global events.
type Event struct {
	Type                Type
	EntityType          EntityType
	Entity              any
	ProcessInstanceID   string
	ProcessDefinitionID string
	ExecutionID         string
	TenantID            string

	// Err is set on failure-class events.
	Err error

	Timestamp time.Time
}

// Scope carries the process identifiers copied onto an entity event.
type Scope struct {
	ProcessInstanceID   string
	ProcessDefinitionID string
	ExecutionID         string
	TenantID            string
}

// NewEntityEvent builds an event about entity.
func NewEntityEvent(t Type, et EntityType, entity any, scope Scope) Event {
	return Event{
		Type:                t,
		EntityType:          et,
		Entity:              entity,
		ProcessInstanceID:   scope.ProcessInstanceID,
		ProcessDefinitionID: scope.ProcessDefinitionID,
		ExecutionID:         scope.ExecutionID,
		TenantID:            scope.TenantID,
		Timestamp:           time.Now().UTC(),
	}
}

// NewGlobalEvent builds an engine-scope event without an entity.
func NewGlobalEvent(t Type) Event {
	return Event{Type: t, EntityType: EntityNone, Timestamp: time.Now().UTC()}
}

// IsGlobal reports whether e is an engine-scope event.
func (e Event) IsGlobal() bool {
	return e.EntityType == EntityNone && e.Entity == nil
}

// WithErr returns a copy of e carrying err.
func (e Event) WithErr(err error) Event {
	e.Err = err
	return e
}
