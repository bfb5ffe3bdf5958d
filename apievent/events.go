// Package apievent defines the stable external events the engine publishes
// and the registry that converts internal events into them.
package apievent

import (
	"time"

	"github.com/DEEJ4Y/procengine/job"
)

// External event types.
const (
	TypeTimerScheduled          = "TIMER_SCHEDULED"
	TypeTimerFired              = "TIMER_FIRED"
	TypeTimerExecuted           = "TIMER_EXECUTED"
	TypeTimerFailed             = "TIMER_FAILED"
	TypeTimerRetriesDecremented = "TIMER_RETRIES_DECREMENTED"
	TypeTimerCancelled          = "TIMER_CANCELLED"
	TypeEngineCreated           = "ENGINE_CREATED"
	TypeEngineClosed            = "ENGINE_CLOSED"
)

// RuntimeEvent is an external event. Implementations are immutable values.
type RuntimeEvent interface {
	EventType() string
	ProcessInstanceID() string
	ProcessDefinitionID() string
	Timestamp() time.Time
}

type meta struct {
	processInstanceID   string
	processDefinitionID string
	timestamp           time.Time
}

func (m meta) ProcessInstanceID() string   { return m.processInstanceID }
func (m meta) ProcessDefinitionID() string { return m.processDefinitionID }
func (m meta) Timestamp() time.Time        { return m.timestamp }

// TimerPayload describes a timer job at the moment of the event.
type TimerPayload struct {
	DueDate                 time.Time
	EndDate                 *time.Time
	ExecutionID             string
	IsExclusive             bool
	Retries                 int
	MaxIterations           int
	Repeat                  string
	JobHandlerType          string
	JobHandlerConfiguration string
	ExceptionMessage        string
	TenantID                string
	JobType                 string
}

// Timer is the external view of a timer job.
type Timer struct {
	ID                  string
	ProcessInstanceID   string
	ProcessDefinitionID string
	Payload             TimerPayload
}

// TimerFromJob builds the external view of j.
func TimerFromJob(j *job.Job) Timer {
	p := TimerPayload{
		DueDate:                 j.DueDate,
		ExecutionID:             j.ExecutionID,
		IsExclusive:             j.Exclusive,
		Retries:                 j.Retries,
		JobHandlerType:          j.HandlerType,
		JobHandlerConfiguration: j.HandlerConfig,
		ExceptionMessage:        j.ExceptionMessage,
		TenantID:                j.TenantID,
		JobType:                 string(j.Type),
	}
	if j.Timer != nil {
		p.Repeat = j.Timer.Repeat
		p.MaxIterations = j.Timer.MaxIterations
		if j.Timer.EndDate != nil {
			end := *j.Timer.EndDate
			p.EndDate = &end
		}
	}
	return Timer{
		ID:                  j.ID,
		ProcessInstanceID:   j.ProcessInstanceID,
		ProcessDefinitionID: j.ProcessDefinitionID,
		Payload:             p,
	}
}

type timerEvent struct {
	meta
	timer Timer
}

// Timer returns the timer the event is about.
func (e timerEvent) Timer() Timer { return e.timer }

// TimerScheduledEvent is published when a timer is created or rescheduled.
type TimerScheduledEvent struct{ timerEvent }

// TimerFiredEvent is published when a timer starts executing.
type TimerFiredEvent struct{ timerEvent }

// TimerExecutedEvent is published when a timer executed successfully.
type TimerExecutedEvent struct{ timerEvent }

// TimerFailedEvent is published when a timer execution failed.
type TimerFailedEvent struct{ timerEvent }

// TimerRetriesDecrementedEvent is published when a failed timer lost a retry.
type TimerRetriesDecrementedEvent struct{ timerEvent }

// TimerCancelledEvent is published when a timer is deleted before firing.
type TimerCancelledEvent struct{ timerEvent }

func (TimerScheduledEvent) EventType() string          { return TypeTimerScheduled }
func (TimerFiredEvent) EventType() string              { return TypeTimerFired }
func (TimerExecutedEvent) EventType() string           { return TypeTimerExecuted }
func (TimerFailedEvent) EventType() string             { return TypeTimerFailed }
func (TimerRetriesDecrementedEvent) EventType() string { return TypeTimerRetriesDecremented }
func (TimerCancelledEvent) EventType() string          { return TypeTimerCancelled }

// GlobalEvent is an engine lifecycle event.
type GlobalEvent struct {
	meta
	typ string
}

// NewGlobalEvent builds a global event of the given type.
func NewGlobalEvent(typ string, at time.Time) GlobalEvent {
	return GlobalEvent{meta: meta{timestamp: at}, typ: typ}
}

// EventType returns the global event type.
func (e GlobalEvent) EventType() string { return e.typ }
