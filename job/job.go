// Package job defines the job and timer-job model, its state machine,
// the storage contract the scheduler runs against, and the registry of job
// handlers.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes asynchronous continuations from timers.
type Type string

const (
	// TypeMessage is an asynchronous continuation, due as soon as it is created.
	TypeMessage Type = "message"
	// TypeTimer is a job with a due date and optional recurrence.
	TypeTimer Type = "timer"
)

// DefaultRetries is the retry budget of a new job.
const DefaultRetries = 3

// Timer holds the timer-specific part of a job.
type Timer struct {
	// Repeat is a cron expression (seconds field optional) or a descriptor
	// such as "@every 10s". Empty means the timer fires once.
	Repeat string

	// EndDate stops a repeating timer: no occurrence after it is scheduled.
	// nil means no end date.
	EndDate *time.Time

	// MaxIterations bounds the number of firings. Zero means unbounded.
	MaxIterations int

	// Iterations counts completed firings.
	Iterations int
}

// Job is a unit of deferred or asynchronous work.
type Job struct {
	ID   string
	Type Type

	ProcessInstanceID   string
	ProcessDefinitionID string
	ExecutionID         string

	// HandlerType selects the registered Handler; HandlerConfig is opaque
	// input for it.
	HandlerType   string
	HandlerConfig string

	// Retries is the number of failed attempts left before the job is dead.
	Retries int
	// Attempts counts consecutive failed attempts; it drives backoff.
	Attempts int

	// Exclusive jobs of one process instance never run concurrently.
	Exclusive bool
	TenantID  string

	State State

	// DueDate is when the job becomes eligible for acquisition.
	DueDate time.Time

	LockOwner     string
	LockExpiresAt *time.Time

	ExceptionMessage string

	// Revision is the optimistic-locking version, maintained by stores.
	Revision int

	CreatedAt time.Time

	// Timer is non-nil for timer jobs.
	Timer *Timer
}

// Option configures a new job.
type Option func(*Job)

// WithID overrides the generated identifier.
func WithID(id string) Option {
	return func(j *Job) { j.ID = id }
}

// WithProcess sets the owning process instance and definition.
func WithProcess(processInstanceID, processDefinitionID string) Option {
	return func(j *Job) {
		j.ProcessInstanceID = processInstanceID
		j.ProcessDefinitionID = processDefinitionID
	}
}

// WithExecution sets the execution the job continues.
func WithExecution(executionID string) Option {
	return func(j *Job) { j.ExecutionID = executionID }
}

// WithHandlerConfig sets the opaque handler configuration.
func WithHandlerConfig(cfg string) Option {
	return func(j *Job) { j.HandlerConfig = cfg }
}

// WithRetries sets the retry budget.
func WithRetries(n int) Option {
	return func(j *Job) { j.Retries = n }
}

// WithExclusive sets the exclusivity flag. Jobs are exclusive by default.
func WithExclusive(exclusive bool) Option {
	return func(j *Job) { j.Exclusive = exclusive }
}

// WithTenant sets the tenant identifier.
func WithTenant(tenantID string) Option {
	return func(j *Job) { j.TenantID = tenantID }
}

// WithRepeat makes a timer recurring.
func WithRepeat(spec string) Option {
	return func(j *Job) {
		if j.Timer != nil {
			j.Timer.Repeat = spec
		}
	}
}

// WithEndDate sets the end date of a recurring timer.
func WithEndDate(end time.Time) Option {
	return func(j *Job) {
		if j.Timer != nil {
			j.Timer.EndDate = &end
		}
	}
}

// WithMaxIterations bounds the firings of a recurring timer.
func WithMaxIterations(n int) Option {
	return func(j *Job) {
		if j.Timer != nil {
			j.Timer.MaxIterations = n
		}
	}
}

// New creates a pending asynchronous continuation that is due now.
func New(handlerType string, opts ...Option) *Job {
	now := time.Now().UTC()
	j := &Job{
		ID:          NewID(),
		Type:        TypeMessage,
		HandlerType: handlerType,
		Retries:     DefaultRetries,
		Exclusive:   true,
		State:       StatePending,
		DueDate:     now,
		CreatedAt:   now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// NewTimer creates a pending timer job due at due.
func NewTimer(handlerType string, due time.Time, opts ...Option) *Job {
	j := New(handlerType)
	j.Type = TypeTimer
	j.DueDate = due.UTC()
	j.Timer = &Timer{}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// NewID returns a time-ordered unique job identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// IsTimer reports whether j is a timer job.
func (j *Job) IsTimer() bool { return j.Type == TypeTimer && j.Timer != nil }

// Validate checks the invariants a store relies on.
func (j *Job) Validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidJob)
	case j.HandlerType == "":
		return fmt.Errorf("%w: missing handler type", ErrInvalidJob)
	case j.Retries < 0:
		return fmt.Errorf("%w: retries must be >= 0, got %d", ErrInvalidJob, j.Retries)
	case j.Type == TypeTimer && j.Timer == nil:
		return fmt.Errorf("%w: timer job without timer definition", ErrInvalidJob)
	case !j.State.Valid():
		return fmt.Errorf("%w: unknown state %q", ErrInvalidJob, j.State)
	}
	if j.IsTimer() && j.Timer.Repeat != "" {
		if _, err := ParseRepeat(j.Timer.Repeat); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidJob, err)
		}
	}
	return nil
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	if j.LockExpiresAt != nil {
		t := *j.LockExpiresAt
		c.LockExpiresAt = &t
	}
	if j.Timer != nil {
		tm := *j.Timer
		if j.Timer.EndDate != nil {
			end := *j.Timer.EndDate
			tm.EndDate = &end
		}
		c.Timer = &tm
	}
	return &c
}

// LockExpired reports whether j has no live lock at now.
func (j *Job) LockExpired(now time.Time) bool {
	return j.LockExpiresAt == nil || !j.LockExpiresAt.After(now)
}

// Acquirable reports whether j may be locked at now: due, and either
// pending or holding an expired lock.
func (j *Job) Acquirable(now time.Time) bool {
	if j.DueDate.After(now) {
		return false
	}
	switch j.State {
	case StatePending:
		return true
	case StateLocked:
		return j.LockExpired(now)
	default:
		return false
	}
}
