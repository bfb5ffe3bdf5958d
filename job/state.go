package job

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a job.
//
//	Pending → Locked → Executing → Done
//	                 → Executing → Pending   (repeating timer, next occurrence)
//	Locked → Pending | Dead                  (failed attempt, rolled back)
//	Locked → Locked                          (takeover of an expired lock)
//	Dead → Pending                           (retries reset by an operator)
type State string

const (
	StatePending   State = "pending"
	StateLocked    State = "locked"
	StateExecuting State = "executing"
	StateDone      State = "done"
	StateDead      State = "dead"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateLocked, StateExecuting, StateDone, StateDead:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further scheduling happens from s without
// operator action.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDead
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateLocked
	case StateLocked:
		return to == StateLocked || to == StateExecuting || to == StatePending || to == StateDead
	case StateExecuting:
		return to == StateDone || to == StatePending || to == StateDead
	case StateDead:
		return to == StatePending
	case StateDone:
		return false
	default:
		return false
	}
}

func (j *Job) transition(to State) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, j.ID, j.State, to)
	}
	j.State = to
	return nil
}

func (j *Job) clearLock() {
	j.LockOwner = ""
	j.LockExpiresAt = nil
}

// Lock marks j as held by owner until the given time. A locked job can be
// taken over only once its lock has expired.
func (j *Job) Lock(owner string, now, until time.Time) error {
	if j.State == StateLocked && !j.LockExpired(now) && j.LockOwner != owner {
		return &LockLostError{JobID: j.ID, Owner: owner, Holder: j.LockOwner}
	}
	if err := j.transition(StateLocked); err != nil {
		return err
	}
	j.LockOwner = owner
	j.LockExpiresAt = &until
	return nil
}

// CheckOwner returns a *LockLostError unless owner holds the lock on j.
func (j *Job) CheckOwner(owner string) error {
	if j.State != StateLocked && j.State != StateExecuting || j.LockOwner != owner {
		return &LockLostError{JobID: j.ID, Owner: owner, Holder: j.LockOwner}
	}
	return nil
}

// Begin marks the start of an execution by the lock owner.
func (j *Job) Begin(owner string) error {
	if err := j.CheckOwner(owner); err != nil {
		return err
	}
	return j.transition(StateExecuting)
}

// Succeed finishes a successful execution and releases the lock. A
// repeating timer with occurrences left returns to Pending at its next
// due date and rescheduled is true; any other job is Done.
func (j *Job) Succeed(now time.Time) (rescheduled bool, err error) {
	if j.State != StateExecuting {
		return false, fmt.Errorf("%w: job %s is %s, not executing", ErrInvalidTransition, j.ID, j.State)
	}

	var next *time.Time
	if j.IsTimer() {
		j.Timer.Iterations++
		// An unparsable repeat retires the timer.
		next, _ = NextFire(j, now)
	}

	j.clearLock()
	j.Attempts = 0
	j.ExceptionMessage = ""
	if next == nil {
		return false, j.transition(StateDone)
	}
	if err := j.transition(StatePending); err != nil {
		return false, err
	}
	j.DueDate = next.UTC()
	return true, nil
}

// Fail records a failed attempt and releases the lock. It consumes one
// retry; with retries left the job returns to Pending, due at retryAt,
// otherwise it is Dead.
func (j *Job) Fail(message string, retryAt time.Time) (dead bool, err error) {
	if j.Retries > 0 {
		j.Retries--
	}
	j.Attempts++
	j.ExceptionMessage = message
	j.clearLock()

	if j.Retries == 0 {
		return true, j.transition(StateDead)
	}
	if err := j.transition(StatePending); err != nil {
		return false, err
	}
	j.DueDate = retryAt.UTC()
	return false, nil
}

// Revive gives a dead job a fresh retry budget and makes it due at now.
func (j *Job) Revive(retries int, now time.Time) error {
	if retries <= 0 {
		return fmt.Errorf("%w: retries must be > 0, got %d", ErrInvalidJob, retries)
	}
	if err := j.transition(StatePending); err != nil {
		return err
	}
	j.Retries = retries
	j.Attempts = 0
	j.DueDate = now.UTC()
	return nil
}
