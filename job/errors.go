package job

import (
	"errors"
	"fmt"

	"github.com/DEEJ4Y/procengine/command"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job: not found")

	// ErrAlreadyExists is returned when inserting a duplicate id.
	ErrAlreadyExists = errors.New("job: already exists")

	// ErrInvalidJob is returned when a job violates its invariants.
	ErrInvalidJob = errors.New("job: invalid job")

	// ErrInvalidTransition is returned for a state change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("job: invalid state transition")

	// ErrUnknownHandler is returned when no handler is registered for a
	// job's handler type.
	ErrUnknownHandler = errors.New("job: unknown handler type")

	// ErrInvalidRepeat is returned for an unparsable repeat specification.
	ErrInvalidRepeat = errors.New("job: invalid repeat specification")

	// ErrConcurrentModification is returned by Store.Update when the
	// stored revision differs from the job's.
	ErrConcurrentModification = command.ErrConcurrentModification
)

// LockLostError reports that owner no longer holds the lock on a job,
// typically because it expired and another worker took the job over.
type LockLostError struct {
	JobID  string
	Owner  string
	Holder string
}

func (e *LockLostError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("job %s: lock of %s lost", e.JobID, e.Owner)
	}
	return fmt.Sprintf("job %s: lock of %s lost to %s", e.JobID, e.Owner, e.Holder)
}

// IsLockLost reports whether err is, or wraps, a *LockLostError.
func IsLockLost(err error) bool {
	var lle *LockLostError
	return errors.As(err, &lle)
}
