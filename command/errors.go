package command

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentModification reports an optimistic-lock violation. Storage
	// drivers wrap it; the Retry interceptor re-executes commands that fail
	// with it.
	ErrConcurrentModification = errors.New("command: concurrent modification")

	// ErrNilCommand is returned when Execute is called without a command.
	ErrNilCommand = errors.New("command: nil command")

	// ErrNoSessionFactory is returned when a transactional command runs on an
	// executor built without a session factory.
	ErrNoSessionFactory = errors.New("command: no session factory configured")

	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("command: session closed")
)

// IsConflict reports whether err is, or wraps, ErrConcurrentModification.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// ResultTypeError is returned by Run when a command result has an
// unexpected type.
type ResultTypeError struct {
	Command string
	Got     any
}

func (e *ResultTypeError) Error() string {
	return fmt.Sprintf("command %s: unexpected result type %T", e.Command, e.Got)
}
