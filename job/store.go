package job

import (
	"context"
	"time"
)

// Store is the storage driver contract the scheduler and the management
// operations run against.
//
// Calls made inside a command must use the transaction of the session bound
// to the context (see command.TxFrom) so that they commit or roll back with
// the command. Implementations must be safe for concurrent use.
type Store interface {
	// Insert stores a new job. It sets Revision to 1.
	Insert(ctx context.Context, j *Job) error

	// Get returns the job with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Update replaces a stored job if its revision still equals j.Revision
	// and increments j.Revision. A mismatch returns an error wrapping
	// ErrConcurrentModification.
	Update(ctx context.Context, j *Job) error

	// Delete removes a job. Deleting a missing job returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// List returns the jobs matching q ordered by due date, then id.
	List(ctx context.Context, q Query) ([]*Job, error)

	// FindDue returns up to limit jobs that are due at now and either
	// pending or holding an expired lock, ordered by due date, then id.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// TryLock atomically locks j for owner until the given time. It returns
	// false without error when the job was changed or locked by someone
	// else since it was read, or when j is exclusive and another exclusive
	// job of the same process instance holds a live lock. On success the
	// lock fields and revision of j are updated in place.
	//
	// TryLock is not part of any transaction: the lock must be visible to
	// other workers as soon as it is taken.
	TryLock(ctx context.Context, j *Job, owner string, now, until time.Time) (bool, error)
}

// Query filters List.
type Query struct {
	ProcessInstanceID string
	TenantID          string
	HandlerType       string
	States            []State
	// Type restricts to message or timer jobs when set.
	Type Type
	// Limit bounds the result size; zero means no limit.
	Limit int
}

// Matches reports whether j satisfies q.
func (q Query) Matches(j *Job) bool {
	if q.ProcessInstanceID != "" && j.ProcessInstanceID != q.ProcessInstanceID {
		return false
	}
	if q.TenantID != "" && j.TenantID != q.TenantID {
		return false
	}
	if q.HandlerType != "" && j.HandlerType != q.HandlerType {
		return false
	}
	if q.Type != "" && j.Type != q.Type {
		return false
	}
	if len(q.States) == 0 {
		return true
	}
	for _, s := range q.States {
		if j.State == s {
			return true
		}
	}
	return false
}

// SchemaManager is implemented by stores that own a persistent schema.
type SchemaManager interface {
	SchemaCreate(ctx context.Context) error
	SchemaDrop(ctx context.Context) error
	// SchemaVersion returns the installed schema version, or "" when no
	// schema is installed.
	SchemaVersion(ctx context.Context) (string, error)
}
