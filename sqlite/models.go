package sqlite

import (
	"database/sql"
	"strings"
	"time"

	"github.com/DEEJ4Y/procengine/job"
)

// Times are stored as UTC Unix nanoseconds so comparisons in SQL are
// integer comparisons.

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// values returns j's column values in the order of columns.
func values(j *job.Job) []any {
	var (
		repeat         string
		endDate        *time.Time
		maxIter, iters int
	)
	if j.Timer != nil {
		repeat = j.Timer.Repeat
		endDate = j.Timer.EndDate
		maxIter = j.Timer.MaxIterations
		iters = j.Timer.Iterations
	}
	return []any{
		j.ID, string(j.Type), j.ProcessInstanceID, j.ProcessDefinitionID, j.ExecutionID,
		j.HandlerType, j.HandlerConfig, j.Retries, j.Attempts, boolInt(j.Exclusive), j.TenantID, string(j.State),
		nanos(j.DueDate), j.LockOwner, nullNanos(j.LockExpiresAt), j.ExceptionMessage, j.Revision, nanos(j.CreatedAt),
		repeat, nullNanos(endDate), maxIter, iters,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                        job.Job
		typ, state               string
		exclusive                int
		due, created             int64
		lockExpires, endDate     sql.NullInt64
		repeat                   string
		maxIterations, iteration int
	)
	err := row.Scan(
		&j.ID, &typ, &j.ProcessInstanceID, &j.ProcessDefinitionID, &j.ExecutionID,
		&j.HandlerType, &j.HandlerConfig, &j.Retries, &j.Attempts, &exclusive, &j.TenantID, &state,
		&due, &j.LockOwner, &lockExpires, &j.ExceptionMessage, &j.Revision, &created,
		&repeat, &endDate, &maxIterations, &iteration,
	)
	if err != nil {
		return nil, err
	}
	j.Type = job.Type(typ)
	j.State = job.State(state)
	j.Exclusive = exclusive != 0
	j.DueDate = fromNanos(due)
	j.CreatedAt = fromNanos(created)
	j.LockExpiresAt = fromNullNanos(lockExpires)
	if j.Type == job.TypeTimer {
		j.Timer = &job.Timer{
			Repeat:        repeat,
			EndDate:       fromNullNanos(endDate),
			MaxIterations: maxIterations,
			Iterations:    iteration,
		}
	}
	return &j, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
