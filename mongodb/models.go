package mongodb

import (
	"time"

	"github.com/DEEJ4Y/procengine/job"
)

// jobDoc is the stored form of a job. MongoDB keeps millisecond precision,
// so times are truncated on the way in.
type jobDoc struct {
	ID                  string     `bson:"_id"`
	Type                string     `bson:"type"`
	ProcessInstanceID   string     `bson:"processInstanceId"`
	ProcessDefinitionID string     `bson:"processDefinitionId,omitempty"`
	ExecutionID         string     `bson:"executionId,omitempty"`
	HandlerType         string     `bson:"handlerType"`
	HandlerConfig       string     `bson:"handlerConfig,omitempty"`
	Retries             int        `bson:"retries"`
	Attempts            int        `bson:"attempts"`
	Exclusive           bool       `bson:"exclusive"`
	TenantID            string     `bson:"tenantId,omitempty"`
	State               string     `bson:"state"`
	DueDate             time.Time  `bson:"dueDate"`
	LockOwner           string     `bson:"lockOwner"`
	LockExpiresAt       *time.Time `bson:"lockExpiresAt"`
	ExceptionMessage    string     `bson:"exceptionMessage,omitempty"`
	Revision            int        `bson:"revision"`
	CreatedAt           time.Time  `bson:"createdAt"`
	Timer               *timerDoc  `bson:"timer,omitempty"`
}

type timerDoc struct {
	Repeat        string     `bson:"repeat,omitempty"`
	EndDate       *time.Time `bson:"endDate,omitempty"`
	MaxIterations int        `bson:"maxIterations,omitempty"`
	Iterations    int        `bson:"iterations"`
}

func ms(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

func msPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ms(*t)
	return &v
}

func toDoc(j *job.Job) *jobDoc {
	d := &jobDoc{
		ID:                  j.ID,
		Type:                string(j.Type),
		ProcessInstanceID:   j.ProcessInstanceID,
		ProcessDefinitionID: j.ProcessDefinitionID,
		ExecutionID:         j.ExecutionID,
		HandlerType:         j.HandlerType,
		HandlerConfig:       j.HandlerConfig,
		Retries:             j.Retries,
		Attempts:            j.Attempts,
		Exclusive:           j.Exclusive,
		TenantID:            j.TenantID,
		State:               string(j.State),
		DueDate:             ms(j.DueDate),
		LockOwner:           j.LockOwner,
		LockExpiresAt:       msPtr(j.LockExpiresAt),
		ExceptionMessage:    j.ExceptionMessage,
		Revision:            j.Revision,
		CreatedAt:           ms(j.CreatedAt),
	}
	if j.Timer != nil {
		d.Timer = &timerDoc{
			Repeat:        j.Timer.Repeat,
			EndDate:       msPtr(j.Timer.EndDate),
			MaxIterations: j.Timer.MaxIterations,
			Iterations:    j.Timer.Iterations,
		}
	}
	return d
}

func (d *jobDoc) toJob() *job.Job {
	j := &job.Job{
		ID:                  d.ID,
		Type:                job.Type(d.Type),
		ProcessInstanceID:   d.ProcessInstanceID,
		ProcessDefinitionID: d.ProcessDefinitionID,
		ExecutionID:         d.ExecutionID,
		HandlerType:         d.HandlerType,
		HandlerConfig:       d.HandlerConfig,
		Retries:             d.Retries,
		Attempts:            d.Attempts,
		Exclusive:           d.Exclusive,
		TenantID:            d.TenantID,
		State:               job.State(d.State),
		DueDate:             d.DueDate.UTC(),
		LockOwner:           d.LockOwner,
		ExceptionMessage:    d.ExceptionMessage,
		Revision:            d.Revision,
		CreatedAt:           d.CreatedAt.UTC(),
	}
	if d.LockExpiresAt != nil {
		t := d.LockExpiresAt.UTC()
		j.LockExpiresAt = &t
	}
	if d.Timer != nil {
		j.Timer = &job.Timer{
			Repeat:        d.Timer.Repeat,
			MaxIterations: d.Timer.MaxIterations,
			Iterations:    d.Timer.Iterations,
		}
		if d.Timer.EndDate != nil {
			t := d.Timer.EndDate.UTC()
			j.Timer.EndDate = &t
		}
	}
	return j
}
