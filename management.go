package procengine

import (
	"context"
	"fmt"
	"time"

	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/event"
	"github.com/DEEJ4Y/procengine/job"
)

// Command names of the management operations.
const (
	ScheduleTimerCommand  = "ScheduleTimer"
	CreateAsyncJobCommand = "CreateAsyncJob"
	GetJobCommand         = "GetJob"
	ListJobsCommand       = "ListJobs"
	SetJobRetriesCommand  = "SetJobRetries"
	DeleteJobCommand      = "DeleteJob"
)

// ManagementService manages the jobs and timers of an engine. Every
// operation runs as a command through the engine's executor.
type ManagementService struct {
	engine *Engine
}

func (m *ManagementService) now() time.Time {
	return m.engine.scheduler.Config().Now()
}

func jobEntity(j *job.Job) event.EntityType {
	if j.IsTimer() {
		return event.EntityTimerJob
	}
	return event.EntityJob
}

func jobScope(j *job.Job) event.Scope {
	return event.Scope{
		ProcessInstanceID:   j.ProcessInstanceID,
		ProcessDefinitionID: j.ProcessDefinitionID,
		ExecutionID:         j.ExecutionID,
		TenantID:            j.TenantID,
	}
}

func (m *ManagementService) run(ctx context.Context, cfg command.Config, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := m.engine.checkOpen(); err != nil {
		return nil, err
	}
	return m.engine.executor.Execute(ctx, cfg, command.Func(name, fn))
}

func (m *ManagementService) insert(ctx context.Context, name string, j *job.Job, events ...event.Type) (*job.Job, error) {
	_, err := m.run(ctx, command.DefaultConfig(), name, func(ctx context.Context) (any, error) {
		if err := m.engine.store.Insert(ctx, j); err != nil {
			return nil, err
		}
		for _, typ := range events {
			if err := m.engine.dispatcher.Dispatch(ctx, event.NewEntityEvent(typ, jobEntity(j), j.Clone(), jobScope(j))); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ScheduleTimer stores a timer job due at due. Options set the process
// scope, retries, and repeat schedule.
func (m *ManagementService) ScheduleTimer(ctx context.Context, handlerType string, due time.Time, opts ...job.Option) (*job.Job, error) {
	j := job.NewTimer(handlerType, due, opts...)
	return m.insert(ctx, ScheduleTimerCommand, j, event.EntityCreated, event.TimerScheduled)
}

// CreateAsyncJob stores an asynchronous continuation that is due now.
func (m *ManagementService) CreateAsyncJob(ctx context.Context, handlerType string, opts ...job.Option) (*job.Job, error) {
	return m.insert(ctx, CreateAsyncJobCommand, job.New(handlerType, opts...), event.EntityCreated)
}

// GetJob returns the job with the given id.
func (m *ManagementService) GetJob(ctx context.Context, id string) (*job.Job, error) {
	res, err := m.run(ctx, command.DefaultConfig(), GetJobCommand, func(ctx context.Context) (any, error) {
		return m.engine.store.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(*job.Job), nil
}

// ListJobs returns the jobs matching q.
func (m *ManagementService) ListJobs(ctx context.Context, q job.Query) ([]*job.Job, error) {
	res, err := m.run(ctx, command.DefaultConfig(), ListJobsCommand, func(ctx context.Context) (any, error) {
		return m.engine.store.List(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return res.([]*job.Job), nil
}

// DeadJobs returns the jobs matching q that have no retries left.
func (m *ManagementService) DeadJobs(ctx context.Context, q job.Query) ([]*job.Job, error) {
	q.States = []job.State{job.StateDead}
	return m.ListJobs(ctx, q)
}

// SetJobRetries sets the retry budget of a job. A dead job is revived and
// becomes due immediately.
func (m *ManagementService) SetJobRetries(ctx context.Context, id string, retries int) error {
	if retries <= 0 {
		return fmt.Errorf("%w: retries must be > 0, got %d", job.ErrInvalidJob, retries)
	}
	_, err := m.run(ctx, command.DefaultConfig().WithRetry(3), SetJobRetriesCommand, func(ctx context.Context) (any, error) {
		j, err := m.engine.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.State == job.StateDead {
			if err := j.Revive(retries, m.now()); err != nil {
				return nil, err
			}
		} else {
			j.Retries = retries
		}
		if err := m.engine.store.Update(ctx, j); err != nil {
			return nil, err
		}
		return nil, m.engine.dispatcher.Dispatch(ctx, event.NewEntityEvent(event.EntityUpdated, jobEntity(j), j.Clone(), jobScope(j)))
	})
	return err
}

// DeleteJob removes a job that no worker holds and dispatches JobCanceled.
func (m *ManagementService) DeleteJob(ctx context.Context, id string) error {
	_, err := m.run(ctx, command.DefaultConfig(), DeleteJobCommand, func(ctx context.Context) (any, error) {
		j, err := m.engine.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.State == job.StateExecuting || j.State == job.StateLocked && !j.LockExpired(m.now()) {
			return nil, fmt.Errorf("%w: %s held by %s", ErrJobLocked, id, j.LockOwner)
		}
		if err := m.engine.store.Delete(ctx, id); err != nil {
			return nil, err
		}
		return nil, m.engine.dispatcher.Dispatch(ctx, event.NewEntityEvent(event.JobCanceled, jobEntity(j), j, jobScope(j)))
	})
	return err
}

// ExecuteJob runs a job synchronously, making it due first if necessary,
// and returns the handler's error after the failure has been recorded.
func (m *ManagementService) ExecuteJob(ctx context.Context, id string) error {
	if err := m.engine.checkOpen(); err != nil {
		return err
	}
	if _, inCommand := command.SessionFrom(ctx); inCommand {
		return ErrInsideCommand
	}
	return m.engine.scheduler.ExecuteNow(ctx, id)
}

// ExecuteCommand runs cmd with the executor's default configuration.
func (m *ManagementService) ExecuteCommand(ctx context.Context, cmd command.Command) (any, error) {
	return m.ExecuteCommandWithConfig(ctx, m.engine.executor.DefaultConfig(), cmd)
}

// ExecuteCommandWithConfig runs cmd with cfg.
func (m *ManagementService) ExecuteCommandWithConfig(ctx context.Context, cfg command.Config, cmd command.Command) (any, error) {
	if err := m.engine.checkOpen(); err != nil {
		return nil, err
	}
	return m.engine.executor.Execute(ctx, cfg, cmd)
}
