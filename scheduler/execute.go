package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/event"
	"github.com/DEEJ4Y/procengine/job"
)

// Command names, as seen by interceptors.
const (
	ExecuteJobCommand    = "ExecuteJob"
	HandleFailureCommand = "HandleFailure"
)

// failureRetries bounds conflict retries of the failure bookkeeping.
const failureRetries = 3

// execute runs a job this scheduler has locked. Handler failures are
// recorded by a separate command because the execution's own transaction
// has been rolled back. The returned error is the execution failure, if
// any.
func (s *Scheduler) execute(ctx context.Context, j *job.Job) error {
	logger := s.logger.With(slog.String("job_id", j.ID), slog.String("handler", j.HandlerType))

	_, err := s.executor.Execute(ctx, command.DefaultConfig().RequiresNew(),
		&executeJob{s: s, id: j.ID, owner: s.config.LockOwner})
	if err == nil {
		return nil
	}

	switch {
	case job.IsLockLost(err):
		logger.Warn("job lock lost during execution, skipping failure handling", slog.String("error", err.Error()))
		return err
	case errors.Is(err, job.ErrNotFound):
		logger.Info("job deleted before execution")
		return err
	}

	cfg := command.DefaultConfig().RequiresNew().WithRetry(failureRetries)
	if _, ferr := s.executor.Execute(ctx, cfg, &handleFailure{s: s, id: j.ID, owner: s.config.LockOwner, cause: err}); ferr != nil {
		if job.IsLockLost(ferr) {
			logger.Warn("job lock lost before failure handling", slog.String("error", ferr.Error()))
		} else {
			s.handleError(ctx, fmt.Errorf("record failure of job %s: %w", j.ID, ferr))
		}
	}
	return err
}

// ExecuteNow locks and runs the job with the given id synchronously,
// making it due first if necessary. It returns the execution failure, if
// any, after the failure has been recorded. It must not be called from
// inside a command.
func (s *Scheduler) ExecuteNow(ctx context.Context, id string) error {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	if j.State != job.StatePending && (j.State != job.StateLocked || !j.LockExpired(now)) {
		return fmt.Errorf("%w: %s is %s", ErrNotAcquirable, id, j.State)
	}
	if j.DueDate.After(now) {
		j.DueDate = now.UTC()
		if err := s.store.Update(ctx, j); err != nil {
			return fmt.Errorf("scheduler: make job %s due: %w", id, err)
		}
	}

	ok, err := s.lock(ctx, j)
	if err != nil {
		return fmt.Errorf("scheduler: lock job %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is locked", ErrNotAcquirable, id)
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	return s.execute(ctx, j)
}

func entityType(j *job.Job) event.EntityType {
	if j.IsTimer() {
		return event.EntityTimerJob
	}
	return event.EntityJob
}

func scope(j *job.Job) event.Scope {
	return event.Scope{
		ProcessInstanceID:   j.ProcessInstanceID,
		ProcessDefinitionID: j.ProcessDefinitionID,
		ExecutionID:         j.ExecutionID,
		TenantID:            j.TenantID,
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e event.Event) error {
	if s.dispatcher == nil {
		return nil
	}
	return s.dispatcher.Dispatch(ctx, e)
}

// executeJob runs the handler of a locked job and records the outcome in
// the same transaction.
type executeJob struct {
	s     *Scheduler
	id    string
	owner string
}

func (c *executeJob) Name() string { return ExecuteJobCommand }

func (c *executeJob) Execute(ctx context.Context) (any, error) {
	s := c.s
	j, err := s.store.Get(ctx, c.id)
	if err != nil {
		return nil, err
	}
	if err := j.CheckOwner(c.owner); err != nil {
		return nil, err
	}
	handler, err := s.handlers.Lookup(j.HandlerType)
	if err != nil {
		return nil, err
	}
	if err := j.Begin(c.owner); err != nil {
		return nil, err
	}

	et := entityType(j)
	if j.IsTimer() {
		if err := s.dispatch(ctx, event.NewEntityEvent(event.TimerFired, et, j.Clone(), scope(j))); err != nil {
			return nil, err
		}
	}

	if err := handler.Execute(ctx, j); err != nil {
		return nil, err
	}

	rescheduled, err := j.Succeed(s.now())
	if err != nil {
		return nil, err
	}
	if s.config.RemoveCompleted && !rescheduled {
		err = s.store.Delete(ctx, j.ID)
	} else {
		err = s.store.Update(ctx, j)
	}
	if err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, event.NewEntityEvent(event.JobExecutionSuccess, et, j.Clone(), scope(j))); err != nil {
		return nil, err
	}
	if rescheduled {
		if err := s.dispatch(ctx, event.NewEntityEvent(event.TimerScheduled, et, j.Clone(), scope(j))); err != nil {
			return nil, err
		}
	}
	return j, nil
}

// handleFailure consumes a retry of a job whose execution failed and
// either schedules the next attempt after the backoff delay or moves the
// job to the dead-letter state.
type handleFailure struct {
	s     *Scheduler
	id    string
	owner string
	cause error
}

func (c *handleFailure) Name() string { return HandleFailureCommand }

func (c *handleFailure) Execute(ctx context.Context) (any, error) {
	s := c.s
	j, err := s.store.Get(ctx, c.id)
	if err != nil {
		return nil, err
	}
	if err := j.CheckOwner(c.owner); err != nil {
		return nil, err
	}

	now := s.now()
	delay := s.backoff.Delay(j.Attempts + 1)
	dead, err := j.Fail(c.cause.Error(), now.Add(delay))
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, j); err != nil {
		return nil, err
	}

	et := entityType(j)
	events := []event.Event{
		event.NewEntityEvent(event.JobExecutionFailure, et, j.Clone(), scope(j)).WithErr(c.cause),
		event.NewEntityEvent(event.JobRetriesDecremented, et, j.Clone(), scope(j)),
	}
	if dead {
		events = append(events, event.NewEntityEvent(event.JobDeadLettered, event.EntityDeadLetterJob, j.Clone(), scope(j)).WithErr(c.cause))
	}
	for _, e := range events {
		if err := s.dispatch(ctx, e); err != nil {
			return nil, err
		}
	}

	logger := s.logger.With(slog.String("job_id", j.ID), slog.String("handler", j.HandlerType))
	if dead {
		logger.Warn("job failed, no retries left", slog.String("error", c.cause.Error()))
	} else {
		logger.Info("job failed, retry scheduled",
			slog.Int("retries_left", j.Retries),
			slog.Duration("delay", delay),
			slog.Time("due", j.DueDate.Truncate(time.Millisecond)),
			slog.String("error", c.cause.Error()),
		)
	}
	return dead, nil
}
