package procengine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEEJ4Y/procengine"
	"github.com/DEEJ4Y/procengine/apievent"
	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/job"
)

func TestManagement_ScheduleTimerEmitsRuntimeEvent(t *testing.T) {
	e := newEngine(t, testConfig("timers"))
	rec := &runtimeRecorder{}
	e.Events().Subscribe(rec, apievent.TypeTimerScheduled)

	due := time.Now().Add(time.Hour).UTC()
	j, err := e.ManagementService().ScheduleTimer(context.Background(), "remind", due,
		job.WithProcess("pi-1", "pd-1"), job.WithRetries(5), job.WithTenant("acme"), job.WithExclusive(false))
	require.NoError(t, err)

	events := rec.all()
	require.Len(t, events, 1)
	scheduled, ok := events[0].(apievent.TimerScheduledEvent)
	require.True(t, ok, "got %T", events[0])
	assert.Equal(t, "pi-1", scheduled.ProcessInstanceID())
	assert.Equal(t, "pd-1", scheduled.ProcessDefinitionID())

	timer := scheduled.Timer()
	assert.Equal(t, j.ID, timer.ID)
	assert.True(t, timer.Payload.DueDate.Equal(due))
	assert.False(t, timer.Payload.IsExclusive)
	assert.Equal(t, 5, timer.Payload.Retries)
	assert.Equal(t, "acme", timer.Payload.TenantID)

	stored, err := e.ManagementService().GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, stored.State)
}

func TestManagement_ScheduleTimerRollsBackOnInvalidJob(t *testing.T) {
	e := newEngine(t, testConfig("invalid"))
	rec := &runtimeRecorder{}
	e.Events().Subscribe(rec)

	_, err := e.ManagementService().ScheduleTimer(context.Background(), "remind", time.Now(), job.WithRepeat("not a schedule"))
	require.Error(t, err)

	jobs, err := e.ManagementService().ListJobs(context.Background(), job.Query{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, rec.all())
}

func TestManagement_DeadJobRevive(t *testing.T) {
	cfg := testConfig("revive")
	var healthy atomic.Bool
	cfg.Handlers.RegisterFunc("charge", func(context.Context, *job.Job) error {
		if !healthy.Load() {
			return errors.New("payment gateway down")
		}
		return nil
	})
	e := newEngine(t, cfg)
	m := e.ManagementService()
	ctx := context.Background()

	j, err := m.CreateAsyncJob(ctx, "charge", job.WithRetries(1))
	require.NoError(t, err)

	require.Error(t, m.ExecuteJob(ctx, j.ID))
	dead, err := m.DeadJobs(ctx, job.Query{})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, j.ID, dead[0].ID)
	assert.Equal(t, "payment gateway down", dead[0].ExceptionMessage)

	require.NoError(t, m.SetJobRetries(ctx, j.ID, 2))
	revived, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, revived.State)
	assert.Equal(t, 2, revived.Retries)

	healthy.Store(true)
	require.NoError(t, m.ExecuteJob(ctx, j.ID))
	done, err := m.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateDone, done.State)
}

func TestManagement_SetJobRetriesRejectsNonPositive(t *testing.T) {
	e := newEngine(t, testConfig("retries"))
	err := e.ManagementService().SetJobRetries(context.Background(), "any", 0)
	assert.ErrorIs(t, err, job.ErrInvalidJob)
}

func TestManagement_DeleteJob(t *testing.T) {
	e := newEngine(t, testConfig("delete"))
	m := e.ManagementService()
	ctx := context.Background()
	rec := &runtimeRecorder{}
	e.Events().Subscribe(rec, apievent.TypeTimerCancelled)

	j, err := m.ScheduleTimer(ctx, "remind", time.Now().Add(time.Hour), job.WithProcess("pi-2", "pd-2"))
	require.NoError(t, err)

	require.NoError(t, m.DeleteJob(ctx, j.ID))
	_, err = m.GetJob(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "pi-2", events[0].ProcessInstanceID())
}

func TestManagement_DeleteLockedJobRefused(t *testing.T) {
	e := newEngine(t, testConfig("delete-locked"))
	m := e.ManagementService()
	ctx := context.Background()

	j, err := m.CreateAsyncJob(ctx, "work")
	require.NoError(t, err)
	now := time.Now()
	ok, err := e.Store().TryLock(ctx, j, "worker-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	err = m.DeleteJob(ctx, j.ID)
	assert.ErrorIs(t, err, procengine.ErrJobLocked)
}

func TestManagement_ExecuteCommand(t *testing.T) {
	e := newEngine(t, testConfig("commands"))
	m := e.ManagementService()
	ctx := context.Background()

	res, err := m.ExecuteCommand(ctx, command.Func("count", func(ctx context.Context) (any, error) {
		_, inSession := command.SessionFrom(ctx)
		assert.True(t, inSession)
		jobs, err := e.Store().List(ctx, job.Query{})
		return len(jobs), err
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, res)

	_, err = m.ExecuteCommand(ctx, command.Func("nested", func(ctx context.Context) (any, error) {
		return nil, m.ExecuteJob(ctx, "any")
	}))
	assert.ErrorIs(t, err, procengine.ErrInsideCommand)
}

func TestManagement_ClosedEngine(t *testing.T) {
	e := newEngine(t, testConfig("closed"))
	require.NoError(t, e.Close(context.Background()))

	_, err := e.ManagementService().CreateAsyncJob(context.Background(), "work")
	assert.ErrorIs(t, err, procengine.ErrClosed)
	assert.ErrorIs(t, e.ManagementService().ExecuteJob(context.Background(), "any"), procengine.ErrClosed)
}
