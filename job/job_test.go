package job_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEEJ4Y/procengine/job"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNew_Defaults(t *testing.T) {
	j := job.New("send-mail", job.WithProcess("pi-1", "pd-1"), job.WithRepeat("@hourly"))

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, job.TypeMessage, j.Type)
	assert.Equal(t, job.StatePending, j.State)
	assert.Equal(t, job.DefaultRetries, j.Retries)
	assert.True(t, j.Exclusive)
	assert.Equal(t, "pi-1", j.ProcessInstanceID)
	assert.Nil(t, j.Timer, "timer options are ignored for message jobs")
	require.NoError(t, j.Validate())
}

func TestNewTimer(t *testing.T) {
	j := job.NewTimer("escalate", t0, job.WithRepeat("@every 1m"), job.WithMaxIterations(3), job.WithRetries(1))

	assert.True(t, j.IsTimer())
	assert.Equal(t, t0, j.DueDate)
	assert.Equal(t, "@every 1m", j.Timer.Repeat)
	assert.Equal(t, 3, j.Timer.MaxIterations)
	assert.Equal(t, 1, j.Retries)
	require.NoError(t, j.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*job.Job)
	}{
		{"missing id", func(j *job.Job) { j.ID = "" }},
		{"missing handler", func(j *job.Job) { j.HandlerType = "" }},
		{"negative retries", func(j *job.Job) { j.Retries = -1 }},
		{"unknown state", func(j *job.Job) { j.State = "sleeping" }},
		{"timer without definition", func(j *job.Job) { j.Timer = nil }},
		{"bad repeat", func(j *job.Job) { j.Timer.Repeat = "every tuesday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := job.NewTimer("h", t0)
			tt.mutate(j)
			assert.ErrorIs(t, j.Validate(), job.ErrInvalidJob)
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	j := job.NewTimer("h", t0, job.WithEndDate(t0.Add(time.Hour)))
	require.NoError(t, j.Lock("w1", t0, t0.Add(time.Minute)))

	c := j.Clone()
	c.Timer.Iterations = 7
	*c.Timer.EndDate = t0
	*c.LockExpiresAt = t0

	assert.Equal(t, 0, j.Timer.Iterations)
	assert.Equal(t, t0.Add(time.Hour), *j.Timer.EndDate)
	assert.Equal(t, t0.Add(time.Minute), *j.LockExpiresAt)
}

func TestAcquirable(t *testing.T) {
	j := job.NewTimer("h", t0)
	assert.False(t, j.Acquirable(t0.Add(-time.Second)), "not yet due")
	assert.True(t, j.Acquirable(t0))

	require.NoError(t, j.Lock("w1", t0, t0.Add(time.Minute)))
	assert.False(t, j.Acquirable(t0.Add(30*time.Second)), "live lock")
	assert.True(t, j.Acquirable(t0.Add(time.Minute)), "expired lock")
}

func TestCanTransition(t *testing.T) {
	allowed := map[job.State][]job.State{
		job.StatePending:   {job.StateLocked},
		job.StateLocked:    {job.StateLocked, job.StateExecuting, job.StatePending, job.StateDead},
		job.StateExecuting: {job.StateDone, job.StatePending, job.StateDead},
		job.StateDead:      {job.StatePending},
		job.StateDone:      nil,
	}
	all := []job.State{job.StatePending, job.StateLocked, job.StateExecuting, job.StateDone, job.StateDead}

	for from, tos := range allowed {
		for _, to := range all {
			want := false
			for _, a := range tos {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, job.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, job.CanTransition("bogus", job.StatePending))
}

func TestLock_LiveLockHeldByOther(t *testing.T) {
	j := job.New("h")
	require.NoError(t, j.Lock("w1", t0, t0.Add(time.Minute)))

	err := j.Lock("w2", t0.Add(time.Second), t0.Add(2*time.Minute))
	var lle *job.LockLostError
	require.ErrorAs(t, err, &lle)
	assert.Equal(t, "w1", lle.Holder)
	assert.True(t, job.IsLockLost(err))

	// Takeover once the lock has expired.
	require.NoError(t, j.Lock("w2", t0.Add(time.Minute), t0.Add(2*time.Minute)))
	assert.Equal(t, "w2", j.LockOwner)
}

func TestBegin_RequiresOwner(t *testing.T) {
	j := job.New("h")
	require.NoError(t, j.Lock("w1", t0, t0.Add(time.Minute)))

	assert.True(t, job.IsLockLost(j.Begin("w2")))
	require.NoError(t, j.Begin("w1"))
	assert.Equal(t, job.StateExecuting, j.State)
}

func TestSucceed_MessageJobIsDone(t *testing.T) {
	j := job.New("h")
	require.NoError(t, j.Lock("w1", t0, t0.Add(time.Minute)))
	require.NoError(t, j.Begin("w1"))

	rescheduled, err := j.Succeed(t0)
	require.NoError(t, err)
	assert.False(t, rescheduled)
	assert.Equal(t, job.StateDone, j.State)
	assert.Empty(t, j.LockOwner)
	assert.Nil(t, j.LockExpiresAt)
}

func TestSucceed_RepeatingTimerUntilMaxIterations(t *testing.T) {
	j := job.NewTimer("h", t0, job.WithRepeat("@every 1m"), job.WithMaxIterations(3))
	now := t0

	for i := 1; i <= 3; i++ {
		require.NoError(t, j.Lock("w1", now, now.Add(time.Minute)))
		require.NoError(t, j.Begin("w1"))
		rescheduled, err := j.Succeed(now)
		require.NoError(t, err)
		assert.Equal(t, i, j.Timer.Iterations)
		if i < 3 {
			require.True(t, rescheduled)
			assert.Equal(t, job.StatePending, j.State)
			assert.Equal(t, now.Add(time.Minute), j.DueDate)
			now = j.DueDate
		} else {
			assert.False(t, rescheduled)
			assert.Equal(t, job.StateDone, j.State)
		}
	}
}

func TestSucceed_NotExecuting(t *testing.T) {
	_, err := job.New("h").Succeed(t0)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestFail_ExhaustsRetries(t *testing.T) {
	j := job.New("h", job.WithRetries(2))

	require.NoError(t, j.Lock("w1", t0, t0.Add(time.Minute)))
	dead, err := j.Fail("boom", t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, dead)
	assert.Equal(t, job.StatePending, j.State)
	assert.Equal(t, 1, j.Retries)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, "boom", j.ExceptionMessage)
	assert.Equal(t, t0.Add(10*time.Second), j.DueDate)
	assert.Empty(t, j.LockOwner)

	require.NoError(t, j.Lock("w1", j.DueDate, j.DueDate.Add(time.Minute)))
	require.NoError(t, j.Begin("w1"))
	dead, err = j.Fail("boom again", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, dead)
	assert.Equal(t, job.StateDead, j.State)
	assert.Equal(t, 0, j.Retries)
	assert.Equal(t, 2, j.Attempts)
}

func TestRevive(t *testing.T) {
	j := job.New("h", job.WithRetries(1))
	require.NoError(t, j.Lock("w1", t0, t0.Add(time.Minute)))
	_, err := j.Fail("boom", t0)
	require.NoError(t, err)
	require.Equal(t, job.StateDead, j.State)

	assert.ErrorIs(t, j.Revive(0, t0), job.ErrInvalidJob)
	require.NoError(t, j.Revive(3, t0.Add(time.Hour)))
	assert.Equal(t, job.StatePending, j.State)
	assert.Equal(t, 3, j.Retries)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, t0.Add(time.Hour), j.DueDate)

	assert.ErrorIs(t, j.Revive(3, t0), job.ErrInvalidTransition, "only dead jobs revive")
}

func TestQuery_Matches(t *testing.T) {
	j := job.NewTimer("h", t0, job.WithProcess("pi", "pd"), job.WithTenant("acme"))

	assert.True(t, job.Query{}.Matches(j))
	assert.True(t, job.Query{ProcessInstanceID: "pi", Type: job.TypeTimer}.Matches(j))
	assert.False(t, job.Query{TenantID: "other"}.Matches(j))
	assert.False(t, job.Query{HandlerType: "x"}.Matches(j))
	assert.True(t, job.Query{States: []job.State{job.StateDead, job.StatePending}}.Matches(j))
	assert.False(t, job.Query{States: []job.State{job.StateDead}}.Matches(j))
}

func TestRegistry(t *testing.T) {
	r := job.NewRegistry()
	_, err := r.Lookup("missing")
	assert.ErrorIs(t, err, job.ErrUnknownHandler)

	called := 0
	r.RegisterFunc("b", func(context.Context, *job.Job) error { called++; return nil })
	r.Register("a", job.HandlerFunc(func(context.Context, *job.Job) error { return errors.New("a") }))

	h, err := r.Lookup("b")
	require.NoError(t, err)
	require.NoError(t, h.Execute(context.Background(), job.New("b")))
	assert.Equal(t, 1, called)
	assert.Equal(t, []string{"a", "b"}, r.Types())
}
