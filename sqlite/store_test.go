package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/job"
	"github.com/DEEJ4Y/procengine/sqlite"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.SchemaCreate(context.Background()))
	return s
}

func TestSchemaLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SchemaCreate(ctx))
	require.NoError(t, s.SchemaCreate(ctx), "idempotent")
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(sqlite.SchemaVersion), v)

	require.NoError(t, s.SchemaDrop(ctx))
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	end := t0.Add(24 * time.Hour)
	j := job.NewTimer("escalate", t0,
		job.WithProcess("pi", "pd"),
		job.WithExecution("ex"),
		job.WithHandlerConfig(`{"level":2}`),
		job.WithTenant("acme"),
		job.WithRepeat("@every 1h"),
		job.WithEndDate(end),
		job.WithMaxIterations(5),
		job.WithExclusive(false),
	)
	require.NoError(t, s.Insert(ctx, j))
	assert.ErrorIs(t, s.Insert(ctx, j), job.ErrAlreadyExists)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.TypeTimer, got.Type)
	assert.Equal(t, "pi", got.ProcessInstanceID)
	assert.Equal(t, "ex", got.ExecutionID)
	assert.Equal(t, `{"level":2}`, got.HandlerConfig)
	assert.Equal(t, "acme", got.TenantID)
	assert.False(t, got.Exclusive)
	assert.True(t, got.DueDate.Equal(t0))
	assert.Nil(t, got.LockExpiresAt)
	require.NotNil(t, got.Timer)
	assert.Equal(t, "@every 1h", got.Timer.Repeat)
	assert.True(t, got.Timer.EndDate.Equal(end))
	assert.Equal(t, 5, got.Timer.MaxIterations)
	assert.Equal(t, 1, got.Revision)

	msg := job.New("notify")
	require.NoError(t, s.Insert(ctx, msg))
	got, err = s.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Timer)
	assert.True(t, got.Exclusive)
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	j := job.New("h")
	require.NoError(t, s.Insert(ctx, j))

	stale := j.Clone()
	j.Retries = 7
	require.NoError(t, s.Update(ctx, j))
	assert.Equal(t, 2, j.Revision)

	stale.Retries = 1
	assert.ErrorIs(t, s.Update(ctx, stale), job.ErrConcurrentModification)

	got, _ := s.Get(ctx, j.ID)
	assert.Equal(t, 7, got.Retries)

	require.NoError(t, s.Delete(ctx, j.ID))
	assert.ErrorIs(t, s.Delete(ctx, j.ID), job.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, j), job.ErrNotFound)
	_, err := s.Get(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestFindDueAndList(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for _, j := range []*job.Job{
		job.NewTimer("h", t0.Add(-time.Minute), job.WithID("b")),
		job.NewTimer("h", t0.Add(-time.Hour), job.WithID("c"), job.WithTenant("acme")),
		job.NewTimer("h", t0.Add(-time.Minute), job.WithID("a")),
		job.NewTimer("h", t0.Add(time.Hour), job.WithID("d")),
	} {
		require.NoError(t, s.Insert(ctx, j))
	}

	due, err := s.FindDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{due[0].ID, due[1].ID, due[2].ID})

	due, err = s.FindDue(ctx, t0, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	listed, err := s.List(ctx, job.Query{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "c", listed[0].ID)

	listed, err = s.List(ctx, job.Query{States: []job.State{job.StatePending, job.StateDead}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestTryLock(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	a := job.NewTimer("h", t0, job.WithProcess("pi", "pd"))
	b := job.NewTimer("h", t0, job.WithProcess("pi", "pd"))
	require.NoError(t, s.Insert(ctx, a))
	require.NoError(t, s.Insert(ctx, b))

	stale := a.Clone()
	ok, err := s.TryLock(ctx, a, "w1", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "w1", a.LockOwner)
	assert.Equal(t, 2, a.Revision)

	ok, _ = s.TryLock(ctx, stale, "w2", t0, t0.Add(time.Minute))
	assert.False(t, ok, "stale revision")

	ok, _ = s.TryLock(ctx, b, "w2", t0, t0.Add(time.Minute))
	assert.False(t, ok, "sibling exclusive job holds a live lock")

	due, err := s.FindDue(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2, "expired lock makes the job due again")

	ok, _ = s.TryLock(ctx, b, "w2", t0.Add(time.Minute), t0.Add(2*time.Minute))
	assert.True(t, ok)

	got, _ := s.Get(ctx, b.ID)
	assert.Equal(t, job.StateLocked, got.State)
	assert.True(t, got.LockExpiresAt.Equal(t0.Add(2*time.Minute)))
}

func TestTryLockAtMostOneHolder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	j := job.NewTimer("h", t0)
	require.NoError(t, s.Insert(ctx, j))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.TryLock(ctx, j.Clone(), "w"+strconv.Itoa(i), t0, t0.Add(time.Minute)); err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestSessionTransaction(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	ex := command.NewExecutor(s)

	kept := job.New("h")
	_, err := ex.ExecuteDefault(ctx, command.Func("insert", func(ctx context.Context) (any, error) {
		return nil, s.Insert(ctx, kept)
	}))
	require.NoError(t, err)

	boom := errors.New("boom")
	lost := job.New("h")
	_, err = ex.ExecuteDefault(ctx, command.Func("insert-then-fail", func(ctx context.Context) (any, error) {
		if err := s.Insert(ctx, lost); err != nil {
			return nil, err
		}
		cur, err := s.Get(ctx, kept.ID)
		if err != nil {
			return nil, err
		}
		cur.Retries = 0
		if err := s.Update(ctx, cur); err != nil {
			return nil, err
		}
		return nil, boom
	}))
	require.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, lost.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
	got, err := s.Get(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, job.DefaultRetries, got.Retries)
}
