package procengine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEEJ4Y/procengine"
	"github.com/DEEJ4Y/procengine/apievent"
	"github.com/DEEJ4Y/procengine/backoff"
	"github.com/DEEJ4Y/procengine/event"
	"github.com/DEEJ4Y/procengine/job"
	"github.com/DEEJ4Y/procengine/memory"
	"github.com/DEEJ4Y/procengine/sqlite"
)

func testConfig(name string) procengine.Config {
	cfg := procengine.DefaultConfig()
	cfg.Name = name
	cfg.Registry = procengine.NewRegistry()
	cfg.Scheduler.PollInterval = 20 * time.Millisecond
	cfg.Scheduler.Backoff = backoff.NewConstant(time.Hour)
	return cfg
}

func newEngine(t *testing.T, cfg procengine.Config) *procengine.Engine {
	t.Helper()
	e, err := procengine.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

// runtimeRecorder collects runtime events delivered by the bridge.
type runtimeRecorder struct {
	mu     sync.Mutex
	events []apievent.RuntimeEvent
}

func (r *runtimeRecorder) OnRuntimeEvent(_ context.Context, e apievent.RuntimeEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *runtimeRecorder) all() []apievent.RuntimeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]apievent.RuntimeEvent(nil), r.events...)
}

func TestNew_RegistryIntegrity(t *testing.T) {
	cfg := testConfig("billing")
	e, err := procengine.New(context.Background(), cfg)
	require.NoError(t, err)

	got, ok := cfg.Registry.Get("billing")
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, []string{"billing"}, cfg.Registry.Names())

	require.NoError(t, e.Close(context.Background()))
	_, ok = cfg.Registry.Get("billing")
	assert.False(t, ok)
	assert.True(t, e.IsClosed())
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig("x")
	cfg.Store = nil
	_, err := procengine.New(context.Background(), cfg)
	assert.ErrorIs(t, err, procengine.ErrNoStore)

	cfg = testConfig("x")
	cfg.SchemaUpdate = "sometimes"
	_, err = procengine.New(context.Background(), cfg)
	assert.ErrorIs(t, err, procengine.ErrInvalidSchemaUpdate)
	assert.Empty(t, cfg.Registry.Names())
}

func TestNew_DefaultName(t *testing.T) {
	cfg := testConfig("")
	e := newEngine(t, cfg)

	assert.Equal(t, procengine.DefaultName, e.Name())
	got, ok := cfg.Registry.Default()
	require.True(t, ok)
	assert.Same(t, e, got)
}

func TestNew_DuplicateNameRejected(t *testing.T) {
	cfg := testConfig("orders")
	first := newEngine(t, cfg)

	second := cfg
	second.Store = memory.New()
	_, err := procengine.New(context.Background(), second)
	require.ErrorIs(t, err, procengine.ErrEngineExists)

	got, ok := cfg.Registry.Get("orders")
	require.True(t, ok)
	assert.Same(t, first, got, "the running engine keeps its registration")
}

func TestDefaultRegistry_IsShared(t *testing.T) {
	assert.Same(t, procengine.DefaultRegistry(), procengine.DefaultRegistry())
}

func TestLifecycle_Order(t *testing.T) {
	cfg := testConfig("lifecycle")
	cfg.Scheduler.AutoActivate = true
	cfg.Dispatcher = event.NewDispatcher(nil)

	var order []string
	cfg.Dispatcher.Subscribe(event.Filter{Types: []event.Type{event.EngineCreated, event.EngineClosed}},
		event.ListenerFunc(func(_ context.Context, e event.Event) error {
			order = append(order, e.Type.String())
			return nil
		}))
	cfg.Lifecycle = procengine.LifecycleFuncs{
		Built: func(_ context.Context, e *procengine.Engine) error {
			_, registered := cfg.Registry.Get(e.Name())
			assert.True(t, registered, "registered before OnBuilt")
			assert.True(t, e.Scheduler().IsActive(), "scheduler started before OnBuilt")
			order = append(order, "built")
			return nil
		},
		Closed: func(_ context.Context, e *procengine.Engine) error {
			_, registered := cfg.Registry.Get(e.Name())
			assert.False(t, registered, "unregistered before OnClosed")
			assert.False(t, e.Scheduler().IsActive(), "scheduler drained before OnClosed")
			order = append(order, "closed")
			return nil
		},
	}

	e, err := procengine.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()), "second close is a no-op")

	assert.Equal(t, []string{"built", "ENGINE_CREATED", "closed", "ENGINE_CLOSED"}, order)
}

func TestLifecycle_FailedConstructionLeavesEngineUnregistered(t *testing.T) {
	cfg := testConfig("broken")
	cfg.Scheduler.AutoActivate = true
	boom := errors.New("listener failed")

	var built *procengine.Engine
	cfg.Lifecycle = procengine.LifecycleFuncs{
		Built: func(_ context.Context, e *procengine.Engine) error {
			built = e
			return boom
		},
	}

	e, err := procengine.New(context.Background(), cfg)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, e)

	_, ok := cfg.Registry.Get("broken")
	assert.False(t, ok)
	require.NotNil(t, built)
	assert.False(t, built.Scheduler().IsActive(), "started scheduler is stopped again")

	// The name is free for a new attempt.
	cfg.Lifecycle = nil
	newEngine(t, cfg)
}

func TestLifecycle_FailedConstructionDropsCreateDropSchema(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.SchemaDrop(context.Background()))

	cfg := testConfig("create-drop-broken")
	cfg.Store = store
	cfg.SchemaUpdate = procengine.SchemaUpdateCreateDrop
	boom := errors.New("listener failed")
	cfg.Lifecycle = procengine.LifecycleFuncs{
		Built: func(context.Context, *procengine.Engine) error {
			version, err := store.SchemaVersion(context.Background())
			require.NoError(t, err)
			assert.Equal(t, memory.SchemaVersion, version, "schema exists while building")
			return boom
		},
	}

	_, err := procengine.New(context.Background(), cfg)
	require.ErrorIs(t, err, boom)

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Empty(t, version, "a failed engine leaves no schema behind")
}

func TestEngine_GlobalEventsReachRuntimeListeners(t *testing.T) {
	cfg := testConfig("global")
	e := newEngine(t, cfg)

	rec := &runtimeRecorder{}
	e.Events().Subscribe(rec)
	require.NoError(t, e.Close(context.Background()))

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, apievent.TypeEngineClosed, events[0].EventType())
}

func TestEngine_EndToEndDueTimer(t *testing.T) {
	store := memory.New()
	due := job.NewTimer("notify", time.Now().Add(-time.Second), job.WithRetries(3), job.WithProcess("pi-7", "pd-7"))
	require.NoError(t, store.Insert(context.Background(), due))

	cfg := testConfig("e2e")
	cfg.Store = store
	cfg.Converters = apievent.NewRegistry()
	cfg.Dispatcher = event.NewDispatcher(nil)
	cfg.Scheduler.AutoActivate = true

	var executed sync.WaitGroup
	executed.Add(1)
	cfg.Handlers.RegisterFunc("notify", func(context.Context, *job.Job) error { return nil })
	cfg.Dispatcher.Subscribe(event.Filter{Types: []event.Type{event.JobExecutionSuccess}},
		event.ListenerFunc(func(_ context.Context, e event.Event) error {
			assert.Equal(t, "pi-7", e.ProcessInstanceID)
			executed.Done()
			return nil
		}), event.AfterCommit())

	rec := &runtimeRecorder{}
	cfg.Lifecycle = procengine.LifecycleFuncs{
		Built: func(_ context.Context, e *procengine.Engine) error {
			e.Events().Subscribe(rec, apievent.TypeTimerExecuted, apievent.TypeTimerFired)
			return nil
		},
	}

	e := newEngine(t, cfg)
	executed.Wait()

	require.Eventually(t, func() bool {
		j, err := e.ManagementService().GetJob(context.Background(), due.ID)
		return err == nil && j.State == job.StateDone
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.all(), "no converter is registered, so no runtime event is emitted")
}

func TestSchema_CreateDropWithSQLite(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig("sqlite")
	cfg.Store = store
	cfg.SchemaUpdate = procengine.SchemaUpdateCreateDrop
	e, err := procengine.New(context.Background(), cfg)
	require.NoError(t, err)

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	_, err = e.ManagementService().ScheduleTimer(context.Background(), "noop", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, e.Close(context.Background()))
	version, err = store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Empty(t, version, "create-drop removes the schema on close")
}

func TestSchema_ValidateRequiresInstalledSchema(t *testing.T) {
	cfg := testConfig("validate")
	cfg.SchemaUpdate = procengine.SchemaUpdateFalse

	_, err := procengine.New(context.Background(), cfg)
	require.ErrorIs(t, err, procengine.ErrSchemaMissing)
	assert.Empty(t, cfg.Registry.Names())

	require.NoError(t, cfg.Store.(*memory.Store).SchemaCreate(context.Background()))
	newEngine(t, cfg)
}

func TestSchema_DropCreateStartsEmpty(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.SchemaCreate(context.Background()))
	require.NoError(t, store.Insert(context.Background(), job.New("leftover")))

	cfg := testConfig("drop-create")
	cfg.Store = store
	cfg.SchemaUpdate = procengine.SchemaUpdateDropCreate
	newEngine(t, cfg)

	assert.Equal(t, 0, store.Len())
	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, memory.SchemaVersion, version)
}

func TestRegistry_CloseAll(t *testing.T) {
	reg := procengine.NewRegistry()
	var engines []*procengine.Engine
	for _, name := range []string{"a", "b", "c"} {
		cfg := testConfig(name)
		cfg.Registry = reg
		e, err := procengine.New(context.Background(), cfg)
		require.NoError(t, err)
		engines = append(engines, e)
	}
	assert.Equal(t, []string{"a", "b", "c"}, reg.Names())

	require.NoError(t, reg.CloseAll(context.Background()))
	assert.Empty(t, reg.Names())
	for _, e := range engines {
		assert.True(t, e.IsClosed())
	}
}

func TestRegistry_UnregisterOnlyOwnEntry(t *testing.T) {
	reg := procengine.NewRegistry()
	cfg := testConfig("shared")
	cfg.Registry = reg
	e := newEngine(t, cfg)

	other := testConfig("shared")
	stranger, err := procengine.New(context.Background(), other)
	require.NoError(t, err)
	defer stranger.Close(context.Background())

	assert.False(t, reg.Unregister(stranger))
	got, ok := reg.Get("shared")
	require.True(t, ok)
	assert.Same(t, e, got)
}

func TestEngine_ServiceHandles(t *testing.T) {
	type runtimeService struct{ name string }
	rs := &runtimeService{name: "runtime"}

	cfg := testConfig("services")
	cfg.Services.Runtime = rs
	e := newEngine(t, cfg)

	assert.Same(t, rs, e.RuntimeService())
	assert.Nil(t, e.TaskService())
	assert.NotNil(t, e.Executor())
	assert.NotNil(t, e.Dispatcher())
	assert.NotNil(t, e.Store())
	assert.NotNil(t, e.Handlers())
}
