package mongodb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/DEEJ4Y/procengine/job"
)

const mongoURI = "mongodb://localhost:27017"

// testDatabase connects to a local MongoDB and returns a fresh database
// that is dropped when the test ends. The test is skipped when no server
// is reachable.
func testDatabase(t *testing.T) *mongo.Database {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI).SetServerSelectionTimeout(2*time.Second))
	if err != nil {
		t.Skipf("Skipping test: MongoDB not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("Skipping test: Cannot ping MongoDB: %v", err)
	}

	db := client.Database(fmt.Sprintf("procengine_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{Collection: testDatabase(t).Collection("jobs")})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.SchemaCreate(context.Background()); err != nil {
		t.Fatalf("SchemaCreate: %v", err)
	}
	return store
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewStore_RequiresCollection(t *testing.T) {
	if _, err := NewStore(Config{}); err == nil {
		t.Error("expected error without collection")
	}
}

func TestDocRoundTrip(t *testing.T) {
	end := t0.Add(time.Hour)
	j := job.NewTimer("h", t0.Add(123456*time.Nanosecond),
		job.WithProcess("pi", "pd"), job.WithRepeat("@every 1m"), job.WithEndDate(end))
	lock := t0.Add(time.Minute)
	j.LockExpiresAt = &lock

	got := toDoc(j).toJob()
	if !got.DueDate.Equal(t0) {
		t.Errorf("due date = %v, want truncated to %v", got.DueDate, t0)
	}
	if got.Timer == nil || got.Timer.Repeat != "@every 1m" || !got.Timer.EndDate.Equal(end) {
		t.Errorf("timer not preserved: %+v", got.Timer)
	}
	if got.LockExpiresAt == nil || !got.LockExpiresAt.Equal(lock) {
		t.Errorf("lock expiry not preserved: %v", got.LockExpiresAt)
	}
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	j := job.NewTimer("h", t0, job.WithProcess("pi", "pd"))
	if err := store.Insert(ctx, j); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(ctx, j); !errors.Is(err, job.ErrAlreadyExists) {
		t.Errorf("duplicate insert = %v, want ErrAlreadyExists", err)
	}

	got, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	stale := got.Clone()
	got.Retries = 9
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Update(ctx, stale); !errors.Is(err, job.ErrConcurrentModification) {
		t.Errorf("stale update = %v, want ErrConcurrentModification", err)
	}

	if err := store.Delete(ctx, j.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, j.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestStore_TryLockExclusive(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	a := job.NewTimer("h", t0, job.WithProcess("pi", "pd"))
	b := job.NewTimer("h", t0, job.WithProcess("pi", "pd"))
	for _, j := range []*job.Job{a, b} {
		if err := store.Insert(ctx, j); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	if ok, err := store.TryLock(ctx, a, "w1", t0, t0.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("TryLock a = %v, %v", ok, err)
	}
	if ok, err := store.TryLock(ctx, b, "w2", t0, t0.Add(time.Minute)); err != nil || ok {
		t.Errorf("TryLock b while a is held = %v, %v; want false", ok, err)
	}

	// Finishing a releases the process instance.
	cur, _ := store.Get(ctx, a.ID)
	if err := cur.Begin("w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := cur.Succeed(t0); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, cur); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n, _ := store.locks.CountDocuments(ctx, bson.M{}); n != 0 {
		t.Errorf("lock documents = %d, want 0", n)
	}
	if ok, err := store.TryLock(ctx, b, "w2", t0, t0.Add(time.Minute)); err != nil || !ok {
		t.Errorf("TryLock b after a finished = %v, %v", ok, err)
	}
}

func TestStore_FindDueRespectsCondition(t *testing.T) {
	ctx := context.Background()
	db := testDatabase(t)
	store, err := NewStore(Config{Collection: db.Collection("jobs"), Condition: bson.M{"tenantId": "acme"}})
	if err != nil {
		t.Fatal(err)
	}

	for _, j := range []*job.Job{
		job.NewTimer("h", t0, job.WithTenant("acme")),
		job.NewTimer("h", t0, job.WithTenant("other")),
		job.NewTimer("h", t0.Add(time.Hour), job.WithTenant("acme")),
	} {
		if err := store.Insert(ctx, j); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	due, err := store.FindDue(ctx, t0, 10)
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(due) != 1 || due[0].TenantID != "acme" {
		t.Errorf("FindDue = %d jobs, want the one due acme job", len(due))
	}
}

func TestStore_Schema(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	if v, err := store.SchemaVersion(ctx); err != nil || v != SchemaVersion {
		t.Errorf("SchemaVersion = %q, %v", v, err)
	}
	if err := store.SchemaDrop(ctx); err != nil {
		t.Fatalf("SchemaDrop: %v", err)
	}
	if v, err := store.SchemaVersion(ctx); err != nil || v != "" {
		t.Errorf("SchemaVersion after drop = %q, %v", v, err)
	}
}
