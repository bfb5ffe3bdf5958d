// Package memory provides an in-memory transactional job store. It backs
// tests, the examples, and embedded engines that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/job"
)

// SchemaVersion is the version reported by SchemaVersion.
const SchemaVersion = "1"

var (
	_ job.Store              = (*Store)(nil)
	_ job.SchemaManager      = (*Store)(nil)
	_ command.SessionFactory = (*Store)(nil)
)

// Store keeps jobs in a map guarded by a mutex.
//
// Writes made inside a command are staged in the session's transaction and
// applied atomically on commit. A commit fails with a concurrent
// modification error when any job it writes changed since the transaction
// first wrote it. TryLock bypasses transactions.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*job.Job
	created bool
}

// New returns an empty store with its schema in place.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job), created: true}
}

// Tx is a memory store transaction.
type Tx struct {
	store  *Store
	writes map[string]*write
	done   bool
}

type write struct {
	// job is nil for a delete.
	job *job.Job
	// base is the committed revision when the key was first written in
	// this transaction, zero when it did not exist.
	base int
}

// OpenSession begins a transaction.
func (s *Store) OpenSession(context.Context) (command.Tx, error) {
	return &Tx{store: s, writes: make(map[string]*write)}, nil
}

// Commit applies the staged writes or fails without applying any of them.
func (t *Tx) Commit(context.Context) error {
	if t.done {
		return fmt.Errorf("memory: transaction already finished")
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range t.writes {
		if s.revisionLocked(id) != w.base {
			return fmt.Errorf("memory: commit job %s: %w", id, job.ErrConcurrentModification)
		}
	}
	for id, w := range t.writes {
		if w.job == nil {
			delete(s.jobs, id)
			continue
		}
		s.jobs[id] = w.job
	}
	return nil
}

// Rollback discards the staged writes.
func (t *Tx) Rollback(context.Context) error {
	t.done = true
	t.writes = nil
	return nil
}

func (s *Store) txFrom(ctx context.Context) *Tx {
	tx, ok := command.TxFrom(ctx)
	if !ok {
		return nil
	}
	t, ok := tx.(*Tx)
	if !ok || t.store != s || t.done {
		return nil
	}
	return t
}

func (s *Store) revisionLocked(id string) int {
	if j, ok := s.jobs[id]; ok {
		return j.Revision
	}
	return 0
}

// stage records a write, remembering the committed revision the first time
// the key is touched. Callers hold s.mu.
func (t *Tx) stage(id string, j *job.Job) {
	if w, ok := t.writes[id]; ok {
		w.job = j
		return
	}
	t.writes[id] = &write{job: j, base: t.store.revisionLocked(id)}
}

// lookupLocked returns the job visible to t, which may be nil for reads
// outside a transaction. Callers hold s.mu.
func (s *Store) lookupLocked(t *Tx, id string) (*job.Job, bool) {
	if t != nil {
		if w, ok := t.writes[id]; ok {
			return w.job, w.job != nil
		}
	}
	j, ok := s.jobs[id]
	return j, ok
}

// viewLocked returns every job visible to t. Callers hold s.mu.
func (s *Store) viewLocked(t *Tx) []*job.Job {
	out := make([]*job.Job, 0, len(s.jobs))
	for id, j := range s.jobs {
		if t != nil {
			if _, ok := t.writes[id]; ok {
				continue
			}
		}
		out = append(out, j)
	}
	if t != nil {
		for _, w := range t.writes {
			if w.job != nil {
				out = append(out, w.job)
			}
		}
	}
	return out
}

// Insert stores a new job.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	t := s.txFrom(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.lookupLocked(t, j.ID); exists {
		return fmt.Errorf("%w: %s", job.ErrAlreadyExists, j.ID)
	}
	j.Revision = 1
	if t != nil {
		t.stage(j.ID, j.Clone())
		return nil
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// Get returns a copy of the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	t := s.txFrom(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.lookupLocked(t, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return j.Clone(), nil
}

// Update replaces the stored job if its revision matches.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	t := s.txFrom(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.lookupLocked(t, j.ID)
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, j.ID)
	}
	if cur.Revision != j.Revision {
		return fmt.Errorf("memory: update job %s at revision %d, stored %d: %w",
			j.ID, j.Revision, cur.Revision, job.ErrConcurrentModification)
	}
	j.Revision++
	if t != nil {
		t.stage(j.ID, j.Clone())
		return nil
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// Delete removes a job.
func (s *Store) Delete(ctx context.Context, id string) error {
	t := s.txFrom(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookupLocked(t, id); !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if t != nil {
		t.stage(id, nil)
		return nil
	}
	delete(s.jobs, id)
	return nil
}

// List returns copies of the jobs matching q.
func (s *Store) List(ctx context.Context, q job.Query) ([]*job.Job, error) {
	t := s.txFrom(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*job.Job
	for _, j := range s.viewLocked(t) {
		if q.Matches(j) {
			out = append(out, j)
		}
	}
	return sortAndCopy(out, q.Limit), nil
}

// FindDue returns copies of up to limit acquirable jobs.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	t := s.txFrom(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*job.Job
	for _, j := range s.viewLocked(t) {
		if j.Acquirable(now) {
			out = append(out, j)
		}
	}
	return sortAndCopy(out, limit), nil
}

// TryLock locks j for owner if nobody changed or locked it since it was
// read and, for exclusive jobs, no sibling exclusive job holds a live lock.
func (s *Store) TryLock(_ context.Context, j *job.Job, owner string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[j.ID]
	if !ok || stored.Revision != j.Revision || !stored.Acquirable(now) {
		return false, nil
	}
	if stored.Exclusive && stored.ProcessInstanceID != "" && s.exclusiveHeldLocked(stored, now) {
		return false, nil
	}

	locked := stored.Clone()
	if err := locked.Lock(owner, now, until); err != nil {
		return false, nil
	}
	locked.Revision++
	s.jobs[j.ID] = locked

	j.State = locked.State
	j.LockOwner = locked.LockOwner
	j.LockExpiresAt = locked.LockExpiresAt
	j.Revision = locked.Revision
	return true, nil
}

func (s *Store) exclusiveHeldLocked(j *job.Job, now time.Time) bool {
	for id, other := range s.jobs {
		if id == j.ID || !other.Exclusive || other.ProcessInstanceID != j.ProcessInstanceID {
			continue
		}
		if other.LockOwner != "" && !other.LockExpired(now) {
			return true
		}
	}
	return false
}

// SchemaCreate marks the schema as installed.
func (s *Store) SchemaCreate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = true
	return nil
}

// SchemaDrop removes every job and marks the schema as missing.
func (s *Store) SchemaDrop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*job.Job)
	s.created = false
	return nil
}

// SchemaVersion reports SchemaVersion, or "" after SchemaDrop.
func (s *Store) SchemaVersion(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return "", nil
	}
	return SchemaVersion, nil
}

// Len returns the number of committed jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func sortAndCopy(jobs []*job.Job, limit int) []*job.Job {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].DueDate.Equal(jobs[b].DueDate) {
			return jobs[a].DueDate.Before(jobs[b].DueDate)
		}
		return jobs[a].ID < jobs[b].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	out := make([]*job.Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	return out
}
