// Package mongodb provides a job store on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/DEEJ4Y/procengine/command"
	"github.com/DEEJ4Y/procengine/job"
)

// SchemaVersion is the version recorded by SchemaCreate.
const SchemaVersion = "1"

var (
	_ job.Store              = (*Store)(nil)
	_ job.SchemaManager      = (*Store)(nil)
	_ command.SessionFactory = (*Store)(nil)
)

// Config holds the configuration for the MongoDB job store.
type Config struct {
	// Collection is the MongoDB collection where jobs are stored.
	// Required.
	Collection *mongo.Collection

	// Locks holds one document per process instance whose exclusive jobs
	// are running. Defaults to "<collection>_locks" in the same database.
	Locks *mongo.Collection

	// Meta records the schema version. Defaults to "<collection>_meta".
	Meta *mongo.Collection

	// Condition is an optional additional filter applied when looking for
	// due jobs, so one engine can process a subset of the collection.
	// Example: bson.M{"tenantId": "acme"}.
	Condition bson.M

	// Transactions runs each command session in a multi-document
	// transaction. It requires a replica set or sharded cluster. Without
	// it writes apply immediately and a failed command cannot undo them.
	Transactions bool

	// Logger receives schema messages.
	Logger *slog.Logger
}

// Store implements job.Store for MongoDB.
type Store struct {
	collection   *mongo.Collection
	locks        *mongo.Collection
	meta         *mongo.Collection
	condition    bson.M
	transactions bool
	logger       *slog.Logger
}

// NewStore creates a new MongoDB job store with the given configuration.
func NewStore(config Config) (*Store, error) {
	if config.Collection == nil {
		return nil, fmt.Errorf("mongodb: collection is required")
	}

	db := config.Collection.Database()
	if config.Locks == nil {
		config.Locks = db.Collection(config.Collection.Name() + "_locks")
	}
	if config.Meta == nil {
		config.Meta = db.Collection(config.Collection.Name() + "_meta")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Store{
		collection:   config.Collection,
		locks:        config.Locks,
		meta:         config.Meta,
		condition:    config.Condition,
		transactions: config.Transactions,
		logger:       config.Logger,
	}, nil
}

// Tx is a command session. Without transactions it does nothing.
type Tx struct {
	store   *Store
	session mongo.Session
	done    bool
}

// OpenSession starts a client session and a transaction on it when
// transactions are enabled.
func (s *Store) OpenSession(ctx context.Context) (command.Tx, error) {
	if !s.transactions {
		return &Tx{store: s}, nil
	}
	session, err := s.collection.Database().Client().StartSession()
	if err != nil {
		return nil, fmt.Errorf("mongodb: start session: %w", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("mongodb: start transaction: %w", err)
	}
	return &Tx{store: s, session: session}, nil
}

// Commit commits the transaction and ends the session.
func (t *Tx) Commit(ctx context.Context) error {
	if t.session == nil || t.done {
		return nil
	}
	t.done = true
	defer t.session.EndSession(ctx)
	if err := t.session.CommitTransaction(ctx); err != nil {
		return classify(fmt.Errorf("mongodb: commit: %w", err))
	}
	return nil
}

// Rollback aborts the transaction and ends the session. After a commit
// attempt, successful or not, the session is already ended.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.session == nil || t.done {
		return nil
	}
	t.done = true
	defer t.session.EndSession(ctx)
	if err := t.session.AbortTransaction(ctx); err != nil {
		return fmt.Errorf("mongodb: abort: %w", err)
	}
	return nil
}

// sessionCtx routes operations to the transaction of the session bound to
// ctx.
func (s *Store) sessionCtx(ctx context.Context) context.Context {
	tx, ok := command.TxFrom(ctx)
	if !ok {
		return ctx
	}
	t, ok := tx.(*Tx)
	if !ok || t.store != s || t.session == nil || t.done {
		return ctx
	}
	return mongo.NewSessionContext(ctx, t.session)
}

// classify marks transaction write conflicts as concurrent modifications.
func classify(err error) error {
	var labeled mongo.LabeledError
	if errors.As(err, &labeled) && labeled.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: %w", job.ErrConcurrentModification, err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 112 {
		return fmt.Errorf("%w: %w", job.ErrConcurrentModification, err)
	}
	return err
}

// SchemaCreate creates the indexes and records the schema version. It runs
// outside any transaction.
func (s *Store) SchemaCreate(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "dueDate", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "processInstanceId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb: create indexes: %w", err)
	}
	_, err = s.meta.UpdateOne(ctx,
		bson.M{"_id": "schema"},
		bson.M{"$set": bson.M{"version": SchemaVersion}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb: record schema version: %w", err)
	}
	s.logger.Debug("mongodb schema created", slog.String("collection", s.collection.Name()))
	return nil
}

// SchemaDrop drops the jobs, locks and meta collections.
func (s *Store) SchemaDrop(ctx context.Context) error {
	for _, c := range []*mongo.Collection{s.collection, s.locks, s.meta} {
		if err := c.Drop(ctx); err != nil {
			return fmt.Errorf("mongodb: drop %s: %w", c.Name(), err)
		}
	}
	s.logger.Debug("mongodb schema dropped", slog.String("collection", s.collection.Name()))
	return nil
}

// SchemaVersion returns the recorded schema version or "".
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var doc struct {
		Version string `bson:"version"`
	}
	err := s.meta.FindOne(ctx, bson.M{"_id": "schema"}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mongodb: schema version: %w", err)
	}
	return doc.Version, nil
}

// Insert stores a new job.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	j.Revision = 1
	if _, err := s.collection.InsertOne(s.sessionCtx(ctx), toDoc(j)); err != nil {
		j.Revision = 0
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", job.ErrAlreadyExists, j.ID)
		}
		return classify(fmt.Errorf("mongodb: insert job %s: %w", j.ID, err))
	}
	return nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	var doc jobDoc
	err := s.collection.FindOne(s.sessionCtx(ctx), bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("mongodb: get job %s: %w", id, err))
	}
	return doc.toJob(), nil
}

// Update replaces the stored job if its revision matches. A job that no
// longer holds a lock releases its process instance's exclusive lock.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	sctx := s.sessionCtx(ctx)

	doc := toDoc(j)
	doc.Revision = j.Revision + 1
	result, err := s.collection.ReplaceOne(sctx, bson.M{"_id": j.ID, "revision": j.Revision}, doc)
	if err != nil {
		return classify(fmt.Errorf("mongodb: update job %s: %w", j.ID, err))
	}
	if result.MatchedCount == 0 {
		n, err := s.collection.CountDocuments(sctx, bson.M{"_id": j.ID})
		if err != nil {
			return classify(fmt.Errorf("mongodb: update job %s: %w", j.ID, err))
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", job.ErrNotFound, j.ID)
		}
		return fmt.Errorf("mongodb: update job %s at revision %d: %w", j.ID, j.Revision, job.ErrConcurrentModification)
	}
	j.Revision++

	if j.LockOwner == "" {
		if err := s.releaseExclusive(sctx, j); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a job.
func (s *Store) Delete(ctx context.Context, id string) error {
	sctx := s.sessionCtx(ctx)

	var doc jobDoc
	err := s.collection.FindOneAndDelete(sctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return classify(fmt.Errorf("mongodb: delete job %s: %w", id, err))
	}
	return s.releaseExclusive(sctx, doc.toJob())
}

// List returns the jobs matching q.
func (s *Store) List(ctx context.Context, q job.Query) ([]*job.Job, error) {
	filter := bson.M{}
	if q.ProcessInstanceID != "" {
		filter["processInstanceId"] = q.ProcessInstanceID
	}
	if q.TenantID != "" {
		filter["tenantId"] = q.TenantID
	}
	if q.HandlerType != "" {
		filter["handlerType"] = q.HandlerType
	}
	if q.Type != "" {
		filter["type"] = string(q.Type)
	}
	if len(q.States) > 0 {
		states := make([]string, len(q.States))
		for i, st := range q.States {
			states[i] = string(st)
		}
		filter["state"] = bson.M{"$in": states}
	}
	return s.find(ctx, filter, int64(q.Limit))
}

// FindDue returns up to limit acquirable jobs.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	return s.find(ctx, s.dueFilter(now), int64(limit))
}

func (s *Store) dueFilter(now time.Time) bson.M {
	filter := bson.M{
		"$and": []bson.M{
			{"dueDate": bson.M{"$lte": now}},
			{"$or": []bson.M{
				{"state": string(job.StatePending)},
				{"state": string(job.StateLocked), "lockExpiresAt": bson.M{"$not": bson.M{"$gt": now}}},
			}},
		},
	}

	// Add custom condition if provided
	if s.condition != nil {
		andConditions := filter["$and"].([]bson.M)
		andConditions = append(andConditions, s.condition)
		filter["$and"] = andConditions
	}
	return filter
}

// TryLock atomically locks j. Exclusive jobs first take their process
// instance's lock document, which an upsert creates; a live lock held for
// another job makes the upsert collide on _id and the attempt fails.
func (s *Store) TryLock(ctx context.Context, j *job.Job, owner string, now, until time.Time) (bool, error) {
	exclusive := j.Exclusive && j.ProcessInstanceID != ""
	if exclusive {
		ok, err := s.acquireExclusive(ctx, j, owner, now, until)
		if err != nil || !ok {
			return false, err
		}
	}

	filter := s.dueFilter(now)
	filter["_id"] = j.ID
	filter["revision"] = j.Revision
	update := bson.M{
		"$set": bson.M{
			"state":         string(job.StateLocked),
			"lockOwner":     owner,
			"lockExpiresAt": until,
		},
		"$inc": bson.M{"revision": 1},
	}

	// Options: return document after update
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc jobDoc
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if exclusive {
			if _, relErr := s.locks.DeleteOne(ctx, bson.M{"_id": lockKey(j), "jobId": j.ID, "owner": owner}); relErr != nil {
				s.logger.Warn("mongodb: release exclusive lock", slog.String("job", j.ID), slog.Any("error", relErr))
			}
		}
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("mongodb: lock job %s: %w", j.ID, err)
	}

	locked := doc.toJob()
	j.State = locked.State
	j.LockOwner = locked.LockOwner
	j.LockExpiresAt = locked.LockExpiresAt
	j.Revision = locked.Revision
	return true, nil
}

func lockKey(j *job.Job) string { return "pi:" + j.ProcessInstanceID }

func (s *Store) acquireExclusive(ctx context.Context, j *job.Job, owner string, now, until time.Time) (bool, error) {
	filter := bson.M{
		"_id": lockKey(j),
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lte": now}},
			{"jobId": j.ID},
		},
	}
	update := bson.M{"$set": bson.M{"jobId": j.ID, "owner": owner, "expiresAt": until}}
	_, err := s.locks.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mongodb: lock process instance %s: %w", j.ProcessInstanceID, err)
	}
	return true, nil
}

func (s *Store) releaseExclusive(ctx context.Context, j *job.Job) error {
	if !j.Exclusive || j.ProcessInstanceID == "" {
		return nil
	}
	if _, err := s.locks.DeleteOne(ctx, bson.M{"_id": lockKey(j), "jobId": j.ID}); err != nil {
		return classify(fmt.Errorf("mongodb: release process instance %s: %w", j.ProcessInstanceID, err))
	}
	return nil
}

func (s *Store) find(ctx context.Context, filter bson.M, limit int64) ([]*job.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "dueDate", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	sctx := s.sessionCtx(ctx)
	cursor, err := s.collection.Find(sctx, filter, opts)
	if err != nil {
		return nil, classify(fmt.Errorf("mongodb: find jobs: %w", err))
	}
	var docs []jobDoc
	if err := cursor.All(sctx, &docs); err != nil {
		return nil, classify(fmt.Errorf("mongodb: decode jobs: %w", err))
	}
	jobs := make([]*job.Job, len(docs))
	for i := range docs {
		jobs[i] = docs[i].toJob()
	}
	return jobs, nil
}
