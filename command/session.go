package command

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Tx is a storage transaction opened by a SessionFactory.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SessionFactory is implemented by storage drivers. OpenSession begins a
// transaction that stays open for the whole top-level command execution.
type SessionFactory interface {
	OpenSession(ctx context.Context) (Tx, error)
}

// Session is the storage scope of one top-level command execution. A
// session belongs to exactly one call stack and is not safe for concurrent
// use; nested executions reach it through the context.
type Session struct {
	factory    SessionFactory
	tx         Tx
	closers    []io.Closer
	onCommit   []func(ctx context.Context)
	onRollback []func(ctx context.Context)
	finished   bool
	closed     bool
}

type sessionKey struct{}

type boundaryKey struct{}

// SessionFrom returns the session bound to ctx, if any.
func SessionFrom(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}

// TxFrom returns the transaction of the session bound to ctx. Storage
// drivers use it to route calls made inside a command to the open
// transaction.
func TxFrom(ctx context.Context) (Tx, bool) {
	s, ok := SessionFrom(ctx)
	if !ok || s.closed {
		return nil, false
	}
	return s.tx, true
}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// withoutSession hides an enclosing session from ctx.
func withoutSession(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey{}, (*Session)(nil))
}

// withBoundary records whether the current execution owns the session.
func withBoundary(ctx context.Context, owner bool) context.Context {
	return context.WithValue(ctx, boundaryKey{}, owner)
}

func ownsSession(ctx context.Context) bool {
	owner, _ := ctx.Value(boundaryKey{}).(bool)
	return owner
}

func openSession(ctx context.Context, factory SessionFactory) (*Session, error) {
	if factory == nil {
		return nil, ErrNoSessionFactory
	}
	tx, err := factory.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &Session{factory: factory, tx: tx}, nil
}

// Tx returns the open storage transaction.
func (s *Session) Tx() Tx { return s.tx }

// Attach registers a resource to release when the session closes.
// Resources are released in reverse order of attachment.
func (s *Session) Attach(c io.Closer) {
	s.closers = append(s.closers, c)
}

// OnCommit registers fn to run after the transaction commits. Callbacks run
// in registration order with a context that carries no session, so they may
// execute commands of their own. They are discarded on rollback.
func (s *Session) OnCommit(fn func(ctx context.Context)) {
	s.onCommit = append(s.onCommit, fn)
}

// OnRollback registers fn to run after the transaction rolls back.
func (s *Session) OnRollback(fn func(ctx context.Context)) {
	s.onRollback = append(s.onRollback, fn)
}

func (s *Session) commit(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.finished {
		return nil
	}
	if err := s.tx.Commit(ctx); err != nil {
		// A failed commit leaves nothing applied; the transaction is spent.
		s.finished = true
		hooks := s.onRollback
		s.onCommit, s.onRollback = nil, nil
		afterCtx := withoutSession(ctx)
		for _, fn := range hooks {
			fn(afterCtx)
		}
		return fmt.Errorf("commit: %w", err)
	}
	s.finished = true

	hooks := s.onCommit
	s.onCommit, s.onRollback = nil, nil
	afterCtx := withoutSession(ctx)
	for _, fn := range hooks {
		fn(afterCtx)
	}
	return nil
}

func (s *Session) rollback(ctx context.Context) error {
	if s.finished {
		return nil
	}
	s.finished = true
	err := s.tx.Rollback(ctx)

	hooks := s.onRollback
	s.onCommit, s.onRollback = nil, nil
	afterCtx := withoutSession(ctx)
	for _, fn := range hooks {
		fn(afterCtx)
	}
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// reset rolls back the current transaction and begins a fresh one so a
// conflicting attempt can be replayed from a clean state.
func (s *Session) reset(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	rbErr := s.rollback(ctx)
	tx, err := s.factory.OpenSession(ctx)
	if err != nil {
		return errors.Join(rbErr, fmt.Errorf("reopen session: %w", err))
	}
	s.tx = tx
	s.finished = false
	return rbErr
}

// close rolls back an unfinished transaction and releases attached
// resources. It always releases every resource.
func (s *Session) close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	var errs []error
	if !s.finished {
		errs = append(errs, s.rollback(ctx))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("release resource: %w", err))
		}
	}
	s.closers = nil
	s.closed = true
	return errors.Join(errs...)
}
