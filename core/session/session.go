// Package session is the caller-facing unit of work. A Session owns one
// transaction coordinator and one change list; every data-access method runs
// inside an auto-transaction, so it commits on its own when the caller has
// not begun a transaction and joins the caller's transaction otherwise.
//
// A Session is meant to be used by one goroutine at a time.
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/domain"
	"github.com/sushant-115/gojosession/core/store"
	"github.com/sushant-115/gojosession/core/transaction"
	commonutils "github.com/sushant-115/gojosession/internal/common_utils"
)

// Session is a unit of work against one store.
type Session struct {
	id      string
	coord   *transaction.Coordinator
	changes *ChangeList
	kind    domain.Kind
	owner   int64
	checkGo bool
	closed  bool
	factory *Factory
	logger  *zap.Logger
}

func (s *Session) ID() string { return s.id }

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool { return s.closed }

// State exposes the coordinator state, mostly for diagnostics.
func (s *Session) State() transaction.State { return s.coord.State() }

// PendingChanges returns how many handlers wait in the change list.
func (s *Session) PendingChanges() int { return s.changes.Len() }

func (s *Session) check(op string) error {
	if s.closed {
		return dberror.User(op, dberror.ErrSessionClosed)
	}
	if s.checkGo {
		if id := commonutils.GoID(); id != s.owner {
			s.logger.Error("Session used from a foreign goroutine",
				zap.String("op", op),
				zap.Int64("owner_goroutine", s.owner),
				zap.Int64("goroutine", id),
				zap.String("caller", commonutils.Caller(2)))
			return dberror.User(op, dberror.ErrWrongOwner)
		}
	}
	return nil
}

// settle drops changes left over from a transaction that ended without
// flushing them, so they do not leak into the next one.
func (s *Session) settle(wasActive bool) {
	if wasActive && !s.coord.IsActive() && s.changes.Len() > 0 {
		s.logger.Debug("Discarding unflushed changes", zap.Int("handlers", s.changes.Len()))
		s.changes.Clear()
	}
}

// autoTransaction runs fn between Start and End. When fn fails the
// auto-transaction is abandoned with Fail and End is not called.
func (s *Session) autoTransaction(ctx context.Context, op string, fn func(tx store.Transaction) error) error {
	if err := s.check(op); err != nil {
		return err
	}
	if err := s.coord.Start(ctx); err != nil {
		return err
	}
	if err := fn(s.coord.Transaction()); err != nil {
		s.coord.Fail(ctx)
		s.settle(true)
		return err
	}
	err := s.coord.End(ctx)
	s.settle(true)
	return err
}

// Begin starts an explicit transaction.
func (s *Session) Begin(ctx context.Context) error {
	if err := s.check("Begin"); err != nil {
		return err
	}
	return s.coord.Begin(ctx)
}

// Commit flushes the change list and commits the explicit transaction.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.check("Commit"); err != nil {
		return err
	}
	wasActive := s.coord.IsActive()
	err := s.coord.Commit(ctx)
	s.settle(wasActive)
	return err
}

// Rollback abandons the explicit transaction and its unflushed changes.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.check("Rollback"); err != nil {
		return err
	}
	wasActive := s.coord.IsActive()
	err := s.coord.Rollback(ctx)
	s.settle(wasActive)
	return err
}

// CurrentTransaction returns a view of the session's transaction.
func (s *Session) CurrentTransaction() *Transaction { return &Transaction{s: s} }

// NewInstance returns an unmanaged handler for typ with its key set. It
// becomes managed once it is made persistent or saved.
func (s *Session) NewInstance(typ *domain.Type, keyValues ...any) (*domain.ValueHandler, error) {
	if err := s.check("NewInstance"); err != nil {
		return nil, err
	}
	return domain.NewKeyedHandler(typ, s.kind, keyValues...)
}

// Find reads the object with the given key. Pending work is sent together
// with the read. It returns nil, nil when no such row exists.
func (s *Session) Find(ctx context.Context, typ *domain.Type, keyValues ...any) (*domain.ValueHandler, error) {
	h, err := domain.NewKeyedHandler(typ, s.kind, keyValues...)
	if err != nil {
		return nil, err
	}
	err = s.autoTransaction(ctx, "Find", func(tx store.Transaction) error {
		op, err := h.Load(tx)
		if err != nil {
			return err
		}
		if err := s.coord.Flush(ctx, false); err != nil {
			return err
		}
		return h.ApplyResult(op.Result())
	})
	if err != nil {
		return nil, err
	}
	if !h.Found() {
		return nil, nil
	}
	h.Attach(s)
	return h, nil
}

// Load queues a read that refreshes h when the transaction next sends. In an
// auto-transaction that happens before Load returns; in an explicit
// transaction it happens on the next Flush, Find or Commit.
func (s *Session) Load(ctx context.Context, h *domain.ValueHandler) error {
	return s.autoTransaction(ctx, "Load", func(tx store.Transaction) error {
		op, err := h.Load(tx)
		if err != nil {
			return err
		}
		tx.PostExecuteCallback(func() {
			if err := h.ApplyResult(op.Result()); err != nil {
				s.logger.Warn("Failed to apply loaded row", zap.String("type", h.Type().Name()), zap.Error(err))
				return
			}
			if h.Found() {
				h.Attach(s)
			}
		})
		return nil
	})
}

// MakePersistent inserts h and makes it managed.
func (s *Session) MakePersistent(ctx context.Context, h *domain.ValueHandler) error {
	return s.autoTransaction(ctx, "MakePersistent", func(tx store.Transaction) error {
		if _, err := h.Insert(tx); err != nil {
			return err
		}
		s.manage(h)
		return nil
	})
}

// Persist is MakePersistent.
func (s *Session) Persist(ctx context.Context, h *domain.ValueHandler) error {
	return s.MakePersistent(ctx, h)
}

// MakePersistentAll inserts every handler in one transaction.
func (s *Session) MakePersistentAll(ctx context.Context, hs []*domain.ValueHandler) error {
	return s.each(ctx, "MakePersistentAll", hs, s.MakePersistent)
}

// SavePersistent inserts or replaces h and makes it managed.
func (s *Session) SavePersistent(ctx context.Context, h *domain.ValueHandler) error {
	return s.autoTransaction(ctx, "SavePersistent", func(tx store.Transaction) error {
		if _, err := h.Write(tx); err != nil {
			return err
		}
		s.manage(h)
		return nil
	})
}

func (s *Session) SavePersistentAll(ctx context.Context, hs []*domain.ValueHandler) error {
	return s.each(ctx, "SavePersistentAll", hs, s.SavePersistent)
}

// UpdatePersistent queues h's changes now instead of leaving them in the
// change list. A plain handler with nothing modified queues nothing.
func (s *Session) UpdatePersistent(ctx context.Context, h *domain.ValueHandler) error {
	return s.autoTransaction(ctx, "UpdatePersistent", func(tx store.Transaction) error {
		if _, err := h.Update(tx); err != nil {
			return err
		}
		s.changes.Remove(h)
		h.ResetModified()
		return nil
	})
}

func (s *Session) UpdatePersistentAll(ctx context.Context, hs []*domain.ValueHandler) error {
	return s.each(ctx, "UpdatePersistentAll", hs, s.UpdatePersistent)
}

// DeletePersistent deletes h's row. The handler is no longer managed and no
// longer reports the row as found.
func (s *Session) DeletePersistent(ctx context.Context, h *domain.ValueHandler) error {
	return s.autoTransaction(ctx, "DeletePersistent", func(tx store.Transaction) error {
		if _, err := h.Delete(tx); err != nil {
			return err
		}
		s.changes.Remove(h)
		h.Attach(nil)
		h.MarkDeleted()
		return nil
	})
}

func (s *Session) DeletePersistentAll(ctx context.Context, hs []*domain.ValueHandler) error {
	return s.each(ctx, "DeletePersistentAll", hs, s.DeletePersistent)
}

// each runs fn for every handler inside one enclosing auto-transaction.
func (s *Session) each(ctx context.Context, op string, hs []*domain.ValueHandler,
	fn func(context.Context, *domain.ValueHandler) error) error {
	return s.autoTransaction(ctx, op, func(store.Transaction) error {
		for i, h := range hs {
			if err := fn(ctx, h); err != nil {
				return fmt.Errorf("%s: instance %d: %w", op, i, err)
			}
		}
		return nil
	})
}

func (s *Session) manage(h *domain.ValueHandler) {
	s.changes.Remove(h)
	h.ResetModified()
	h.MarkFound()
	h.Attach(s)
}

// MarkModified records a managed handler's modification. Handlers call it
// from Set.
func (s *Session) MarkModified(h *domain.ValueHandler) {
	if s.closed {
		return
	}
	if h.Tracker() != s {
		s.logger.Warn("Ignoring modification of a handler managed elsewhere", zap.String("type", h.Type().Name()))
		return
	}
	s.changes.Add(h)
}

// Release stops managing h and drops its values.
func (s *Session) Release(h *domain.ValueHandler) error {
	if err := s.check("Release"); err != nil {
		return err
	}
	if t := h.Tracker(); t != nil && t != s {
		return dberror.User("Release", dberror.ErrHandlerNotManaged)
	}
	s.changes.Remove(h)
	h.Release()
	return nil
}

// FlushChanges turns every handler in the change list into an update on tx,
// in the order the handlers were first modified.
func (s *Session) FlushChanges(ctx context.Context, tx store.Transaction) error {
	return s.changes.Flush(func(h *domain.ValueHandler) error {
		if h.Released() {
			return nil
		}
		if _, err := h.Update(tx); err != nil {
			return err
		}
		h.ResetModified()
		return nil
	})
}

// Flush sends the change list and all pending operations without
// committing. It does nothing when no transaction is open.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.check("Flush"); err != nil {
		return err
	}
	return s.coord.Flush(ctx, false)
}

// SetPartitionKey routes the current or next transaction to the partition
// holding the given key of typ.
func (s *Session) SetPartitionKey(typ *domain.Type, keyValues ...any) error {
	if err := s.check("SetPartitionKey"); err != nil {
		return err
	}
	pk, err := typ.PartitionKey(keyValues...)
	if err != nil {
		return err
	}
	return s.coord.SetPartitionKey(pk)
}

func (s *Session) SetLockMode(mode store.LockMode) error {
	if err := s.check("SetLockMode"); err != nil {
		return err
	}
	s.coord.SetLockMode(mode)
	return nil
}

func (s *Session) LockMode() store.LockMode { return s.coord.LockMode() }

// SetRollbackOnly marks the open transaction so that it can only roll back.
func (s *Session) SetRollbackOnly() error {
	if err := s.check("SetRollbackOnly"); err != nil {
		return err
	}
	return s.coord.SetRollbackOnly()
}

func (s *Session) RollbackOnly() bool { return s.coord.RollbackOnly() }

// Close rolls back any open transaction and releases the session. Closing a
// closed session is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	err := s.coord.Close(ctx)
	s.changes.Clear()
	s.closed = true
	if s.factory != nil {
		s.factory.forget(s.id)
	}
	s.logger.Debug("Session closed")
	return err
}

func newSessionID() string { return uuid.New().String() }
