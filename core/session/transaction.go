package session

import (
	"context"

	"github.com/sushant-115/gojosession/core/transaction"
)

// Transaction is the caller's handle on a session's transaction. It has no
// state of its own.
type Transaction struct {
	s *Session
}

func (t *Transaction) Begin(ctx context.Context) error { return t.s.Begin(ctx) }
func (t *Transaction) Commit(ctx context.Context) error { return t.s.Commit(ctx) }
func (t *Transaction) Rollback(ctx context.Context) error { return t.s.Rollback(ctx) }

// IsActive reports whether the caller has begun a transaction. An implicit
// auto-transaction does not count.
func (t *Transaction) IsActive() bool { return t.s.coord.State().IsActive() }

func (t *Transaction) SetRollbackOnly() error { return t.s.SetRollbackOnly() }
func (t *Transaction) RollbackOnly() bool { return t.s.RollbackOnly() }

// State returns the coordinator state.
func (t *Transaction) State() transaction.State { return t.s.coord.State() }
