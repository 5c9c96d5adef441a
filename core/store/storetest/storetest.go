// Package storetest provides a recording store.Store for tests. It counts
// transaction lifecycle calls, records the order operations were sent in, and
// can be told to fail at any step.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/store"
)

// ErrInjected is returned by steps configured to fail.
var ErrInjected = errors.New("injected store failure")

// Store records every call made through its transactions.
type Store struct {
	mu sync.Mutex

	// Failure injection, consulted on each call.
	FailBegin    bool
	FailExecute  bool
	FailCommit   bool
	FailRollback bool
	// FailKey makes any non-select operation on this key fail.
	FailKey string

	Opened     int
	Executes   int
	Commits    int
	Rollbacks  int
	Closed     int
	Sent       []string
	LockModes  []store.LockMode
	Partitions []store.PartitionKey

	rows map[string]map[string]any
	last *Txn
}

// New returns an empty recording store.
func New() *Store {
	return &Store{rows: make(map[string]map[string]any)}
}

// Put seeds a committed row.
func (s *Store) Put(table string, key []byte, row map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rowKey(table, key)] = row
}

// Row returns a committed row.
func (s *Store) Row(table string, key []byte) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowKey(table, key)]
	return r, ok
}

// Last returns the most recently opened transaction.
func (s *Store) Last() *Txn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Store) Begin(ctx context.Context) (store.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailBegin {
		return nil, dberror.Datastore("Begin", ErrInjected)
	}
	s.Opened++
	t := &Txn{TxBase: store.NewTxBase(nil), s: s, staged: make(map[string]map[string]any)}
	s.last = t
	return t, nil
}

func (s *Store) Close() error { return nil }

func rowKey(table string, key []byte) string {
	return fmt.Sprintf("%s/%s", table, key)
}

// Txn is a recording store transaction.
type Txn struct {
	store.TxBase
	s      *Store
	staged map[string]map[string]any
}

var _ store.Transaction = (*Txn)(nil)

func (t *Txn) SetLockMode(m store.LockMode) {
	t.s.mu.Lock()
	t.s.LockModes = append(t.s.LockModes, m)
	t.s.mu.Unlock()
	t.TxBase.SetLockMode(m)
}

func (t *Txn) SetPartitionKey(k store.PartitionKey) error {
	if err := t.TxBase.SetPartitionKey(k); err != nil {
		return err
	}
	t.s.mu.Lock()
	t.s.Partitions = append(t.s.Partitions, k)
	t.s.mu.Unlock()
	return nil
}

func (t *Txn) ExecuteNoCommit(ctx context.Context, abortOnError, force bool) error {
	t.s.mu.Lock()
	t.s.Executes++
	fail := t.s.FailExecute
	t.s.mu.Unlock()
	if fail {
		return dberror.Datastore("execute", ErrInjected)
	}
	return t.Send(ctx, abortOnError, force, t.apply)
}

func (t *Txn) ExecuteCommit(ctx context.Context) error {
	t.s.mu.Lock()
	fail := t.s.FailCommit
	t.s.mu.Unlock()
	if fail {
		return dberror.Datastore("commit", ErrInjected)
	}
	if err := t.Send(ctx, true, false, t.apply); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.Commits++
	for k, v := range t.staged {
		if v == nil {
			delete(t.s.rows, k)
			continue
		}
		t.s.rows[k] = v
	}
	t.staged = make(map[string]map[string]any)
	return nil
}

func (t *Txn) ExecuteRollback(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.Rollbacks++
	t.staged = make(map[string]map[string]any)
	if t.s.FailRollback {
		return dberror.Datastore("rollback", ErrInjected)
	}
	return nil
}

func (t *Txn) Close() {
	if t.IsClosed() {
		return
	}
	t.s.mu.Lock()
	t.s.Closed++
	t.s.mu.Unlock()
	t.MarkClosed()
}

func (t *Txn) apply(op *store.Operation) (map[string]any, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.Sent = append(t.s.Sent, fmt.Sprintf("%s:%s:%s", op.Kind, op.Table, op.Key))
	k := rowKey(op.Table, op.Key)
	if op.Kind != store.OpSelect && t.s.FailKey != "" && string(op.Key) == t.s.FailKey {
		return nil, false, ErrInjected
	}
	row, found := t.staged[k]
	if !found {
		row, found = t.s.rows[k]
	} else if row == nil {
		found = false
	}
	switch op.Kind {
	case store.OpSelect:
		return row, found, nil
	case store.OpDelete:
		t.staged[k] = nil
	case store.OpUpdate:
		merged := make(map[string]any, len(row)+len(op.Row))
		for c, v := range row {
			merged[c] = v
		}
		for c, v := range op.Row {
			merged[c] = v
		}
		t.staged[k] = merged
	default:
		t.staged[k] = op.Row
	}
	return nil, false, nil
}
