package memstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/store"
)

type entry struct {
	key     []byte
	row     map[string]any
	deleted bool
}

// Txn is a memstore transaction. Sent writes land in the overlay, where the
// transaction's own later selects see them; commit publishes the overlay.
type Txn struct {
	store.TxBase
	s       *Store
	overlay map[string]map[string]*entry
	order   []*entry
	tables  []string
}

var _ store.Transaction = (*Txn)(nil)

func (t *Txn) ExecuteNoCommit(ctx context.Context, abortOnError, force bool) error {
	return t.Send(ctx, abortOnError, force, t.apply)
}

func (t *Txn) ExecuteCommit(ctx context.Context) error {
	if err := t.Send(ctx, true, false, t.apply); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.closed {
		return dberror.Datastore("commit", dberror.ErrStoreClosed)
	}
	for i, e := range t.order {
		tree := t.s.treeLocked(t.tables[i], e.key, true)
		if e.deleted {
			tree.Delete(item{key: e.key})
			continue
		}
		tree.ReplaceOrInsert(item{key: e.key, row: cloneRow(e.row)})
	}
	home := 0
	if pk, ok := t.PartitionKey(); ok {
		home = pk.Partition(t.s.partitions)
	}
	t.s.commits[home]++
	t.Logger().Debug("Committed memstore transaction",
		zap.Int("rows", len(t.order)),
		zap.Int("partition", home),
		zap.Stringer("lock_mode", t.LockMode()))
	t.reset()
	return nil
}

func (t *Txn) ExecuteRollback(ctx context.Context) error {
	if t.IsClosed() {
		return dberror.Datastore("rollback", dberror.ErrStoreTxnClosed)
	}
	t.reset()
	return nil
}

func (t *Txn) Close() {
	t.reset()
	t.MarkClosed()
}

func (t *Txn) reset() {
	t.overlay = make(map[string]map[string]*entry)
	t.order = nil
	t.tables = nil
}

// lookup returns the row as seen by this transaction.
func (t *Txn) lookup(table string, key []byte) (map[string]any, bool) {
	if e, ok := t.overlay[table][string(key)]; ok {
		if e.deleted {
			return nil, false
		}
		return e.row, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.getLocked(table, key)
}

func (t *Txn) put(table string, key []byte, row map[string]any, deleted bool) {
	rows, ok := t.overlay[table]
	if !ok {
		rows = make(map[string]*entry)
		t.overlay[table] = rows
	}
	if e, ok := rows[string(key)]; ok {
		e.row = row
		e.deleted = deleted
		return
	}
	e := &entry{key: key, row: row, deleted: deleted}
	rows[string(key)] = e
	t.order = append(t.order, e)
	t.tables = append(t.tables, table)
}

func (t *Txn) apply(op *store.Operation) (map[string]any, bool, error) {
	existing, found := t.lookup(op.Table, op.Key)
	switch op.Kind {
	case store.OpInsert:
		if found {
			return nil, false, store.DuplicateKey(op.Table, op.Key)
		}
		t.put(op.Table, op.Key, cloneRow(op.Row), false)
	case store.OpUpdate:
		if !found {
			return nil, false, store.NoSuchRow(op.Table, op.Key)
		}
		merged := cloneRow(existing)
		for k, v := range op.Row {
			merged[k] = v
		}
		t.put(op.Table, op.Key, merged, false)
	case store.OpWrite:
		t.put(op.Table, op.Key, cloneRow(op.Row), false)
	case store.OpDelete:
		if !found {
			return nil, false, store.NoSuchRow(op.Table, op.Key)
		}
		t.put(op.Table, op.Key, nil, true)
	case store.OpSelect:
		return cloneRow(existing), found, nil
	}
	return nil, false, nil
}
