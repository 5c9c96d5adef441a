package boltstore

import (
	"context"
	"fmt"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/store"
)

// Txn is a store transaction over one writable bolt transaction. Sent
// operations are applied to the bolt transaction immediately, so later
// selects in the same transaction observe them.
type Txn struct {
	store.TxBase
	s    *Store
	tx   *bolt.Tx
	done bool
}

var _ store.Transaction = (*Txn)(nil)

func (t *Txn) ExecuteNoCommit(ctx context.Context, abortOnError, force bool) error {
	if t.done {
		return dberror.Datastore("execute", dberror.ErrStoreTxnClosed)
	}
	return t.Send(ctx, abortOnError, force, t.apply)
}

func (t *Txn) ExecuteCommit(ctx context.Context) error {
	if t.done {
		return dberror.Datastore("commit", dberror.ErrStoreTxnClosed)
	}
	if err := t.Send(ctx, true, false, t.apply); err != nil {
		return err
	}
	defer t.finish()
	if err := t.tx.Commit(); err != nil {
		return dberror.Datastore("commit", fmt.Errorf("bolt commit failed: %w", err))
	}
	fields := []zap.Field{zap.Stringer("lock_mode", t.LockMode())}
	if pk, ok := t.PartitionKey(); ok {
		fields = append(fields, zap.Int("partition", pk.Partition(t.s.partitions)))
	}
	t.Logger().Debug("Committed bolt transaction", fields...)
	return nil
}

func (t *Txn) ExecuteRollback(ctx context.Context) error {
	if t.done {
		return dberror.Datastore("rollback", dberror.ErrStoreTxnClosed)
	}
	defer t.finish()
	if err := t.tx.Rollback(); err != nil {
		return dberror.Datastore("rollback", fmt.Errorf("bolt rollback failed: %w", err))
	}
	return nil
}

// Close rolls back the bolt transaction if it is still open.
func (t *Txn) Close() {
	if !t.done {
		if err := t.tx.Rollback(); err != nil {
			t.Logger().Warn("Failed to release bolt transaction on close", zap.Error(err))
		}
		t.finish()
	}
	t.MarkClosed()
}

// finish marks the bolt transaction over and frees the writer. Bolt closes
// the transaction even when Commit or Rollback fails.
func (t *Txn) finish() {
	if t.done {
		return
	}
	t.done = true
	t.s.writer.Release(1)
}

func (t *Txn) apply(op *store.Operation) (map[string]any, bool, error) {
	if op.Kind == store.OpSelect {
		b := t.tx.Bucket([]byte(op.Table))
		if b == nil {
			return nil, false, nil
		}
		v := b.Get(op.Key)
		if v == nil {
			return nil, false, nil
		}
		row, err := store.DecodeRow(v)
		if err != nil {
			return nil, false, err
		}
		return row, true, nil
	}

	b, err := t.tx.CreateBucketIfNotExists([]byte(op.Table))
	if err != nil {
		return nil, false, fmt.Errorf("failed to open bucket %s: %w", op.Table, err)
	}
	existing := b.Get(op.Key)
	row := op.Row
	switch op.Kind {
	case store.OpInsert:
		if existing != nil {
			return nil, false, store.DuplicateKey(op.Table, op.Key)
		}
	case store.OpUpdate:
		if existing == nil {
			return nil, false, store.NoSuchRow(op.Table, op.Key)
		}
		merged, err := store.DecodeRow(existing)
		if err != nil {
			return nil, false, err
		}
		for k, v := range op.Row {
			merged[k] = v
		}
		row = merged
	case store.OpDelete:
		if existing == nil {
			return nil, false, store.NoSuchRow(op.Table, op.Key)
		}
		return nil, false, b.Delete(op.Key)
	}
	enc, err := store.EncodeRow(row)
	if err != nil {
		return nil, false, err
	}
	return nil, false, b.Put(op.Key, enc)
}
