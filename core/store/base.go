package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosession/core/dberror"
)

// ApplyFunc executes one operation against a store transaction's view of the
// data. Selects return the row and whether it was found.
type ApplyFunc func(op *Operation) (row map[string]any, found bool, err error)

// TxBase carries the bookkeeping every store transaction needs: the pending
// batch, post-execute callbacks, partition key, lock mode and enlistment.
// Stores embed it and supply an ApplyFunc to Send.
type TxBase struct {
	id           string
	logger       *zap.Logger
	pending      []*Operation
	callbacks    CallbackQueue
	partitionKey PartitionKey
	hasPartition bool
	lockMode     LockMode
	enlisted     bool
	closed       bool
}

// NewTxBase returns a TxBase with a fresh transaction ID.
func NewTxBase(logger *zap.Logger) TxBase {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()
	return TxBase{id: id, logger: logger.With(zap.String("store_txn_id", id))}
}

func (b *TxBase) ID() string { return b.id }
func (b *TxBase) Logger() *zap.Logger { return b.logger }
func (b *TxBase) IsEnlisted() bool { return b.enlisted }
func (b *TxBase) IsClosed() bool { return b.closed }
func (b *TxBase) LockMode() LockMode { return b.lockMode }
func (b *TxBase) SetLockMode(m LockMode) { b.lockMode = m }
func (b *TxBase) PendingCount() int { return len(b.pending) }

func (b *TxBase) Insert(table string, key []byte, row map[string]any) (*Operation, error) {
	return b.queue(OpInsert, table, key, row)
}

func (b *TxBase) Update(table string, key []byte, row map[string]any) (*Operation, error) {
	return b.queue(OpUpdate, table, key, row)
}

func (b *TxBase) Write(table string, key []byte, row map[string]any) (*Operation, error) {
	return b.queue(OpWrite, table, key, row)
}

func (b *TxBase) Delete(table string, key []byte) (*Operation, error) {
	return b.queue(OpDelete, table, key, nil)
}

func (b *TxBase) Select(table string, key []byte) (*Operation, error) {
	return b.queue(OpSelect, table, key, nil)
}

func (b *TxBase) queue(kind OpKind, table string, key []byte, row map[string]any) (*Operation, error) {
	if b.closed {
		return nil, dberror.Datastore(kind.String(), dberror.ErrStoreTxnClosed)
	}
	op := &Operation{Kind: kind, Table: table, Key: append([]byte(nil), key...), Row: row}
	if kind == OpSelect {
		op.result = &Result{}
	}
	b.pending = append(b.pending, op)
	return op, nil
}

// SetPartitionKey sets the routing hint once, before enlistment.
func (b *TxBase) SetPartitionKey(key PartitionKey) error {
	if b.closed {
		return dberror.Datastore("SetPartitionKey", dberror.ErrStoreTxnClosed)
	}
	if b.hasPartition {
		return dberror.User("SetPartitionKey", dberror.ErrPartitionKeyAlreadySet)
	}
	if b.enlisted {
		return dberror.User("SetPartitionKey", dberror.ErrTransactionEnlisted)
	}
	b.partitionKey = PartitionKey{Table: key.Table, Key: append([]byte(nil), key.Key...)}
	b.hasPartition = true
	return nil
}

func (b *TxBase) PartitionKey() (PartitionKey, bool) {
	return b.partitionKey, b.hasPartition
}

func (b *TxBase) PostExecuteCallback(fn func()) {
	if b.closed {
		return
	}
	b.callbacks.Register(fn)
}

// Send applies all pending operations in queue order and then drains the
// post-execute callbacks. When abortOnError is set the first failure stops
// the send, the remaining operations and callbacks are dropped, and the
// failure is returned as a datastore error.
func (b *TxBase) Send(ctx context.Context, abortOnError, force bool, apply ApplyFunc) error {
	if b.closed {
		return dberror.Datastore("execute", dberror.ErrStoreTxnClosed)
	}
	if err := ctx.Err(); err != nil {
		return dberror.Datastore("execute", err)
	}
	ops := b.pending
	b.pending = nil
	if len(ops) > 0 || force {
		b.enlisted = true
	}
	for i, op := range ops {
		row, found, err := apply(op)
		op.Complete(row, found, err)
		if err != nil && abortOnError {
			dropped := b.callbacks.Discard()
			b.logger.Debug("Send aborted on operation failure",
				zap.Int("op_index", i),
				zap.Stringer("op", op.Kind),
				zap.String("table", op.Table),
				zap.Int("unsent_ops", len(ops)-i-1),
				zap.Int("dropped_callbacks", dropped),
				zap.Error(err))
			return dberror.Datastore("execute", fmt.Errorf("%s on %s: %w", op.Kind, op.Table, err))
		}
	}
	n := b.callbacks.Drain()
	b.logger.Debug("Sent pending operations", zap.Int("ops", len(ops)), zap.Int("callbacks", n))
	return nil
}

// MarkClosed releases the batch and any callbacks that never ran.
func (b *TxBase) MarkClosed() {
	if b.closed {
		return
	}
	b.closed = true
	if n := b.callbacks.Discard(); n > 0 {
		b.logger.Debug("Discarded post-execute callbacks on close", zap.Int("callbacks", n))
	}
	b.pending = nil
}
