// Package store defines the contract between the session layer and a
// backing store: store transactions, pending operations and their results.
// Concrete stores live in the memstore and boltstore subpackages.
package store

import (
	"context"
	"fmt"
)

// Store opens store transactions. Implementations must be safe for
// concurrent use; the transactions they return are not.
type Store interface {
	Begin(ctx context.Context) (Transaction, error)
	Close() error
}

// Transaction is the underlying store's transaction handle. Operations queued
// on it are not sent until ExecuteNoCommit or ExecuteCommit is called.
type Transaction interface {
	ID() string

	Insert(table string, key []byte, row map[string]any) (*Operation, error)
	Update(table string, key []byte, row map[string]any) (*Operation, error)
	Write(table string, key []byte, row map[string]any) (*Operation, error)
	Delete(table string, key []byte) (*Operation, error)
	Select(table string, key []byte) (*Operation, error)

	// ExecuteNoCommit sends all pending operations without committing. With
	// abortOnError the first failing operation aborts the send; otherwise
	// failures are recorded on each Operation. force marks the transaction
	// enlisted even when nothing was pending.
	ExecuteNoCommit(ctx context.Context, abortOnError, force bool) error
	ExecuteCommit(ctx context.Context) error
	ExecuteRollback(ctx context.Context) error
	Close()

	SetPartitionKey(key PartitionKey) error
	PartitionKey() (PartitionKey, bool)
	SetLockMode(mode LockMode)
	LockMode() LockMode
	// PostExecuteCallback registers fn to run once, after the next send.
	PostExecuteCallback(fn func())
	IsEnlisted() bool
	IsClosed() bool
}

// OpKind is the type of a pending store operation.
type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpWrite
	OpDelete
	OpSelect
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	case OpSelect:
		return "select"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Operation is a single pending store action.
type Operation struct {
	Kind  OpKind
	Table string
	Key   []byte
	Row   map[string]any // Columns written by insert, update and write.

	sent   bool
	err    error
	result *Result
}

// Err returns the failure recorded for this operation by the last send.
func (o *Operation) Err() error { return o.err }

// Sent reports whether the operation has been sent to the store.
func (o *Operation) Sent() bool { return o.sent }

// Result returns the result cursor of a select, or nil for other kinds.
func (o *Operation) Result() ResultData {
	if o.result == nil {
		return nil
	}
	return o.result
}

// Complete records the outcome of executing the operation. Stores call it
// once per send.
func (o *Operation) Complete(row map[string]any, found bool, err error) {
	o.sent = true
	o.err = err
	if o.result != nil {
		o.result.row = row
		o.result.found = found
		o.result.err = err
		o.result.ready = true
	}
}

// ResultData is the result of a select. It is only meaningful after the send
// that executed the select.
type ResultData interface {
	Ready() bool
	Found() bool
	Row() map[string]any
	Err() error
}

// Result is the ResultData implementation shared by all stores.
type Result struct {
	ready bool
	found bool
	row   map[string]any
	err   error
}

func (r *Result) Ready() bool         { return r.ready }
func (r *Result) Found() bool         { return r.found }
func (r *Result) Row() map[string]any { return r.row }
func (r *Result) Err() error          { return r.err }

// Datastore error codes reported by the bundled stores.
const (
	CodeNoSuchRow    = 626
	CodeDuplicateKey = 630
	CodeUnknownTable = 723
)

// CodeError is a failure reported by the store for a single operation.
type CodeError struct {
	Code    int
	Message string
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("store error %d: %s", e.Code, e.Message)
}

// NoSuchRow builds the error for an update or delete of a missing row.
func NoSuchRow(table string, key []byte) error {
	return &CodeError{Code: CodeNoSuchRow, Message: fmt.Sprintf("tuple did not exist in %s (key %x)", table, key)}
}

// DuplicateKey builds the error for an insert of an existing row.
func DuplicateKey(table string, key []byte) error {
	return &CodeError{Code: CodeDuplicateKey, Message: fmt.Sprintf("duplicate primary key in %s (key %x)", table, key)}
}
