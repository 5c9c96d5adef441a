// Package dberror defines the error taxonomy shared by the session and
// transaction layers: user errors, datastore errors and internal errors.
package dberror

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	// User errors.
	ErrTxnAlreadyActive       = errors.New("transaction is already active")
	ErrTxnNotActive           = errors.New("transaction is not active")
	ErrTxnInvalidState        = errors.New("transaction is in an invalid state for this operation")
	ErrRollbackOnly           = errors.New("transaction marked rollback-only")
	ErrPartitionKeyAlreadySet = errors.New("partition key has already been set for this transaction")
	ErrTransactionEnlisted    = errors.New("partition key cannot be set after the transaction is enlisted")
	ErrSessionClosed          = errors.New("session is closed")
	ErrWrongOwner             = errors.New("session used from a goroutine other than its owner")
	ErrHandlerNotManaged      = errors.New("value handler is not managed by this session")
	ErrInvalidKey             = errors.New("key values do not match the primary key columns")
	ErrUnknownColumn          = errors.New("unknown column")
	ErrTypeMismatch           = errors.New("value does not match column type")

	// Datastore errors.
	ErrStoreTxnClosed = errors.New("store transaction is closed")
	ErrStoreClosed    = errors.New("store is closed")

	// Internal errors.
	ErrUnbalancedEnd = errors.New("end called without a matching start")
	ErrFlushReentry  = errors.New("flush re-entered while the change list was being flushed")
)

// Kind classifies an error by who is responsible for it.
type Kind int

const (
	KindUnknown   Kind = iota
	KindUser           // Caller used the API in the wrong state; recoverable.
	KindDatastore      // The backing store reported a failure.
	KindInternal       // A bug in the caller or library; never recoverable.
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindDatastore:
		return "datastore"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error carries the Kind and the failing operation alongside the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// User wraps err as a user error for op.
func User(op string, err error) error { return wrap(KindUser, op, err) }

// Datastore wraps err as a datastore error for op. An error that already
// carries a Kind keeps it.
func Datastore(op string, err error) error { return wrap(KindDatastore, op, err) }

// Internal wraps err as an internal error for op.
func Internal(op string, err error) error { return wrap(KindInternal, op, err) }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsUser(err error) bool      { return KindOf(err) == KindUser }
func IsDatastore(err error) bool { return KindOf(err) == KindDatastore }
func IsInternal(err error) bool  { return KindOf(err) == KindInternal }
