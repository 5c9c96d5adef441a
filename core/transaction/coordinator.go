// Package transaction implements the session transaction coordinator: the
// state machine that decides, for every data-access call, whether a store
// transaction exists, whether one has to be opened implicitly, and when
// pending work is sent, committed or rolled back.
//
// A Coordinator owns at most one store.Transaction at a time. The
// transaction exists exactly while the state is Active (explicit Begin) or
// Autocommit (implicit Start, possibly nested). Every path that finishes a
// transaction, successful or not, closes the store transaction and returns
// to NotActive before reporting.
//
// A Coordinator is not safe for concurrent use.
package transaction

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/store"
	internaltelemetry "github.com/sushant-115/gojosession/internal/telemetry"
)

// Opener opens store transactions. store.Store satisfies it.
type Opener interface {
	Begin(ctx context.Context) (store.Transaction, error)
}

// ChangeFlusher pushes accumulated object modifications into pending
// operations on tx. It is called before every send and every commit.
type ChangeFlusher interface {
	FlushChanges(ctx context.Context, tx store.Transaction) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

func WithMetrics(m *internaltelemetry.SessionMetrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithChangeFlusher installs the hook that turns modified objects into
// operations.
func WithChangeFlusher(f ChangeFlusher) Option {
	return func(c *Coordinator) { c.flusher = f }
}

// WithSecondaryErrorHandler receives rollback failures that Fail has to
// swallow because the caller is already returning another error.
func WithSecondaryErrorHandler(fn func(error)) Option {
	return func(c *Coordinator) { c.onSecondaryError = fn }
}

// WithLockMode sets the initial lock mode.
func WithLockMode(mode store.LockMode) Option {
	return func(c *Coordinator) { c.lockMode = mode }
}

// Coordinator is the transaction state machine of one session.
type Coordinator struct {
	opener           Opener
	state            State
	tx               store.Transaction
	rollbackOnly     bool
	partitionKey     *store.PartitionKey
	lockMode         store.LockMode
	flusher          ChangeFlusher
	flushing         bool
	onSecondaryError func(error)

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.SessionMetrics
}

// NewCoordinator returns a Coordinator in the NotActive state.
func NewCoordinator(opener Opener, opts ...Option) *Coordinator {
	c := &Coordinator{
		opener:  opener,
		state:   NotActive(),
		logger:  zap.NewNop(),
		tracer:  nooptrace.NewTracerProvider().Tracer(""),
		metrics: internaltelemetry.NoopSessionMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current transaction state.
func (c *Coordinator) State() State { return c.state }

// Transaction returns the open store transaction, or nil in NotActive.
func (c *Coordinator) Transaction() store.Transaction { return c.tx }

// IsActive reports whether a store transaction is open.
func (c *Coordinator) IsActive() bool { return c.tx != nil }

// Begin opens an explicit transaction. It is a user error unless the state
// is NotActive.
func (c *Coordinator) Begin(ctx context.Context) error {
	next, err := c.state.Begin()
	if err != nil {
		return err
	}
	if err := c.open(ctx); err != nil {
		return err
	}
	c.state = next
	c.logger.Debug("Transaction begun", zap.String("store_txn_id", c.tx.ID()))
	return nil
}

// Commit flushes pending changes and commits the explicit transaction. A
// rollback-only transaction is rolled back instead and ErrRollbackOnly is
// returned. The store transaction is closed on every path.
func (c *Coordinator) Commit(ctx context.Context) error {
	if _, err := c.state.Commit(); err != nil {
		return err
	}
	return c.commitAndClose(ctx, "Commit")
}

// Rollback rolls back the explicit transaction. The store transaction is
// closed even when the rollback itself fails.
func (c *Coordinator) Rollback(ctx context.Context) error {
	if _, err := c.state.Rollback(); err != nil {
		return err
	}
	return c.rollbackAndClose(ctx, "Rollback")
}

// Start enters an auto-transaction. From NotActive it opens a store
// transaction; if that fails the state stays NotActive and the error is
// returned. In Active it does nothing; in Autocommit it nests.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.state.IsNotActive() {
		if err := c.open(ctx); err != nil {
			return err
		}
		c.metrics.AutoTxnsCounter.Add(ctx, 1)
	}
	c.state = c.state.Start()
	return nil
}

// End leaves an auto-transaction. Leaving the outermost level commits as
// Commit does. End in NotActive means start/end pairing was lost and panics
// with an internal error.
func (c *Coordinator) End(ctx context.Context) error {
	next, commit, err := c.state.End()
	if err != nil {
		c.logger.Error("End called without a matching Start", zap.Stringer("state", c.state))
		panic(err)
	}
	if !commit {
		c.state = next
		return nil
	}
	return c.commitAndClose(ctx, "End")
}

// Fail abandons the auto-transaction at any depth, rolling it back. It never
// returns an error: a rollback failure is logged, counted and passed to the
// secondary error handler. Fail does nothing in Active or NotActive.
func (c *Coordinator) Fail(ctx context.Context) {
	if !c.state.IsAutocommit() {
		return
	}
	if err := c.rollbackAndClose(ctx, "Fail"); err != nil {
		c.metrics.SecondaryErrorsCounter.Add(ctx, 1)
		c.logger.Warn("Rollback failed while abandoning auto-transaction", zap.Error(err))
		if c.onSecondaryError != nil {
			c.onSecondaryError(err)
		}
	}
}

// Flush sends accumulated changes. With commit it behaves as Commit and is
// only legal in Active. Without commit the changes and
// all other pending operations are sent and the transaction stays open; a
// failure in an explicit transaction marks it rollback-only. Flush in
// NotActive has nothing to send and returns nil.
func (c *Coordinator) Flush(ctx context.Context, commit bool) error {
	if c.tx == nil {
		return nil
	}
	if commit {
		if _, err := c.state.Commit(); err != nil {
			return err
		}
		return c.commitAndClose(ctx, "Flush")
	}
	ctx, span := c.tracer.Start(ctx, "transaction.flush")
	defer span.End()
	err := c.send(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.state.IsActive() && !dberror.IsInternal(err) {
			c.rollbackOnly = true
			c.logger.Debug("Flush failed; transaction marked rollback-only", zap.Error(err))
		}
	}
	return err
}

func (c *Coordinator) send(ctx context.Context) error {
	if err := c.flushChanges(ctx); err != nil {
		return err
	}
	if err := c.tx.ExecuteNoCommit(ctx, true, true); err != nil {
		return dberror.Datastore("Flush", err)
	}
	return nil
}

// SetPartitionKey sets the partition key for the open transaction, or for
// the next one when none is open. The key may be set once per transaction
// and not after the transaction is enlisted.
func (c *Coordinator) SetPartitionKey(key store.PartitionKey) error {
	if c.partitionKey != nil {
		return dberror.User("SetPartitionKey", dberror.ErrPartitionKeyAlreadySet)
	}
	if c.tx != nil {
		if err := c.tx.SetPartitionKey(key); err != nil {
			return dberror.User("SetPartitionKey", err)
		}
	}
	k := key
	c.partitionKey = &k
	return nil
}

// PartitionKey returns the partition key chosen for the current or next
// transaction.
func (c *Coordinator) PartitionKey() (store.PartitionKey, bool) {
	if c.partitionKey == nil {
		return store.PartitionKey{}, false
	}
	return *c.partitionKey, true
}

// SetLockMode changes the lock mode for the open transaction and all later
// ones.
func (c *Coordinator) SetLockMode(mode store.LockMode) {
	c.lockMode = mode
	if c.tx != nil {
		c.tx.SetLockMode(mode)
	}
}

func (c *Coordinator) LockMode() store.LockMode { return c.lockMode }

// SetRollbackOnly marks the open transaction so that commit rolls back.
func (c *Coordinator) SetRollbackOnly() error {
	if c.tx == nil {
		return dberror.User("SetRollbackOnly", dberror.ErrTxnNotActive)
	}
	c.rollbackOnly = true
	return nil
}

func (c *Coordinator) RollbackOnly() bool { return c.rollbackOnly }

// Close rolls back and releases any open transaction. The error of the
// rollback, if any, is returned after the transaction is released.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	c.logger.Warn("Closing session with an open transaction; rolling back", zap.Stringer("state", c.state))
	return c.rollbackAndClose(ctx, "Close")
}

func (c *Coordinator) open(ctx context.Context) error {
	tx, err := c.opener.Begin(ctx)
	if err != nil {
		return dberror.Datastore("begin", err)
	}
	tx.SetLockMode(c.lockMode)
	if c.partitionKey != nil {
		if err := tx.SetPartitionKey(*c.partitionKey); err != nil {
			tx.Close()
			return err
		}
	}
	c.tx = tx
	c.metrics.TxnsBegunCounter.Add(ctx, 1)
	c.metrics.OpenTxnsUpDownCounter.Add(ctx, 1)
	return nil
}

func (c *Coordinator) flushChanges(ctx context.Context) error {
	if c.flusher == nil {
		return nil
	}
	if c.flushing {
		return dberror.Internal("Flush", dberror.ErrFlushReentry)
	}
	c.flushing = true
	defer func() { c.flushing = false }()
	c.metrics.FlushesCounter.Add(ctx, 1)
	return c.flusher.FlushChanges(ctx, c.tx)
}

func (c *Coordinator) commitAndClose(ctx context.Context, op string) (err error) {
	ctx, span := c.tracer.Start(ctx, "transaction.commit",
		trace.WithAttributes(attribute.String("op", op), attribute.String("store_txn_id", c.tx.ID())))
	start := time.Now()
	defer func() {
		c.release(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.rollbackOnly {
		c.rollbackQuietly(ctx, op)
		return dberror.User(op, dberror.ErrRollbackOnly)
	}
	if err := c.flushChanges(ctx); err != nil {
		c.rollbackQuietly(ctx, op)
		return err
	}
	if err := c.tx.ExecuteCommit(ctx); err != nil {
		c.rollbackQuietly(ctx, op)
		return dberror.Datastore(op, err)
	}
	c.metrics.TxnsCommittedCounter.Add(ctx, 1)
	c.metrics.CommitLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(),
		metric.WithAttributes(attribute.String("op", op)))
	c.logger.Debug("Transaction committed", zap.String("op", op), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (c *Coordinator) rollbackAndClose(ctx context.Context, op string) error {
	ctx, span := c.tracer.Start(ctx, "transaction.rollback",
		trace.WithAttributes(attribute.String("op", op), attribute.String("store_txn_id", c.tx.ID())))
	defer span.End()
	defer c.release(ctx)

	c.metrics.TxnsRolledBackCounter.Add(ctx, 1)
	if err := c.tx.ExecuteRollback(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return dberror.Datastore(op, err)
	}
	c.logger.Debug("Transaction rolled back", zap.String("op", op))
	return nil
}

// rollbackQuietly rolls back on a commit path that is already failing. The
// commit path's own error is what the caller sees.
func (c *Coordinator) rollbackQuietly(ctx context.Context, op string) {
	c.metrics.TxnsRolledBackCounter.Add(ctx, 1)
	if err := c.tx.ExecuteRollback(ctx); err != nil && !errors.Is(err, dberror.ErrStoreTxnClosed) {
		c.logger.Warn("Rollback failed on commit path", zap.String("op", op), zap.Error(err))
	}
}

// release closes the store transaction and resets per-transaction state.
func (c *Coordinator) release(ctx context.Context) {
	if c.tx != nil {
		c.tx.Close()
		c.metrics.OpenTxnsUpDownCounter.Add(ctx, -1)
	}
	c.tx = nil
	c.state = NotActive()
	c.partitionKey = nil
	c.rollbackOnly = false
}
