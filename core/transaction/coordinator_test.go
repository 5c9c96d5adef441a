package transaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/store"
	"github.com/sushant-115/gojosession/core/store/storetest"
)

// --- Test Helpers ---

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *storetest.Store) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s := storetest.New()
	opts = append([]Option{WithLogger(logger)}, opts...)
	return NewCoordinator(s, opts...), s
}

type flusherFunc func(ctx context.Context, tx store.Transaction) error

func (f flusherFunc) FlushChanges(ctx context.Context, tx store.Transaction) error { return f(ctx, tx) }

// --- Test Cases ---

func TestCoordinator_NestedStartEndCommitsOnce(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)

	var depths []int
	require.NoError(t, c.Start(ctx))
	depths = append(depths, c.State().Depth())
	require.NoError(t, c.Start(ctx))
	depths = append(depths, c.State().Depth())
	require.NoError(t, c.End(ctx))
	depths = append(depths, c.State().Depth())
	require.NoError(t, c.End(ctx))
	depths = append(depths, c.State().Depth())

	require.Equal(t, []int{1, 2, 1, 0}, depths)
	require.Equal(t, 1, s.Opened)
	require.Equal(t, 1, s.Commits)
	require.Equal(t, 0, s.Rollbacks)
	require.Equal(t, 1, s.Closed)
	require.True(t, c.State().IsNotActive())
	require.Nil(t, c.Transaction())
}

func TestCoordinator_BalancedSequencesCommitExactlyOnce(t *testing.T) {
	ctx := context.Background()
	for depth := 1; depth <= 6; depth++ {
		c, s := newTestCoordinator(t)
		for i := 0; i < depth; i++ {
			require.NoError(t, c.Start(ctx))
			require.NotNil(t, c.Transaction())
		}
		for i := 0; i < depth; i++ {
			require.Equal(t, 0, s.Commits, "no commit before the outermost End")
			require.NoError(t, c.End(ctx))
		}
		require.Equal(t, 1, s.Opened, "depth %d", depth)
		require.Equal(t, 1, s.Commits, "depth %d", depth)
		require.True(t, c.State().IsNotActive())
	}
}

func TestCoordinator_FailAtAnyDepthRollsBackOnce(t *testing.T) {
	ctx := context.Background()
	for depth := 1; depth <= 4; depth++ {
		c, s := newTestCoordinator(t)
		for i := 0; i < depth; i++ {
			require.NoError(t, c.Start(ctx))
		}
		c.Fail(ctx)
		// Outer levels unwind with Fail as well; these must be no-ops.
		for i := 1; i < depth; i++ {
			c.Fail(ctx)
		}
		require.True(t, c.State().IsNotActive())
		require.Equal(t, 1, s.Rollbacks, "depth %d", depth)
		require.Equal(t, 0, s.Commits)
		require.Equal(t, 1, s.Closed)
	}
}

func TestCoordinator_EndWithoutStartPanics(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.Panics(t, func() { _ = c.End(context.Background()) })
}

func TestCoordinator_FailInNotActiveIsNoop(t *testing.T) {
	c, s := newTestCoordinator(t)
	require.NotPanics(t, func() { c.Fail(context.Background()) })
	require.Equal(t, 0, s.Rollbacks)
}

func TestCoordinator_FailInActiveDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.Start(ctx))
	c.Fail(ctx)
	require.True(t, c.State().IsActive())
	require.Equal(t, 0, s.Rollbacks)
	require.NoError(t, c.Commit(ctx))
	require.Equal(t, 1, s.Commits)
}

func TestCoordinator_BeginTwiceIsUserError(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Begin(ctx))
	err := c.Begin(ctx)
	require.Error(t, err)
	require.True(t, dberror.IsUser(err))
	require.ErrorIs(t, err, dberror.ErrTxnAlreadyActive)
	require.True(t, c.State().IsActive())
	require.Equal(t, 1, s.Opened)
}

func TestCoordinator_BeginDuringAutocommitIsUserError(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Start(ctx))
	err := c.Begin(ctx)
	require.True(t, dberror.IsUser(err))
	require.Equal(t, Autocommit(1), c.State())
}

func TestCoordinator_CommitInAutocommitIsInternal(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Start(ctx))
	err := c.Commit(ctx)
	require.True(t, dberror.IsInternal(err))
	require.Equal(t, 0, s.Commits)
	require.NoError(t, c.End(ctx))
	require.Equal(t, 1, s.Commits)
}

func TestCoordinator_RollbackOnlyCommitRollsBack(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.SetRollbackOnly())
	require.True(t, c.RollbackOnly())

	err := c.Commit(ctx)
	require.ErrorIs(t, err, dberror.ErrRollbackOnly)
	require.True(t, dberror.IsUser(err))
	require.Equal(t, 0, s.Commits)
	require.Equal(t, 1, s.Rollbacks)
	require.Equal(t, 1, s.Closed)
	require.True(t, c.State().IsNotActive())
	require.False(t, c.RollbackOnly(), "flag is cleared with the transaction")
}

func TestCoordinator_SetRollbackOnlyWithoutTransaction(t *testing.T) {
	c, _ := newTestCoordinator(t)
	err := c.SetRollbackOnly()
	require.ErrorIs(t, err, dberror.ErrTxnNotActive)
}

func TestCoordinator_UseAfterRollbackRequiresBegin(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.Rollback(ctx))

	err := c.Commit(ctx)
	require.True(t, dberror.IsUser(err))
	require.ErrorIs(t, err, dberror.ErrTxnNotActive)
	err = c.Rollback(ctx)
	require.ErrorIs(t, err, dberror.ErrTxnNotActive)
	require.Equal(t, 1, s.Opened, "no transaction may be reopened silently")
	require.Nil(t, c.Transaction())
}

func TestCoordinator_StartFailureLeavesNotActive(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	s.FailBegin = true

	err := c.Start(ctx)
	require.Error(t, err)
	require.True(t, dberror.IsDatastore(err))
	require.True(t, c.State().IsNotActive())
	require.Equal(t, 0, c.State().Depth())

	s.FailBegin = false
	require.NoError(t, c.Start(ctx))
	require.Equal(t, Autocommit(1), c.State())
}

func TestCoordinator_CommitFailureStillReleases(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Begin(ctx))
	s.FailCommit = true

	err := c.Commit(ctx)
	require.ErrorIs(t, err, storetest.ErrInjected)
	require.True(t, dberror.IsDatastore(err))
	require.True(t, c.State().IsNotActive())
	require.Nil(t, c.Transaction())
	require.Equal(t, 1, s.Closed)
}

func TestCoordinator_RollbackFailureStillReleases(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Begin(ctx))
	s.FailRollback = true

	err := c.Rollback(ctx)
	require.ErrorIs(t, err, storetest.ErrInjected)
	require.True(t, c.State().IsNotActive())
	require.Equal(t, 1, s.Closed)
}

func TestCoordinator_FailSwallowsRollbackError(t *testing.T) {
	ctx := context.Background()
	var secondary []error
	c, s := newTestCoordinator(t, WithSecondaryErrorHandler(func(err error) {
		secondary = append(secondary, err)
	}))
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	s.FailRollback = true

	require.NotPanics(t, func() { c.Fail(ctx) })
	require.True(t, c.State().IsNotActive())
	require.Len(t, secondary, 1)
	require.ErrorIs(t, secondary[0], storetest.ErrInjected)
	require.Equal(t, 1, s.Closed)
}

func TestCoordinator_EndCommitFailureThenFailIsNoop(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Start(ctx))
	s.FailCommit = true

	err := c.End(ctx)
	require.Error(t, err)
	c.Fail(ctx)
	require.True(t, c.State().IsNotActive())
	require.Equal(t, 1, s.Rollbacks)
	require.Equal(t, 1, s.Closed)
}

func TestCoordinator_PartitionKeySetOnce(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	first := store.PartitionKey{Table: "t", Key: []byte("a")}
	second := store.PartitionKey{Table: "t", Key: []byte("b")}

	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.SetPartitionKey(first))
	err := c.SetPartitionKey(second)
	require.ErrorIs(t, err, dberror.ErrPartitionKeyAlreadySet)
	require.True(t, dberror.IsUser(err))

	got, ok := c.Transaction().PartitionKey()
	require.True(t, ok)
	require.True(t, got.Equal(first))
	require.Len(t, s.Partitions, 1)

	require.NoError(t, c.Commit(ctx))
	_, ok = c.PartitionKey()
	require.False(t, ok, "partition key is cleared with the transaction")
}

func TestCoordinator_PartitionKeyAfterEnlistment(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Begin(ctx))
	_, err := c.Transaction().Insert("t", []byte("a"), map[string]any{"v": 1})
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx, false))
	require.True(t, c.Transaction().IsEnlisted())

	err = c.SetPartitionKey(store.PartitionKey{Table: "t", Key: []byte("a")})
	require.ErrorIs(t, err, dberror.ErrTransactionEnlisted)
	require.True(t, dberror.IsUser(err))
	_, ok := c.PartitionKey()
	require.False(t, ok)
}

func TestCoordinator_PartitionKeyChosenBeforeBegin(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	key := store.PartitionKey{Table: "t", Key: []byte("k")}
	require.NoError(t, c.SetPartitionKey(key))
	require.NoError(t, c.Start(ctx))

	got, ok := c.Transaction().PartitionKey()
	require.True(t, ok)
	require.True(t, got.Equal(key))
	require.NoError(t, c.End(ctx))
	require.Len(t, s.Partitions, 1)
}

func TestCoordinator_LockModePersistsAcrossTransactions(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	c.SetLockMode(store.LockExclusive)

	require.NoError(t, c.Begin(ctx))
	require.Equal(t, store.LockExclusive, c.Transaction().LockMode())
	require.NoError(t, c.Commit(ctx))

	require.NoError(t, c.Start(ctx))
	require.Equal(t, store.LockExclusive, c.Transaction().LockMode())
	c.SetLockMode(store.LockShared)
	require.Equal(t, store.LockShared, c.Transaction().LockMode())
	require.NoError(t, c.End(ctx))

	require.Equal(t, []store.LockMode{store.LockExclusive, store.LockExclusive, store.LockShared}, s.LockModes)
	require.Equal(t, store.LockShared, c.LockMode())
}

func TestCoordinator_CommitFlushesChangesFirst(t *testing.T) {
	ctx := context.Background()
	var calls int
	flusher := flusherFunc(func(ctx context.Context, tx store.Transaction) error {
		calls++
		_, err := tx.Update("t", []byte("x"), map[string]any{"v": 2})
		return err
	})
	c, s := newTestCoordinator(t, WithChangeFlusher(flusher))
	s.Put("t", []byte("x"), map[string]any{"v": 1})

	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.Commit(ctx))
	require.Equal(t, 1, calls)
	require.Equal(t, []string{"update:t:x"}, s.Sent)
	row, ok := s.Row("t", []byte("x"))
	require.True(t, ok)
	require.Equal(t, 2, row["v"])
}

func TestCoordinator_FlushFailureMarksExplicitRollbackOnly(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Begin(ctx))
	s.FailKey = "bad"
	_, err := c.Transaction().Insert("t", []byte("bad"), nil)
	require.NoError(t, err)

	err = c.Flush(ctx, false)
	require.Error(t, err)
	require.True(t, dberror.IsDatastore(err))
	require.True(t, c.RollbackOnly())
	require.True(t, c.State().IsActive())

	err = c.Commit(ctx)
	require.ErrorIs(t, err, dberror.ErrRollbackOnly)
	require.Equal(t, 0, s.Commits)
	require.Equal(t, 1, s.Rollbacks)
}

func TestCoordinator_FlushReentryIsInternal(t *testing.T) {
	ctx := context.Background()
	var c *Coordinator
	var inner error
	c, _ = newTestCoordinator(t, WithChangeFlusher(flusherFunc(func(ctx context.Context, tx store.Transaction) error {
		inner = c.Flush(ctx, false)
		return nil
	})))
	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.Flush(ctx, false))
	require.True(t, dberror.IsInternal(inner))
	require.ErrorIs(t, inner, dberror.ErrFlushReentry)
}

func TestCoordinator_FlushWithCommitRequiresActive(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Start(ctx))
	require.True(t, dberror.IsInternal(c.Flush(ctx, true)))
	require.NoError(t, c.End(ctx))

	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.Flush(ctx, true))
	require.True(t, c.State().IsNotActive())
	require.Equal(t, 2, s.Commits)
}

func TestCoordinator_FlushInNotActiveIsNoop(t *testing.T) {
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Flush(context.Background(), false))
	require.Equal(t, 0, s.Executes)
}

func TestCoordinator_PostExecuteCallbacksRunOnceInOrder(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Begin(ctx))

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		c.Transaction().PostExecuteCallback(func() { order = append(order, i) })
	}
	require.Empty(t, order, "callbacks must wait for a send")
	require.NoError(t, c.Flush(ctx, false))
	require.Equal(t, []int{1, 2, 3}, order)
	require.NoError(t, c.Flush(ctx, false))
	require.Equal(t, []int{1, 2, 3}, order, "callbacks run at most once")
	require.NoError(t, c.Commit(ctx))
}

func TestCoordinator_CallbacksDiscardedOnRollback(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Begin(ctx))
	ran := false
	c.Transaction().PostExecuteCallback(func() { ran = true })
	require.NoError(t, c.Rollback(ctx))
	require.False(t, ran)
}

func TestCoordinator_CloseRollsBackOpenTransaction(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCoordinator(t)
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Close(ctx))
	require.True(t, c.State().IsNotActive())
	require.Equal(t, 1, s.Rollbacks)
	require.Equal(t, 1, s.Closed)
	require.NoError(t, c.Close(ctx))
}

func TestCoordinator_ErrorsAreTyped(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)
	err := c.Commit(ctx)
	var dbErr *dberror.Error
	require.True(t, errors.As(err, &dbErr))
	require.Equal(t, "Commit", dbErr.Op)
	require.Equal(t, dberror.KindUser, dbErr.Kind)
}
