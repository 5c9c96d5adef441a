package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/store"
	"github.com/sushant-115/gojosession/core/store/storetest"
)

var accountType = MustType("account", []Column{
	{Name: "bank", Type: ColumnString},
	{Name: "number", Type: ColumnInt64},
	{Name: "balance", Type: ColumnFloat64},
	{Name: "frozen", Type: ColumnBool},
	{Name: "note", Type: ColumnBytes},
}, "bank", "number")

type recordingTracker struct{ marked []*ValueHandler }

func (r *recordingTracker) MarkModified(h *ValueHandler) { r.marked = append(r.marked, h) }

func openTxn(t *testing.T) (store.Transaction, *storetest.Store) {
	t.Helper()
	st := storetest.New()
	tx, err := st.Begin(context.Background())
	require.NoError(t, err)
	return tx, st
}

func TestNewType_Validation(t *testing.T) {
	_, err := NewType("", nil, "id")
	require.Error(t, err)
	_, err = NewType("x", []Column{{Name: "id"}})
	require.Error(t, err)
	_, err = NewType("x", []Column{{Name: "id"}, {Name: "id"}}, "id")
	require.Error(t, err)
	_, err = NewType("x", []Column{{Name: "id"}}, "nope")
	require.Error(t, err)
	_, err = NewType("x", []Column{{Name: "id"}}, "id", "id")
	require.Error(t, err)
	require.Panics(t, func() { MustType("", nil) })

	require.Equal(t, []string{"bank", "number"}, accountType.KeyColumns())
	require.True(t, accountType.IsKey("number"))
	require.False(t, accountType.IsKey("balance"))
}

func TestType_EncodeKeyIsDeterministicAndTyped(t *testing.T) {
	a, err := accountType.EncodeKey("acme", 42)
	require.NoError(t, err)
	b, err := accountType.EncodeKey("acme", int64(42))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := accountType.EncodeKey("acme", 43)
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	_, err = accountType.EncodeKey("acme")
	require.ErrorIs(t, err, dberror.ErrInvalidKey)
	_, err = accountType.EncodeKey("acme", "42")
	require.ErrorIs(t, err, dberror.ErrTypeMismatch)
	_, err = accountType.EncodeKey(nil, 1)
	require.ErrorIs(t, err, dberror.ErrInvalidKey)

	pk, err := accountType.PartitionKey("acme", 42)
	require.NoError(t, err)
	require.Equal(t, "account", pk.Table)
	require.Equal(t, a, pk.Key)
}

func TestValueHandler_SetTracksModificationsInOrder(t *testing.T) {
	h, err := NewKeyedHandler(accountType, KindPlain, "acme", 1)
	require.NoError(t, err)
	require.False(t, h.IsModified())

	tr := &recordingTracker{}
	h.Attach(tr)
	require.NoError(t, h.Set("frozen", true))
	require.NoError(t, h.Set("balance", 10))
	require.NoError(t, h.Set("frozen", false))
	require.Equal(t, []string{"frozen", "balance"}, h.Modified())
	require.Len(t, tr.marked, 3)

	v, ok := h.Get("balance")
	require.True(t, ok)
	require.Equal(t, float64(10), v)

	require.ErrorIs(t, h.Set("missing", 1), dberror.ErrUnknownColumn)
	err = h.Set("balance", "lots")
	require.ErrorIs(t, err, dberror.ErrTypeMismatch)
	require.True(t, dberror.IsUser(err))
}

func TestValueHandler_PlainUpdateSendsOnlyModifiedNonKeyColumns(t *testing.T) {
	tx, _ := openTxn(t)
	h, err := NewKeyedHandler(accountType, KindPlain, "acme", 1)
	require.NoError(t, err)

	op, err := h.Update(tx)
	require.NoError(t, err)
	require.Nil(t, op)

	require.NoError(t, h.Set("balance", 5.5))
	op, err = h.Update(tx)
	require.NoError(t, err)
	require.Equal(t, store.OpUpdate, op.Kind)
	require.Equal(t, map[string]any{"balance": 5.5}, op.Row)
}

func TestValueHandler_SmartSendsWholeRow(t *testing.T) {
	tx, _ := openTxn(t)
	h, err := NewKeyedHandler(accountType, KindSmart, "acme", 1)
	require.NoError(t, err)

	op, err := h.Update(tx)
	require.NoError(t, err)
	require.Len(t, op.Row, 5)

	ins, err := h.Insert(tx)
	require.NoError(t, err)
	require.Len(t, ins.Row, 5)

	plain, err := NewKeyedHandler(accountType, KindPlain, "acme", 2)
	require.NoError(t, err)
	ins, err = plain.Insert(tx)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"bank": "acme", "number": int64(2)}, ins.Row)
}

func TestValueHandler_LoadAndApplyResult(t *testing.T) {
	ctx := context.Background()
	tx, st := openTxn(t)
	key, err := accountType.EncodeKey("acme", 1)
	require.NoError(t, err)
	st.Put("account", key, map[string]any{
		"bank": "acme", "number": float64(1), "balance": float64(12), "note": "aGk=", "extra": "ignored",
	})

	h, err := NewKeyedHandler(accountType, KindPlain, "acme", 1)
	require.NoError(t, err)
	op, err := h.Load(tx)
	require.NoError(t, err)
	require.Error(t, h.ApplyResult(op.Result()))

	require.NoError(t, h.Set("frozen", true))
	require.NoError(t, tx.ExecuteNoCommit(ctx, true, false))
	require.NoError(t, h.ApplyResult(op.Result()))

	require.True(t, h.Found())
	require.False(t, h.IsModified())
	number, _ := h.Get("number")
	require.Equal(t, int64(1), number)
	note, _ := h.Get("note")
	require.Equal(t, []byte("hi"), note)
	_, ok := h.Get("extra")
	require.False(t, ok)

	missing, err := NewKeyedHandler(accountType, KindPlain, "acme", 2)
	require.NoError(t, err)
	op, err = missing.Load(tx)
	require.NoError(t, err)
	require.NoError(t, tx.ExecuteNoCommit(ctx, true, false))
	require.NoError(t, missing.ApplyResult(op.Result()))
	require.False(t, missing.Found())
}

func TestValueHandler_ReleaseIsFinal(t *testing.T) {
	tx, _ := openTxn(t)
	h, err := NewKeyedHandler(accountType, KindPlain, "acme", 1)
	require.NoError(t, err)
	h.Attach(&recordingTracker{})
	h.MarkFound()

	h.Release()
	require.True(t, h.Released())
	require.False(t, h.Found())
	require.Nil(t, h.Tracker())
	require.Error(t, h.Set("balance", 1))
	_, err = h.Delete(tx)
	require.True(t, dberror.IsUser(err))
}

func TestNewKeyedHandler_RejectsBadKeys(t *testing.T) {
	_, err := NewKeyedHandler(accountType, KindPlain, "acme")
	require.ErrorIs(t, err, dberror.ErrInvalidKey)
	_, err = NewKeyedHandler(accountType, KindPlain, 1, 1)
	require.ErrorIs(t, err, dberror.ErrTypeMismatch)
}
