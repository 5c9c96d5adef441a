package domain

import (
	"fmt"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/store"
)

// Kind selects how a ValueHandler builds its store operations.
type Kind int

const (
	// KindPlain handlers send only what changed: inserts carry the columns
	// that were set, updates carry the modified columns.
	KindPlain Kind = iota
	// KindSmart handlers are self-contained: every insert, update and save
	// carries the whole row.
	KindSmart
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindSmart:
		return "smart"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ChangeTracker is told when a managed handler is modified.
type ChangeTracker interface {
	MarkModified(h *ValueHandler)
}

// ValueHandler holds the column values of one persistent object.
type ValueHandler struct {
	typ      *Type
	kind     Kind
	values   map[string]any
	modified []string
	isMod    map[string]bool
	found    bool
	released bool
	tracker  ChangeTracker
}

// NewHandler returns an empty handler for typ.
func NewHandler(typ *Type, kind Kind) *ValueHandler {
	return &ValueHandler{
		typ:    typ,
		kind:   kind,
		values: make(map[string]any),
		isMod:  make(map[string]bool),
	}
}

// NewKeyedHandler returns a handler with its key columns set. The key
// columns are not marked modified.
func NewKeyedHandler(typ *Type, kind Kind, keyValues ...any) (*ValueHandler, error) {
	if len(keyValues) != len(typ.key) {
		return nil, dberror.User("NewInstance",
			fmt.Errorf("%w: type %s wants %d values, got %d", dberror.ErrInvalidKey, typ.name, len(typ.key), len(keyValues)))
	}
	h := NewHandler(typ, kind)
	for i, name := range typ.key {
		col, _ := typ.Column(name)
		v, err := col.Coerce(keyValues[i])
		if err != nil {
			return nil, dberror.User("NewInstance", err)
		}
		h.values[name] = v
	}
	return h, nil
}

func (h *ValueHandler) Type() *Type { return h.typ }
func (h *ValueHandler) Kind() Kind { return h.kind }

// Found reports whether the last load found the row.
func (h *ValueHandler) Found() bool { return h.found }

// Released reports whether Release was called.
func (h *ValueHandler) Released() bool { return h.released }

// Get returns the value of a column.
func (h *ValueHandler) Get(column string) (any, bool) {
	v, ok := h.values[column]
	return v, ok
}

// Values returns a copy of all set columns.
func (h *ValueHandler) Values() map[string]any {
	out := make(map[string]any, len(h.values))
	for k, v := range h.values {
		out[k] = v
	}
	return out
}

// Set assigns a column and marks it modified. A managed handler is reported
// to its tracker on every Set; trackers ignore repeats.
func (h *ValueHandler) Set(column string, value any) error {
	if h.released {
		return dberror.User("Set", fmt.Errorf("handler for %s was released", h.typ.name))
	}
	col, ok := h.typ.Column(column)
	if !ok {
		return dberror.User("Set", fmt.Errorf("%w: %s.%s", dberror.ErrUnknownColumn, h.typ.name, column))
	}
	v, err := col.Coerce(value)
	if err != nil {
		return dberror.User("Set", err)
	}
	h.values[column] = v
	if !h.isMod[column] {
		h.isMod[column] = true
		h.modified = append(h.modified, column)
	}
	if h.tracker != nil {
		h.tracker.MarkModified(h)
	}
	return nil
}

// Modified returns the modified columns in the order they were first set.
func (h *ValueHandler) Modified() []string { return append([]string(nil), h.modified...) }

// IsModified reports whether any column changed since the last reset.
func (h *ValueHandler) IsModified() bool { return len(h.modified) > 0 }

// ResetModified clears the modified set.
func (h *ValueHandler) ResetModified() {
	h.modified = nil
	h.isMod = make(map[string]bool)
}

// Attach makes tracker receive this handler's modifications.
func (h *ValueHandler) Attach(tracker ChangeTracker) { h.tracker = tracker }

// Tracker returns the attached tracker, if any.
func (h *ValueHandler) Tracker() ChangeTracker { return h.tracker }

// Release detaches the handler and drops its values. A released handler
// cannot be used again.
func (h *ValueHandler) Release() {
	h.tracker = nil
	h.values = make(map[string]any)
	h.ResetModified()
	h.found = false
	h.released = true
}

// KeyValues returns the key column values in key order.
func (h *ValueHandler) KeyValues() []any {
	out := make([]any, len(h.typ.key))
	for i, k := range h.typ.key {
		out[i] = h.values[k]
	}
	return out
}

// Key encodes the handler's primary key.
func (h *ValueHandler) Key() ([]byte, error) {
	return h.typ.EncodeKey(h.KeyValues()...)
}

func (h *ValueHandler) row(columns []string) map[string]any {
	row := make(map[string]any, len(columns))
	for _, c := range columns {
		row[c] = h.values[c]
	}
	return row
}

func (h *ValueHandler) setColumns() []string {
	var cols []string
	for _, c := range h.typ.columns {
		if _, ok := h.values[c.Name]; ok {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

func (h *ValueHandler) allColumns() []string {
	cols := make([]string, len(h.typ.columns))
	for i, c := range h.typ.columns {
		cols[i] = c.Name
	}
	return cols
}

func (h *ValueHandler) prepare(op string) ([]byte, error) {
	if h.released {
		return nil, dberror.User(op, fmt.Errorf("handler for %s was released", h.typ.name))
	}
	return h.Key()
}

// Insert queues an insert of this object on tx.
func (h *ValueHandler) Insert(tx store.Transaction) (*store.Operation, error) {
	key, err := h.prepare("Insert")
	if err != nil {
		return nil, err
	}
	cols := h.setColumns()
	if h.kind == KindSmart {
		cols = h.allColumns()
	}
	return tx.Insert(h.typ.name, key, h.row(cols))
}

// Update queues an update of this object on tx. A plain handler with no
// modified columns queues nothing and returns a nil operation.
func (h *ValueHandler) Update(tx store.Transaction) (*store.Operation, error) {
	key, err := h.prepare("Update")
	if err != nil {
		return nil, err
	}
	switch h.kind {
	case KindSmart:
		return tx.Update(h.typ.name, key, h.row(h.allColumns()))
	default:
		var cols []string
		for _, c := range h.modified {
			if !h.typ.IsKey(c) {
				cols = append(cols, c)
			}
		}
		if len(cols) == 0 {
			return nil, nil
		}
		return tx.Update(h.typ.name, key, h.row(cols))
	}
}

// Write queues an insert-or-replace of this object on tx.
func (h *ValueHandler) Write(tx store.Transaction) (*store.Operation, error) {
	key, err := h.prepare("Write")
	if err != nil {
		return nil, err
	}
	cols := h.setColumns()
	if h.kind == KindSmart {
		cols = h.allColumns()
	}
	return tx.Write(h.typ.name, key, h.row(cols))
}

// Delete queues a delete of this object on tx.
func (h *ValueHandler) Delete(tx store.Transaction) (*store.Operation, error) {
	key, err := h.prepare("Delete")
	if err != nil {
		return nil, err
	}
	return tx.Delete(h.typ.name, key)
}

// Load queues a select of this object on tx. Call ApplyResult with the
// operation's result once it has been sent.
func (h *ValueHandler) Load(tx store.Transaction) (*store.Operation, error) {
	key, err := h.prepare("Load")
	if err != nil {
		return nil, err
	}
	return tx.Select(h.typ.name, key)
}

// ApplyResult copies a select's row into the handler and sets Found. Columns
// not part of the type are ignored.
func (h *ValueHandler) ApplyResult(rd store.ResultData) error {
	if rd == nil || !rd.Ready() {
		return fmt.Errorf("result for %s has not been sent", h.typ.name)
	}
	if err := rd.Err(); err != nil {
		h.found = false
		return err
	}
	if !rd.Found() {
		h.found = false
		return nil
	}
	for name, raw := range rd.Row() {
		col, ok := h.typ.Column(name)
		if !ok {
			continue
		}
		v, err := col.fromStore(raw)
		if err != nil {
			return err
		}
		h.values[name] = v
	}
	h.found = true
	h.ResetModified()
	return nil
}

// MarkFound records that the object exists in the store, as after a
// successful insert or save.
func (h *ValueHandler) MarkFound() { h.found = true }

// MarkDeleted records that the row is gone. Values stay readable.
func (h *ValueHandler) MarkDeleted() { h.found = false }
