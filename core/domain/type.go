// Package domain describes persistent types and the value handlers that
// carry an object's column values between callers and the store.
package domain

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/store"
)

// ColumnType is the Go type a column's values are normalized to.
type ColumnType int

const (
	ColumnString  ColumnType = iota // string
	ColumnInt64                     // int64
	ColumnFloat64                   // float64
	ColumnBool                      // bool
	ColumnBytes                     // []byte
)

func (c ColumnType) String() string {
	switch c {
	case ColumnString:
		return "string"
	case ColumnInt64:
		return "int64"
	case ColumnFloat64:
		return "float64"
	case ColumnBool:
		return "bool"
	case ColumnBytes:
		return "bytes"
	default:
		return fmt.Sprintf("column(%d)", int(c))
	}
}

// Column is a named, typed field of a persistent type.
type Column struct {
	Name string
	Type ColumnType
}

// Type is the metadata of one persistent type, mapped to one table.
type Type struct {
	name    string
	columns []Column
	index   map[string]int
	key     []string
	isKey   map[string]bool
}

// NewType validates and builds a Type. key lists the primary key columns in
// key order; at least one is required.
func NewType(name string, columns []Column, key ...string) (*Type, error) {
	if name == "" {
		return nil, fmt.Errorf("type name must not be empty")
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("type %s: at least one key column is required", name)
	}
	t := &Type{
		name:    name,
		columns: append([]Column(nil), columns...),
		index:   make(map[string]int, len(columns)),
		key:     append([]string(nil), key...),
		isKey:   make(map[string]bool, len(key)),
	}
	for i, c := range columns {
		if c.Name == "" {
			return nil, fmt.Errorf("type %s: column %d has no name", name, i)
		}
		if _, dup := t.index[c.Name]; dup {
			return nil, fmt.Errorf("type %s: duplicate column %s", name, c.Name)
		}
		t.index[c.Name] = i
	}
	for _, k := range key {
		if _, ok := t.index[k]; !ok {
			return nil, fmt.Errorf("type %s: key column %s is not a column", name, k)
		}
		if t.isKey[k] {
			return nil, fmt.Errorf("type %s: key column %s listed twice", name, k)
		}
		t.isKey[k] = true
	}
	return t, nil
}

// MustType is NewType that panics on error, for package-level declarations.
func MustType(name string, columns []Column, key ...string) *Type {
	t, err := NewType(name, columns, key...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Type) Name() string { return t.name }
func (t *Type) Columns() []Column { return append([]Column(nil), t.columns...) }
func (t *Type) KeyColumns() []string { return append([]string(nil), t.key...) }
func (t *Type) IsKey(name string) bool {
	return t.isKey[name]
}

// Column looks up a column by name.
func (t *Type) Column(name string) (Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return Column{}, false
	}
	return t.columns[i], true
}

// EncodeKey encodes the primary key values, given in key column order.
func (t *Type) EncodeKey(values ...any) ([]byte, error) {
	if len(values) != len(t.key) {
		return nil, dberror.User("EncodeKey",
			fmt.Errorf("%w: type %s wants %d values, got %d", dberror.ErrInvalidKey, t.name, len(t.key), len(values)))
	}
	items := make([]any, len(values))
	for i, v := range values {
		col, _ := t.Column(t.key[i])
		n, err := col.Coerce(v)
		if err != nil {
			return nil, dberror.User("EncodeKey", err)
		}
		if n == nil {
			return nil, dberror.User("EncodeKey", fmt.Errorf("%w: key column %s is nil", dberror.ErrInvalidKey, col.Name))
		}
		if b, ok := n.([]byte); ok {
			n = base64.StdEncoding.EncodeToString(b)
		}
		if i64, ok := n.(int64); ok {
			// Keep integer keys exact; doubles lose precision above 2^53.
			n = fmt.Sprintf("%d", i64)
		}
		items[i] = n
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, fmt.Errorf("failed to build key for %s: %w", t.name, err)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key for %s: %w", t.name, err)
	}
	return b, nil
}

// PartitionKey derives the partition key for the given primary key values.
func (t *Type) PartitionKey(values ...any) (store.PartitionKey, error) {
	key, err := t.EncodeKey(values...)
	if err != nil {
		return store.PartitionKey{}, err
	}
	return store.PartitionKey{Table: t.name, Key: key}, nil
}

// Coerce converts a caller-supplied value to the column's Go type. nil is
// kept as nil.
func (c Column) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	bad := func() error {
		return fmt.Errorf("%w: column %s (%s) cannot hold %T", dberror.ErrTypeMismatch, c.Name, c.Type, v)
	}
	switch c.Type {
	case ColumnString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case ColumnInt64:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
		}
	case ColumnFloat64:
		switch n := v.(type) {
		case float32:
			return float64(n), nil
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case ColumnBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case ColumnBytes:
		switch b := v.(type) {
		case []byte:
			return append([]byte(nil), b...), nil
		case string:
			return []byte(b), nil
		}
	}
	return nil, bad()
}

// fromStore converts a value read back from a store. Stores that serialize
// rows return integers as doubles and bytes as base64 strings.
func (c Column) fromStore(v any) (any, error) {
	if s, ok := v.(string); ok && c.Type == ColumnBytes {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("column %s: invalid stored bytes: %w", c.Name, err)
		}
		return b, nil
	}
	return c.Coerce(v)
}
