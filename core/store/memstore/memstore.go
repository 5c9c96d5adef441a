// Package memstore is an in-memory store.Store. Each table is split into one
// ordered btree per partition, chosen by hashing the row key; a transaction
// keeps its writes in a private overlay until commit.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/store"
)

const btreeDegree = 32

type item struct {
	key []byte
	row map[string]any
}

func (a item) Less(b btree.Item) bool {
	return bytes.Compare(a.key, b.(item).key) < 0
}

// Store keeps committed rows for all tables.
type Store struct {
	mu         sync.RWMutex
	tables     map[string][]*btree.BTree
	commits    []int
	partitions int
	logger     *zap.Logger
	closed     bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store and its transactions.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPartitions sets the number of partitions partition keys are routed to.
func WithPartitions(n int) Option {
	return func(s *Store) { s.partitions = n }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		tables:     make(map[string][]*btree.BTree),
		partitions: 1,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.partitions < 1 {
		s.partitions = 1
	}
	s.commits = make([]int, s.partitions)
	s.logger = s.logger.With(zap.String("component", "memstore"))
	return s
}

// Begin opens a transaction.
func (s *Store) Begin(ctx context.Context) (store.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, dberror.Datastore("Begin", err)
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, dberror.Datastore("Begin", dberror.ErrStoreClosed)
	}
	return &Txn{
		TxBase:  store.NewTxBase(s.logger),
		s:       s,
		overlay: make(map[string]map[string]*entry),
	}, nil
}

// Close marks the store closed; later Begin calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Get returns a copy of the committed row for key.
func (s *Store) Get(table string, key []byte) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(table, key)
}

// Len returns the number of committed rows in table.
func (s *Store) Len(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tables[table] {
		n += t.Len()
	}
	return n
}

// PartitionLen returns the number of committed rows of table held by
// partition p.
func (s *Store) PartitionLen(table string, p int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trees := s.tables[table]
	if p < 0 || p >= len(trees) {
		return 0
	}
	return trees[p].Len()
}

// Commits returns how many committed transactions were routed to partition
// p by their partition key. Transactions without one count on partition 0.
func (s *Store) Commits(p int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p < 0 || p >= len(s.commits) {
		return 0
	}
	return s.commits[p]
}

// Keys returns the committed keys of table in order.
func (s *Store) Keys(table string) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys [][]byte
	for _, t := range s.tables[table] {
		t.Ascend(func(i btree.Item) bool {
			keys = append(keys, i.(item).key)
			return true
		})
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys
}

func (s *Store) partitionOf(table string, key []byte) int {
	return store.PartitionKey{Table: table, Key: key}.Partition(s.partitions)
}

// treeLocked returns the btree holding key, creating the table when create
// is set. The write lock must be held to create.
func (s *Store) treeLocked(table string, key []byte, create bool) *btree.BTree {
	trees, ok := s.tables[table]
	if !ok {
		if !create {
			return nil
		}
		trees = make([]*btree.BTree, s.partitions)
		for i := range trees {
			trees[i] = btree.New(btreeDegree)
		}
		s.tables[table] = trees
	}
	return trees[s.partitionOf(table, key)]
}

func (s *Store) getLocked(table string, key []byte) (map[string]any, bool) {
	t := s.treeLocked(table, key, false)
	if t == nil {
		return nil, false
	}
	i := t.Get(item{key: key})
	if i == nil {
		return nil, false
	}
	return cloneRow(i.(item).row), true
}
func cloneRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
