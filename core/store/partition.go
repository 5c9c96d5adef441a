package store

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// PartitionKey is a routing hint derived from a row's key columns.
type PartitionKey struct {
	Table string
	Key   []byte
}

// Equal reports whether both keys name the same table and key bytes.
func (p PartitionKey) Equal(o PartitionKey) bool {
	return p.Table == o.Table && bytes.Equal(p.Key, o.Key)
}

// Partition maps the key onto one of n partitions. n <= 1 always yields 0.
func (p PartitionKey) Partition(n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64(p.Key) % uint64(n))
}
