package store

import (
	"fmt"
	"strings"
)

// LockMode controls the row locks taken by reads in a store transaction.
type LockMode int

const (
	LockReadCommitted LockMode = iota
	LockShared
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockReadCommitted:
		return "read_committed"
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("lockmode(%d)", int(m))
	}
}

// ParseLockMode accepts the names produced by String, case-insensitively.
// An empty string means LockReadCommitted.
func ParseLockMode(s string) (LockMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read_committed", "readcommitted":
		return LockReadCommitted, nil
	case "shared":
		return LockShared, nil
	case "exclusive":
		return LockExclusive, nil
	}
	return LockReadCommitted, fmt.Errorf("unknown lock mode %q", s)
}
