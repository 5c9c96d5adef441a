package session

import (
	"fmt"
	"strings"

	"github.com/sushant-115/gojosession/core/domain"
	"github.com/sushant-115/gojosession/core/store"
)

// Config holds the settings shared by all sessions of a Factory.
type Config struct {
	// LockMode is the initial lock mode of new sessions
	// ("read_committed", "shared" or "exclusive").
	LockMode string `yaml:"lock_mode"`
	// HandlerKind selects the handlers NewInstance and Find create
	// ("plain" or "smart").
	HandlerKind string `yaml:"handler_kind"`
	// CheckOwnership rejects calls made from a goroutine other than the one
	// that obtained the session.
	CheckOwnership bool `yaml:"check_ownership"`
	// MaxTransactionsPerSecond throttles store transaction opens across the
	// factory. Zero disables the throttle.
	MaxTransactionsPerSecond float64 `yaml:"max_transactions_per_second"`
	// TransactionBurst is the throttle's burst size. Defaults to 1.
	TransactionBurst int `yaml:"transaction_burst"`
}

// Validate checks the config and returns the parsed lock mode and handler
// kind.
func (c Config) Validate() (store.LockMode, domain.Kind, error) {
	mode, err := store.ParseLockMode(c.LockMode)
	if err != nil {
		return mode, domain.KindPlain, err
	}
	var kind domain.Kind
	switch strings.ToLower(c.HandlerKind) {
	case "", "plain":
		kind = domain.KindPlain
	case "smart":
		kind = domain.KindSmart
	default:
		return mode, domain.KindPlain, fmt.Errorf("unknown handler kind %q", c.HandlerKind)
	}
	if c.MaxTransactionsPerSecond < 0 {
		return mode, kind, fmt.Errorf("max_transactions_per_second must not be negative")
	}
	if c.TransactionBurst < 0 {
		return mode, kind, fmt.Errorf("transaction_burst must not be negative")
	}
	return mode, kind, nil
}
