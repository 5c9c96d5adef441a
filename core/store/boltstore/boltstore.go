// Package boltstore is a store.Store backed by a bolt database file. Every
// store transaction owns one writable bolt transaction. Bolt allows a single
// writer, so Begin waits until the previous transaction finishes, or until
// its context is done or Config.BeginTimeout passes. Two sessions driven
// from one goroutine must not hold transactions at the same time without a
// deadline: the second Begin would wait for the first forever.
package boltstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sushant-115/gojosession/core/dberror"
	"github.com/sushant-115/gojosession/core/store"
)

// Config holds the settings for opening a bolt-backed store.
type Config struct {
	// Path is the database file; its directory is created if missing.
	Path string
	// OpenTimeout bounds the wait for the file lock. Zero waits forever.
	OpenTimeout time.Duration
	// Partitions is the number of partitions partition keys are routed to.
	Partitions int
	// BeginTimeout bounds how long Begin waits for the writer. Zero waits
	// until the context is done.
	BeginTimeout time.Duration
}

// Store wraps an open bolt database.
type Store struct {
	db           *bolt.DB
	writer       *semaphore.Weighted
	beginTimeout time.Duration
	partitions   int
	logger       *zap.Logger
}

// Open opens or creates the database at cfg.Path.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt store path must be set")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", cfg.Path, err)
	}
	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", cfg.Path, err)
	}
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	logger = logger.With(zap.String("component", "boltstore"))
	logger.Info("Bolt store opened", zap.String("path", cfg.Path), zap.Int("partitions", partitions))
	return &Store{
		db:           db,
		writer:       semaphore.NewWeighted(1),
		beginTimeout: cfg.BeginTimeout,
		partitions:   partitions,
		logger:       logger,
	}, nil
}

// Begin opens a writable bolt transaction once the writer is free.
func (s *Store) Begin(ctx context.Context) (store.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, dberror.Datastore("Begin", err)
	}
	if s.beginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.beginTimeout)
		defer cancel()
	}
	if err := s.writer.Acquire(ctx, 1); err != nil {
		s.logger.Warn("Gave up waiting for the bolt writer", zap.Error(err))
		return nil, dberror.Datastore("Begin", fmt.Errorf("waiting for writer: %w", err))
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		s.writer.Release(1)
		if err == bolt.ErrDatabaseNotOpen {
			return nil, dberror.Datastore("Begin", dberror.ErrStoreClosed)
		}
		return nil, dberror.Datastore("Begin", err)
	}
	return &Txn{TxBase: store.NewTxBase(s.logger), s: s, tx: tx}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads a committed row outside of any session transaction.
func (s *Store) Get(table string, key []byte) (map[string]any, bool, error) {
	var row map[string]any
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		r, err := store.DecodeRow(v)
		if err != nil {
			return err
		}
		row, found = r, true
		return nil
	})
	return row, found, err
}
