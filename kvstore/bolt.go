// Package kvstore provides embedded key-value stores that hold round-robin
// databases as whole records, for use with backend.EmbeddedFactory.
package kvstore

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/rrdstore/backend"
)

// bucketRecords holds one record per database, keyed by identifier.
var bucketRecords = []byte("rrd")

// Bolt implements backend.Store using bbolt.
type Bolt struct {
	db      *bbolt.DB
	logger  *slog.Logger
	noSync  bool
	timeout time.Duration
}

// BoltOption configures a Bolt instance.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// WithOpenTimeout sets how long Open waits for the file lock held by
// another process.
func WithOpenTimeout(d time.Duration) BoltOption {
	return func(b *Bolt) {
		b.timeout = d
	}
}

// NewBolt creates a new Bolt instance with options.
func NewBolt(opts ...BoltOption) *Bolt {
	b := &Bolt{
		logger:  slog.Default(),
		timeout: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *Bolt) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: b.timeout,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketRecords, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		b.db = nil
		return err
	}

	b.logger.Debug("opened bolt store", "path", path, "noSync", b.noSync)
	return nil
}

// Close closes the database and releases resources.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing bolt store", "path", b.db.Path())
	err := b.db.Close()
	b.db = nil
	return err
}

// Get returns a copy of the record stored under key.
func (b *Bolt) Get(key []byte) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRecords).Get(key)
		if val == nil {
			return backend.ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		data = bytes.Clone(val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put stores value under key in one read-write transaction.
func (b *Bolt) Put(key, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRecords).Put(key, value); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		return nil
	})
}

// Delete removes the record under key.
func (b *Bolt) Delete(key []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRecords).Delete(key); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}
		return nil
	})
}

// ForEachKey calls fn with every stored key in byte order.
func (b *Bolt) ForEachKey(fn func(key []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, _ []byte) error {
			return fn(bytes.Clone(k))
		})
	})
}

// Compile-time interface checks
var _ backend.Store = (*Bolt)(nil)
