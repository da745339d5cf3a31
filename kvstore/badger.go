package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/wolfeidau/rrdstore/backend"
)

// badgerPrefix namespaces records so the directory can be shared.
var badgerPrefix = []byte("rrd/")

// BadgerConfig holds Badger configuration.
type BadgerConfig struct {
	// Dir is the directory holding the database files.
	Dir string

	// InMemory keeps everything in memory (for testing).
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives Badger's own log output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Badger implements backend.Store using BadgerDB.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenBadger opens a Badger store.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	// Records are rewritten whole on every commit; old versions are garbage.
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumCompactors(2).
		WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	logger.Debug("opened badger store", "dir", cfg.Dir, "inMemory", cfg.InMemory)
	return &Badger{db: db, logger: logger}, nil
}

func recordKey(key []byte) []byte {
	return append(bytes.Clone(badgerPrefix), key...)
}

// Get returns a copy of the record stored under key.
func (b *Badger) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return backend.ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value under key in one read-write transaction.
func (b *Badger) Put(key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(key), value)
	})
}

// Delete removes the record under key.
func (b *Badger) Delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(key))
	})
}

// ForEachKey calls fn with every stored key in byte order.
func (b *Badger) ForEachKey(fn func(key []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if err := fn(k[len(badgerPrefix):]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Maintain runs one round of value log garbage collection.
// badger.ErrNoRewrite means there was nothing to reclaim.
func (b *Badger) Maintain() error {
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close closes the database.
func (b *Badger) Close() error {
	b.logger.Debug("closing badger store")
	return b.db.Close()
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(logMessage(format, args), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(logMessage(format, args), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(logMessage(format, args), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(logMessage(format, args), "component", "badger")
}

// logMessage formats a badger log line, which arrives with a trailing newline.
func logMessage(format string, args []any) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}

// Compile-time interface checks
var (
	_ backend.Store = (*Badger)(nil)
	_ badger.Logger = badgerLogger{}
)
