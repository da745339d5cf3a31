package backend

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/wolfeidau/rrdstore/telemetry"
)

// Store is an embedded transactional key-value store holding one record per
// database: the key is the identifier, the value is the whole byte layout.
type Store interface {
	// Get returns a copy of the value for key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores value under key in a single committed transaction.
	Put(key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// ForEachKey calls fn with every stored key until fn returns an error.
	ForEachKey(fn func(key []byte) error) error
}

// Embedded is a Buffer whose contents are committed to a Store on Close.
//
// Writes land in the buffer and mark the backend dirty. Close puts the whole
// buffer as one record only when dirty; a clean Close touches nothing. A
// failed commit leaves the backend dirty so Close can be retried.
type Embedded struct {
	buf    *Buffer
	store  Store
	medium string

	mu    sync.Mutex // serializes writes with commit; guards dirty
	dirty bool
}

// NewEmbedded creates a backend for id over store, starting from data (a
// record previously fetched from store) or empty when data is nil.
func NewEmbedded(id string, data []byte, store Store) *Embedded {
	return &Embedded{buf: NewBuffer(id, data), store: store, medium: "embedded"}
}

// Read returns length bytes starting at offset from the buffer.
func (e *Embedded) Read(offset int64, length int) ([]byte, error) {
	return e.buf.Read(offset, length)
}

// Write stores p in the buffer and marks the backend dirty.
func (e *Embedded) Write(offset int64, p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.buf.Write(offset, p); err != nil {
		return err
	}
	e.dirty = true
	return nil
}

// SetLength grows the buffer and marks the backend dirty.
func (e *Embedded) SetLength(n int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.buf.SetLength(n); err != nil {
		return err
	}
	e.dirty = true
	return nil
}

// Length returns the buffer size, including uncommitted writes.
func (e *Embedded) Length() (int64, error) {
	return e.buf.Length()
}

// Dirty reports whether the buffer holds writes not yet committed.
func (e *Embedded) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// Flush commits the buffer if dirty.
func (e *Embedded) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commit()
}

// Close commits the buffer if dirty. The buffer stays usable afterwards.
func (e *Embedded) Close() error {
	return e.Flush()
}

// commit must be called with mu held.
func (e *Embedded) commit() error {
	if !e.dirty {
		return nil
	}

	start := time.Now()
	value := e.buf.Bytes()
	err := e.store.Put([]byte(e.buf.Path()), value)
	telemetry.RecordCommit(context.Background(), e.medium, outcomeFromError(err), time.Since(start), int64(len(value)))
	if err != nil {
		return &OpError{Op: "commit", ID: e.buf.Path(), Err: err}
	}
	e.dirty = false
	return nil
}

// CanonicalIdentity returns the identifier; store keys have one spelling.
func (e *Embedded) CanonicalIdentity() (string, error) {
	return e.buf.CanonicalIdentity()
}

// Path returns the identifier.
func (e *Embedded) Path() string {
	return e.buf.Path()
}

// ReadOnly always reports false; read-only access goes through handles.
func (e *Embedded) ReadOnly() bool {
	return false
}

// EmbeddedFactory opens Embedded backends over one Store. Handles to the
// same identifier share one Embedded instance; the last handle to close
// commits it and releases the buffer.
type EmbeddedFactory struct {
	name  string
	store Store
	live  *liveSet
}

// NewEmbeddedFactory creates a factory named name over store.
func NewEmbeddedFactory(name string, store Store) *EmbeddedFactory {
	return &EmbeddedFactory{name: name, store: store, live: newLiveSet()}
}

// Name returns the medium name given at construction.
func (ef *EmbeddedFactory) Name() string {
	return ef.name
}

// Open returns a handle onto id, loading its record on first open.
// A read-only open of an identifier with no record fails with ErrNotFound;
// a read-write open starts an empty buffer that is stored on first commit.
func (ef *EmbeddedFactory) Open(id string, readOnly bool) (Backend, error) {
	return ef.live.acquire(id, readOnly, func() (Backend, error) {
		data, err := ef.store.Get([]byte(id))
		switch {
		case errors.Is(err, ErrNotFound):
			if readOnly {
				return nil, &OpError{Op: "open", ID: id, Err: ErrNotFound}
			}
			data = nil
		case err != nil:
			return nil, &OpError{Op: "open", ID: id, Err: err}
		}
		e := NewEmbedded(id, data, ef.store)
		e.medium = ef.name
		return e, nil
	})
}

// Exists reports whether id is live or has a stored record.
func (ef *EmbeddedFactory) Exists(id string) (bool, error) {
	if _, ok := ef.live.entries.load(id); ok {
		return true, nil
	}
	_, err := ef.store.Get([]byte(id))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &OpError{Op: "exists", ID: id, Err: err}
	}
	return true, nil
}

// ShouldValidateHeader is always false; the store is held exclusively by
// this process.
func (ef *EmbeddedFactory) ShouldValidateHeader(string) (bool, error) {
	return false, nil
}

// Delete drops the live instance for id without committing it and removes
// its record, returning whether either was present. The whole delete runs
// under the identifier's shard lock, so no Open can reload the record midway.
// Handles onto the dropped instance fail with ErrClosed afterwards.
func (ef *EmbeddedFactory) Delete(id string) (bool, error) {
	sh := ef.live.entries.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, live := sh.m[id]
	if live {
		e.deleted = true
		dropLocked(sh, id, e)
	}

	key := []byte(id)
	_, err := ef.store.Get(key)
	switch {
	case errors.Is(err, ErrNotFound):
		return live, nil
	case err != nil:
		return live, &OpError{Op: "delete", ID: id, Err: err}
	}
	if err := ef.store.Delete(key); err != nil {
		return live, &OpError{Op: "delete", ID: id, Err: err}
	}
	return true, nil
}

// List returns every stored or live identifier in sorted order.
func (ef *EmbeddedFactory) List() ([]string, error) {
	seen := make(map[string]struct{})
	for _, id := range ef.live.entries.keys() {
		seen[id] = struct{}{}
	}
	err := ef.store.ForEachKey(func(key []byte) error {
		seen[string(key)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, &OpError{Op: "list", ID: ef.name, Err: err}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Flush commits every dirty live instance. All instances are attempted;
// failures are combined.
func (ef *EmbeddedFactory) Flush() error {
	var err error
	ef.live.entries.each(func(_ string, le *liveEntry) bool {
		if f, ok := le.b.(flusher); ok {
			err = multierr.Append(err, f.Flush())
		}
		return true
	})
	return err
}

// Close commits every dirty live instance and drops the ones that committed.
// Instances whose commit failed stay live and dirty.
func (ef *EmbeddedFactory) Close() error {
	var err error
	ef.live.entries.each(func(_ string, le *liveEntry) bool {
		if cerr := le.b.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
			return true
		}
		le.dropped.Store(true)
		return false
	})
	return err
}

// Compile-time interface checks
var (
	_ Backend = (*Embedded)(nil)
	_ Resizer = (*Embedded)(nil)
	_ flusher = (*Embedded)(nil)
	_ Factory = (*EmbeddedFactory)(nil)
	_ Deleter = (*EmbeddedFactory)(nil)
	_ Lister  = (*EmbeddedFactory)(nil)
)
