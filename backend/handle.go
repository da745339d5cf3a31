package backend

import (
	"sync"
	"sync/atomic"
)

// flusher is implemented by backends that can push pending state to their
// medium without releasing it.
type flusher interface {
	Flush() error
}

// dirtyReporter is implemented by buffering backends.
type dirtyReporter interface {
	Dirty() bool
}

// liveEntry is one shared backend and the number of open handles onto it.
// refs and deleted are guarded by the owning shard's lock.
type liveEntry struct {
	b       Backend
	refs    int
	deleted bool
	dropped atomic.Bool
}

// liveSet hands out reference-counted handles onto one shared backend per
// identifier. The last handle to close releases the backend and removes it.
type liveSet struct {
	entries *shardMap[*liveEntry]
}

func newLiveSet() *liveSet {
	return &liveSet{entries: newShardMap[*liveEntry]()}
}

// acquire returns a handle for key, opening the shared backend with open if
// none is live. A read-write request against a live read-only backend fails
// with ErrModeConflict.
func (l *liveSet) acquire(key string, readOnly bool, open func() (Backend, error)) (Backend, error) {
	sh := l.entries.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.m[key]
	if ok {
		if e.b.ReadOnly() && !readOnly {
			return nil, &OpError{Op: "open", ID: key, Err: ErrModeConflict}
		}
	} else {
		b, err := open()
		if err != nil {
			return nil, err
		}
		e = &liveEntry{b: b}
		sh.m[key] = e
	}
	e.refs++
	return &handle{set: l, key: key, entry: e, readOnly: readOnly || e.b.ReadOnly()}, nil
}

// dropLocked removes e from sh. Handles onto a dropped entry refuse further
// I/O. Must be called with sh.mu held.
func dropLocked(sh *shard[*liveEntry], key string, e *liveEntry) {
	e.dropped.Store(true)
	delete(sh.m, key)
}

// refs returns the number of open handles for key.
func (l *liveSet) refs(key string) int {
	sh := l.entries.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.m[key]; ok {
		return e.refs
	}
	return 0
}

// handle is one caller's view of a shared backend.
type handle struct {
	set      *liveSet
	key      string
	entry    *liveEntry
	readOnly bool

	mu     sync.Mutex // serializes Close
	closed atomic.Bool
}

// usable reports ErrClosed once the handle is closed or its entry has been
// dropped by a factory teardown or delete.
func (h *handle) usable(op string) error {
	if h.closed.Load() || h.entry.dropped.Load() {
		return &OpError{Op: op, ID: h.entry.b.Path(), Err: ErrClosed}
	}
	return nil
}

func (h *handle) Read(offset int64, length int) ([]byte, error) {
	if err := h.usable("read"); err != nil {
		return nil, err
	}
	return h.entry.b.Read(offset, length)
}

func (h *handle) Write(offset int64, p []byte) error {
	if err := h.usable("write"); err != nil {
		return err
	}
	if h.readOnly {
		return &OpError{Op: "write", ID: h.entry.b.Path(), Err: ErrReadOnly}
	}
	return h.entry.b.Write(offset, p)
}

func (h *handle) SetLength(n int64) error {
	if err := h.usable("set length"); err != nil {
		return err
	}
	if h.readOnly {
		return &OpError{Op: "set length", ID: h.entry.b.Path(), Err: ErrReadOnly}
	}
	r, ok := h.entry.b.(Resizer)
	if !ok {
		return &OpError{Op: "set length", ID: h.entry.b.Path(), Err: ErrTruncate}
	}
	return r.SetLength(n)
}

func (h *handle) Length() (int64, error) {
	if err := h.usable("length"); err != nil {
		return 0, err
	}
	return h.entry.b.Length()
}

// Close flushes writes made through a read-write handle. The last handle
// closes the shared backend. If that close fails and the backend still holds
// uncommitted writes, the handle stays open so Close can be retried.
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return &OpError{Op: "close", ID: h.entry.b.Path(), Err: ErrClosed}
	}

	sh := h.set.entries.shardFor(h.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// The entry was dropped by a factory teardown or delete. A delete
	// discards pending writes; after a teardown they can no longer be
	// committed and are reported.
	if sh.m[h.key] != h.entry {
		h.closed.Store(true)
		if d, ok := h.entry.b.(dirtyReporter); ok && d.Dirty() && !h.entry.deleted && !h.readOnly {
			return &OpError{Op: "close", ID: h.entry.b.Path(), Err: ErrClosed}
		}
		return nil
	}

	if h.entry.refs > 1 {
		if f, ok := h.entry.b.(flusher); ok && !h.readOnly {
			if err := f.Flush(); err != nil {
				return err
			}
		}
		h.entry.refs--
		h.closed.Store(true)
		return nil
	}

	err := h.entry.b.Close()
	if err != nil {
		if d, ok := h.entry.b.(dirtyReporter); ok && d.Dirty() {
			return err
		}
	}
	h.entry.refs--
	dropLocked(sh, h.key, h.entry)
	h.closed.Store(true)
	return err
}

func (h *handle) CanonicalIdentity() (string, error) {
	return h.entry.b.CanonicalIdentity()
}

func (h *handle) Path() string {
	return h.entry.b.Path()
}

func (h *handle) ReadOnly() bool {
	return h.readOnly
}

// Compile-time interface checks
var (
	_ Backend = (*handle)(nil)
	_ Resizer = (*handle)(nil)
)
