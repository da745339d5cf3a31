// Package backend provides byte-addressable storage backends for round-robin databases.
//
// A round-robin database is a fixed-size binary structure. The engine that
// maintains it knows which offsets hold which values; this package only moves
// bytes between that engine and a storage medium: an ordinary file, an
// in-process buffer, or an embedded key-value store.
package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds is returned when a read or write range falls outside the backend.
	ErrOutOfBounds = errors.New("range out of bounds")

	// ErrReadOnly is returned when a write is attempted on a read-only backend.
	ErrReadOnly = errors.New("backend is read-only")

	// ErrNotFound is returned when a storage identifier has no stored data.
	ErrNotFound = errors.New("not found")

	// ErrTruncate is returned when SetLength would discard existing bytes.
	ErrTruncate = errors.New("refusing to truncate existing data")

	// ErrModeConflict is returned when a read-write open hits a live read-only instance.
	ErrModeConflict = errors.New("identifier is already open read-only")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("backend is closed")

	// ErrLocked is returned when another process holds the lock on a file.
	ErrLocked = errors.New("file is locked by another process")

	// ErrInUse is returned when deleting an identifier that still has open handles.
	ErrInUse = errors.New("identifier has open handles")

	// ErrInvalidHeader is returned when a stored header fails validation at open time.
	ErrInvalidHeader = errors.New("invalid database header")

	// ErrUnknownFactory is returned when no factory is registered under a name.
	ErrUnknownFactory = errors.New("unknown backend factory")
)

// Backend is a byte-addressable handle onto the layout of one database.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Read returns exactly length bytes starting at offset.
	// Returns ErrOutOfBounds if the range exceeds the current length.
	Read(offset int64, length int) ([]byte, error)

	// Write stores p starting at offset. A write may start at the current
	// length to append; starting past it returns ErrOutOfBounds.
	// Returns ErrReadOnly on read-only backends.
	Write(offset int64, p []byte) error

	// Length returns the current size of the addressable region,
	// including writes that are not yet committed.
	Length() (int64, error)

	// Close flushes and releases medium-specific resources.
	Close() error

	// CanonicalIdentity returns a normalized form of the identifier
	// suitable for detecting two spellings of the same resource.
	CanonicalIdentity() (string, error)

	// Path returns the identifier the backend was opened with.
	Path() string

	// ReadOnly reports whether writes are rejected.
	ReadOnly() bool
}

// Resizer is implemented by backends that can be grown to a fixed size
// before the engine lays out its structure.
type Resizer interface {
	// SetLength grows the backend to n zero-filled bytes.
	// Returns ErrTruncate if n is smaller than the current length.
	SetLength(n int64) error
}

// Factory opens backends for one storage medium.
// Implementations must be safe for concurrent use.
type Factory interface {
	// Name returns the medium tag, e.g. "file" or "memory".
	Name() string

	// Open returns the live backend for id, creating it if needed.
	Open(id string, readOnly bool) (Backend, error)

	// Exists reports whether id has stored data on this medium.
	Exists(id string) (bool, error)

	// ShouldValidateHeader reports whether a freshly opened backend may hold
	// bytes altered out-of-band and must have its header re-checked.
	ShouldValidateHeader(id string) (bool, error)
}

// Deleter is implemented by factories that can discard stored data.
type Deleter interface {
	// Delete removes id, returning whether anything was present.
	Delete(id string) (bool, error)
}

// Lister is implemented by factories that can enumerate their identifiers.
type Lister interface {
	List() ([]string, error)
}

// OpError records a failed medium operation and the identifier it touched.
type OpError struct {
	Op  string
	ID  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// checkRead validates a read range against size.
func checkRead(offset int64, length int, size int64) error {
	if offset < 0 || length < 0 || offset > size || int64(length) > size-offset {
		return fmt.Errorf("%w: read %d bytes at %d of %d bytes", ErrOutOfBounds, length, offset, size)
	}
	return nil
}

// checkWrite validates that a write starts inside or directly after size.
func checkWrite(offset int64, size int64) error {
	if offset < 0 || offset > size {
		return fmt.Errorf("%w: write at %d of %d bytes", ErrOutOfBounds, offset, size)
	}
	return nil
}

// readOnlyView exposes a shared backend without its write path.
// Closing a view leaves the shared backend open.
type readOnlyView struct {
	b Backend
}

// ReadOnlyView wraps b so that every write fails with ErrReadOnly.
func ReadOnlyView(b Backend) Backend {
	if b.ReadOnly() {
		return b
	}
	return &readOnlyView{b: b}
}

func (v *readOnlyView) Read(offset int64, length int) ([]byte, error) {
	return v.b.Read(offset, length)
}

func (v *readOnlyView) Write(int64, []byte) error {
	return &OpError{Op: "write", ID: v.b.Path(), Err: ErrReadOnly}
}

func (v *readOnlyView) SetLength(int64) error {
	return &OpError{Op: "set length", ID: v.b.Path(), Err: ErrReadOnly}
}

func (v *readOnlyView) Length() (int64, error) {
	return v.b.Length()
}

func (v *readOnlyView) Close() error {
	return nil
}

func (v *readOnlyView) CanonicalIdentity() (string, error) {
	return v.b.CanonicalIdentity()
}

func (v *readOnlyView) Path() string {
	return v.b.Path()
}

func (v *readOnlyView) ReadOnly() bool {
	return true
}

// Compile-time interface checks
var (
	_ Backend = (*readOnlyView)(nil)
	_ Resizer = (*readOnlyView)(nil)
)
