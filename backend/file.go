package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
)

// File implements Backend over an operating system file.
// A read-only File holds a descriptor opened O_RDONLY, so no write system
// call made through it can succeed.
type File struct {
	path     string
	readOnly bool

	mu     sync.RWMutex // guards f and closed; writers take it exclusively
	f      *os.File
	lock   *flock.Flock
	closed bool
}

type fileOptions struct {
	lock bool
	perm fs.FileMode
}

// FileOption configures how OpenFile opens a file.
type FileOption func(*fileOptions)

// WithLock takes an advisory lock on "<path>.lock" for the life of the
// backend: exclusive for read-write opens, shared for read-only opens.
func WithLock() FileOption {
	return func(o *fileOptions) {
		o.lock = true
	}
}

// WithPerm sets the permission bits used when creating a file.
func WithPerm(perm fs.FileMode) FileOption {
	return func(o *fileOptions) {
		o.perm = perm
	}
}

// OpenFile opens path as a backend. Read-write opens create the file if it
// does not exist; read-only opens require it to exist.
func OpenFile(path string, readOnly bool, opts ...FileOption) (*File, error) {
	o := fileOptions{perm: 0o644}
	for _, opt := range opts {
		opt(&o)
	}

	var lk *flock.Flock
	if o.lock {
		lk = flock.New(path + ".lock")
		var locked bool
		var err error
		if readOnly {
			locked, err = lk.TryRLock()
		} else {
			locked, err = lk.TryLock()
		}
		if err != nil {
			return nil, &OpError{Op: "lock", ID: path, Err: err}
		}
		if !locked {
			return nil, &OpError{Op: "lock", ID: path, Err: ErrLocked}
		}
	}

	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, o.perm)
	if err != nil {
		if lk != nil {
			_ = lk.Unlock()
		}
		return nil, &OpError{Op: "open", ID: path, Err: err}
	}

	return &File{path: path, readOnly: readOnly, f: f, lock: lk}, nil
}

// Read returns length bytes starting at offset.
func (b *File) Read(offset int64, length int) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size, err := b.size()
	if err != nil {
		return nil, err
	}
	if err := checkRead(offset, length, size); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if _, err := b.f.ReadAt(out, offset); err != nil {
		return nil, &OpError{Op: "read", ID: b.path, Err: err}
	}
	return out, nil
}

// Write stores p at offset. The file grows when p runs past its end.
func (b *File) Write(offset int64, p []byte) error {
	if b.readOnly {
		return &OpError{Op: "write", ID: b.path, Err: ErrReadOnly}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	size, err := b.size()
	if err != nil {
		return err
	}
	if err := checkWrite(offset, size); err != nil {
		return err
	}
	if _, err := b.f.WriteAt(p, offset); err != nil {
		return &OpError{Op: "write", ID: b.path, Err: err}
	}
	return nil
}

// SetLength grows the file to n bytes; the new region reads as zeros.
func (b *File) SetLength(n int64) error {
	if b.readOnly {
		return &OpError{Op: "set length", ID: b.path, Err: ErrReadOnly}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	size, err := b.size()
	if err != nil {
		return err
	}
	if n < size {
		return &OpError{Op: "set length", ID: b.path, Err: ErrTruncate}
	}
	if err := b.f.Truncate(n); err != nil {
		return &OpError{Op: "set length", ID: b.path, Err: err}
	}
	return nil
}

// Length returns the size reported by the operating system.
func (b *File) Length() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size()
}

// size must be called with mu held.
func (b *File) size() (int64, error) {
	if b.closed {
		return 0, &OpError{Op: "stat", ID: b.path, Err: ErrClosed}
	}
	info, err := b.f.Stat()
	if err != nil {
		return 0, &OpError{Op: "stat", ID: b.path, Err: err}
	}
	return info.Size(), nil
}

// Flush syncs written data to stable storage.
func (b *File) Flush() error {
	if b.readOnly {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &OpError{Op: "sync", ID: b.path, Err: ErrClosed}
	}
	if err := b.f.Sync(); err != nil {
		return &OpError{Op: "sync", ID: b.path, Err: err}
	}
	return nil
}

// Close syncs a read-write file and releases the descriptor and any lock.
// The descriptor is released even when the sync fails.
func (b *File) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &OpError{Op: "close", ID: b.path, Err: ErrClosed}
	}
	b.closed = true

	var err error
	if !b.readOnly {
		if serr := b.f.Sync(); serr != nil {
			err = multierr.Append(err, fmt.Errorf("syncing file: %w", serr))
		}
	}
	if cerr := b.f.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("closing file: %w", cerr))
	}
	if b.lock != nil {
		if uerr := b.lock.Unlock(); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("releasing lock: %w", uerr))
		}
	}
	if err != nil {
		return &OpError{Op: "close", ID: b.path, Err: err}
	}
	return nil
}

// CanonicalIdentity returns the canonical absolute path of the file.
func (b *File) CanonicalIdentity() (string, error) {
	return CanonicalPath(b.path)
}

// Path returns the path the file was opened with.
func (b *File) Path() string {
	return b.path
}

// ReadOnly reports whether the file was opened read-only.
func (b *File) ReadOnly() bool {
	return b.readOnly
}

// CanonicalPath returns the absolute, cleaned, symlink-free form of path.
// A path whose final element does not exist yet is resolved through its
// parent directory, which must exist.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &OpError{Op: "canonicalize", ID: path, Err: err}
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", &OpError{Op: "canonicalize", ID: path, Err: err}
	}

	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", &OpError{Op: "canonicalize", ID: path, Err: err}
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// Compile-time interface checks
var (
	_ Backend = (*File)(nil)
	_ Resizer = (*File)(nil)
	_ flusher = (*File)(nil)
)
