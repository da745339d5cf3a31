package backend

import (
	"errors"
	"io/fs"
	"os"

	"go.uber.org/multierr"
)

// FileFactory opens File backends. Handles to the same physical file share
// one descriptor, keyed by canonical path, so two spellings of a path never
// produce two independent writers.
type FileFactory struct {
	opts []FileOption
	live *liveSet
}

// NewFileFactory creates a factory that passes opts to every OpenFile call.
func NewFileFactory(opts ...FileOption) *FileFactory {
	return &FileFactory{opts: opts, live: newLiveSet()}
}

// Name returns "file".
func (ff *FileFactory) Name() string {
	return "file"
}

// Open returns a handle onto the file at id. A read-only request against a
// file that is live read-write gets a read-only handle onto that descriptor.
func (ff *FileFactory) Open(id string, readOnly bool) (Backend, error) {
	key, err := CanonicalPath(id)
	if err != nil {
		return nil, err
	}
	return ff.live.acquire(key, readOnly, func() (Backend, error) {
		return OpenFile(id, readOnly, ff.opts...)
	})
}

// Exists reports whether a file is present at id.
func (ff *FileFactory) Exists(id string) (bool, error) {
	_, err := os.Stat(id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &OpError{Op: "stat", ID: id, Err: err}
}

// ShouldValidateHeader is always true: a file can be changed by other
// processes between opens.
func (ff *FileFactory) ShouldValidateHeader(string) (bool, error) {
	return true, nil
}

// Delete removes the file at id. Files with open handles are not removed.
func (ff *FileFactory) Delete(id string) (bool, error) {
	key, err := CanonicalPath(id)
	if err != nil {
		return false, err
	}
	sh := ff.live.entries.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.m[key]; ok {
		return false, &OpError{Op: "delete", ID: id, Err: ErrInUse}
	}
	if err := os.Remove(id); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &OpError{Op: "delete", ID: id, Err: err}
	}
	if err := os.Remove(id + ".lock"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, &OpError{Op: "delete lock", ID: id, Err: err}
	}
	return true, nil
}

// Close releases every live descriptor. Handles still held by callers fail
// with ErrClosed; closing them is a no-op.
func (ff *FileFactory) Close() error {
	var err error
	ff.live.entries.each(func(_ string, e *liveEntry) bool {
		err = multierr.Append(err, e.b.Close())
		e.dropped.Store(true)
		return false
	})
	return err
}

// Compile-time interface checks
var (
	_ Factory = (*FileFactory)(nil)
	_ Deleter = (*FileFactory)(nil)
)
