package backend

import "sync"

// Buffer is an in-process backend holding one growable byte slice.
// It never persists on its own; media without byte addressing compose it
// and add a commit step.
type Buffer struct {
	id  string
	mu  sync.RWMutex
	buf []byte
}

// NewBuffer creates a buffer for id. The buffer takes ownership of data,
// which may be nil.
func NewBuffer(id string, data []byte) *Buffer {
	return &Buffer{id: id, buf: data}
}

// Read returns a copy of length bytes starting at offset.
func (b *Buffer) Read(offset int64, length int) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := checkRead(offset, length, int64(len(b.buf))); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, b.buf[offset:])
	return out, nil
}

// Write copies p into the buffer at offset, growing it if p runs past the end.
func (b *Buffer) Write(offset int64, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := checkWrite(offset, int64(len(b.buf))); err != nil {
		return err
	}
	if end := offset + int64(len(p)); end > int64(len(b.buf)) {
		b.grow(end)
	}
	copy(b.buf[offset:], p)
	return nil
}

// SetLength grows the buffer to n zero-filled bytes.
func (b *Buffer) SetLength(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n < int64(len(b.buf)) {
		return ErrTruncate
	}
	b.grow(n)
	return nil
}

func (b *Buffer) grow(n int64) {
	if n <= int64(cap(b.buf)) {
		b.buf = b.buf[:n]
		return
	}
	next := make([]byte, n)
	copy(next, b.buf)
	b.buf = next
}

// Length returns the buffer size.
func (b *Buffer) Length() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.buf)), nil
}

// Bytes returns a snapshot copy of the whole buffer.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Close is a no-op; the bytes stay resident.
func (b *Buffer) Close() error {
	return nil
}

// CanonicalIdentity returns the identifier unchanged.
func (b *Buffer) CanonicalIdentity() (string, error) {
	return b.id, nil
}

// Path returns the identifier.
func (b *Buffer) Path() string {
	return b.id
}

// ReadOnly always reports false; read-only access goes through ReadOnlyView.
func (b *Buffer) ReadOnly() bool {
	return false
}

// Compile-time interface checks
var (
	_ Backend = (*Buffer)(nil)
	_ Resizer = (*Buffer)(nil)
)
