// Package rrdstore stores round-robin databases through pluggable storage
// backends. The backend package defines the byte-addressable contract and its
// media; this package holds helpers shared across them.
package rrdstore

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/wolfeidau/rrdstore/backend"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// hashChunk is how many bytes HashBackend reads per backend call.
const hashChunk = 64 * 1024

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader computes the BLAKE3 hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}

// HashBackend computes the BLAKE3 hash of every byte currently addressable
// through b, including uncommitted writes. Two databases with equal hashes
// hold identical layouts regardless of medium.
func HashBackend(b backend.Backend) (Hash, int64, error) {
	size, err := b.Length()
	if err != nil {
		return Hash{}, 0, fmt.Errorf("reading length: %w", err)
	}
	return HashReader(&backendReader{b: b, size: size})
}

// backendReader streams the first size bytes of a backend in chunks.
type backendReader struct {
	b    backend.Backend
	off  int64
	size int64
}

func (r *backendReader) Read(p []byte) (int, error) {
	if r.off >= r.size {
		return 0, io.EOF
	}
	n := int(min(int64(len(p)), hashChunk, r.size-r.off))
	data, err := r.b.Read(r.off, n)
	if err != nil {
		return 0, fmt.Errorf("reading at %d: %w", r.off, err)
	}
	copy(p, data)
	r.off += int64(n)
	return n, nil
}
