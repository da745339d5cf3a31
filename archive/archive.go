// Package archive moves a round-robin database between storage media as a
// single framed, compressed file.
//
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | zstd(BODY)
package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/wolfeidau/rrdstore"
	"github.com/wolfeidau/rrdstore/backend"
	"github.com/wolfeidau/rrdstore/telemetry"
)

var (
	// MagicBytes is the 4-byte prefix for archive files.
	MagicBytes = []byte("RRA1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected RRA1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrCorrupt is returned when the body does not match the header's length or hash.
	ErrCorrupt = errors.New("archive body does not match header")

	// ErrNotEmpty is returned when importing over an existing database without overwrite.
	ErrNotEmpty = errors.New("target database is not empty")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// Header describes the database held in an archive.
type Header struct {
	Identifier  string        `json:"identifier"`
	Medium      string        `json:"medium"`
	Length      int64         `json:"length"`
	ContentHash rrdstore.Hash `json:"content_hash"`
	ExportedAt  string        `json:"exported_at"`
}

// Export writes every byte of b to w as an archive. medium names the
// storage medium b was opened from and is recorded for information only.
func Export(w io.Writer, b backend.Backend, medium string) (*Header, error) {
	h, err := export(w, b, medium)
	var n int64
	if h != nil {
		n = h.Length
	}
	telemetry.RecordArchive(context.Background(), "export", outcome(err), n)
	return h, err
}

func export(w io.Writer, b backend.Backend, medium string) (*Header, error) {
	size, err := b.Length()
	if err != nil {
		return nil, fmt.Errorf("reading length: %w", err)
	}
	data, err := b.Read(0, int(size))
	if err != nil {
		return nil, fmt.Errorf("reading database: %w", err)
	}

	header := &Header{
		Identifier:  b.Path(),
		Medium:      medium,
		Length:      size,
		ContentHash: rrdstore.HashBytes(data),
		ExportedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeHeader(w, header); err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("writing body: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("flushing body: %w", err)
	}
	return header, nil
}

func writeHeader(w io.Writer, header *Header) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return nil
}

// ReadHeader reads and parses the archive header from r.
// Returns the header and a reader positioned at the compressed body.
func ReadHeader(r io.Reader) (*Header, io.Reader, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Length < 0 {
		return nil, nil, fmt.Errorf("%w: negative length %d", ErrCorrupt, header.Length)
	}
	return &header, r, nil
}

// ReadBody decompresses the body following header and verifies its length
// and hash.
func ReadBody(header *Header, body io.Reader) ([]byte, error) {
	dec, err := zstd.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	// One extra byte detects a body longer than the header claims.
	data, err := io.ReadAll(io.LimitReader(dec, header.Length+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) != header.Length {
		return nil, fmt.Errorf("%w: %d bytes, header says %d", ErrCorrupt, len(data), header.Length)
	}
	if got := rrdstore.HashBytes(data); got != header.ContentHash {
		return nil, fmt.Errorf("%w: hash %s, header says %s", ErrCorrupt, got.ShortString(), header.ContentHash.ShortString())
	}
	return data, nil
}

type importOptions struct {
	overwrite bool
}

// ImportOption configures Import.
type ImportOption func(*importOptions)

// WithOverwrite allows importing over an existing database that is no
// longer than the archived one.
func WithOverwrite() ImportOption {
	return func(o *importOptions) {
		o.overwrite = true
	}
}

// Import reads an archive from r and writes it through f under id, or under
// the archived identifier when id is empty. The body is verified before
// anything is written. The target is closed afterwards, which commits it on
// buffering media.
func Import(r io.Reader, f backend.Factory, id string, opts ...ImportOption) (*Header, error) {
	h, err := importArchive(r, f, id, opts...)
	var n int64
	if h != nil {
		n = h.Length
	}
	telemetry.RecordArchive(context.Background(), "import", outcome(err), n)
	return h, err
}

func importArchive(r io.Reader, f backend.Factory, id string, opts ...ImportOption) (*Header, error) {
	var o importOptions
	for _, opt := range opts {
		opt(&o)
	}

	header, body, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	data, err := ReadBody(header, body)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = header.Identifier
	}

	b, err := f.Open(id, false)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", id, err)
	}

	size, err := b.Length()
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("reading length: %w", err)
	}
	switch {
	case size != 0 && !o.overwrite:
		_ = b.Close()
		return nil, fmt.Errorf("%w: %s holds %d bytes", ErrNotEmpty, id, size)
	case size > header.Length:
		_ = b.Close()
		return nil, fmt.Errorf("%w: %s holds %d bytes, archive has %d", backend.ErrTruncate, id, size, header.Length)
	}

	if err := b.Write(0, data); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("writing %s: %w", id, err)
	}
	if err := b.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", id, err)
	}
	return header, nil
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}
