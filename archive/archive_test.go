package archive

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/rrdstore"
	"github.com/wolfeidau/rrdstore/backend"
)

func newMemoryDB(t *testing.T, f *backend.MemoryFactory, id string, data []byte) backend.Backend {
	t.Helper()
	b, err := f.Open(id, false)
	require.NoError(t, err)
	require.NoError(t, b.Write(0, data))
	return b
}

func TestExportImportRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("RRD\x00\x00\x00\x00\x03"), 512)
	src := newMemoryDB(t, backend.NewMemoryFactory(), "cpu.rrd", data)

	var buf bytes.Buffer
	header, err := Export(&buf, src, "memory")
	require.NoError(t, err)
	require.Equal(t, "cpu.rrd", header.Identifier)
	require.Equal(t, "memory", header.Medium)
	require.EqualValues(t, len(data), header.Length)
	require.Equal(t, rrdstore.HashBytes(data), header.ContentHash)

	// Import into a file under a new identifier.
	ff := backend.NewFileFactory()
	path := filepath.Join(t.TempDir(), "cpu.rrd")
	imported, err := Import(&buf, ff, path)
	require.NoError(t, err)
	require.Equal(t, header.ContentHash, imported.ContentHash)

	dst, err := ff.Open(path, true)
	require.NoError(t, err)
	defer func() { _ = dst.Close() }()

	hash, n, err := rrdstore.HashBackend(dst)
	require.NoError(t, err)
	require.EqualValues(t, len(data), n)
	require.Equal(t, header.ContentHash, hash)
}

func TestImportUsesArchivedIdentifier(t *testing.T) {
	src := newMemoryDB(t, backend.NewMemoryFactory(), "net.rrd", []byte{1, 2, 3})

	var buf bytes.Buffer
	_, err := Export(&buf, src, "memory")
	require.NoError(t, err)

	dst := backend.NewMemoryFactory()
	_, err = Import(&buf, dst, "")
	require.NoError(t, err)

	exists, err := dst.Exists("net.rrd")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestImportRefusesNonEmptyTarget(t *testing.T) {
	src := newMemoryDB(t, backend.NewMemoryFactory(), "db", []byte{1, 2, 3})
	var buf bytes.Buffer
	_, err := Export(&buf, src, "memory")
	require.NoError(t, err)
	archived := buf.Bytes()

	dst := backend.NewMemoryFactory()
	newMemoryDB(t, dst, "db", []byte{9, 9, 9})

	_, err = Import(bytes.NewReader(archived), dst, "db")
	require.ErrorIs(t, err, ErrNotEmpty)

	_, err = Import(bytes.NewReader(archived), dst, "db", WithOverwrite())
	require.NoError(t, err)

	b, err := dst.Open("db", true)
	require.NoError(t, err)
	got, err := b.Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)
}

func TestImportRefusesTruncation(t *testing.T) {
	src := newMemoryDB(t, backend.NewMemoryFactory(), "db", []byte{1, 2})
	var buf bytes.Buffer
	_, err := Export(&buf, src, "memory")
	require.NoError(t, err)

	dst := backend.NewMemoryFactory()
	newMemoryDB(t, dst, "db", []byte{9, 9, 9, 9})

	_, err = Import(&buf, dst, "db", WithOverwrite())
	require.ErrorIs(t, err, backend.ErrTruncate)
}

func TestImportDetectsCorruptBody(t *testing.T) {
	src := newMemoryDB(t, backend.NewMemoryFactory(), "db", []byte("some round robin bytes"))
	var buf bytes.Buffer
	header, err := Export(&buf, src, "memory")
	require.NoError(t, err)

	// Re-frame the same body under a header with a different hash.
	_, body, err := ReadHeader(&buf)
	require.NoError(t, err)
	header.ContentHash = rrdstore.HashBytes([]byte("something else"))

	var tampered bytes.Buffer
	require.NoError(t, writeHeader(&tampered, header))
	_, err = tampered.ReadFrom(body)
	require.NoError(t, err)

	dst := backend.NewMemoryFactory()
	_, err = Import(&tampered, dst, "db")
	require.ErrorIs(t, err, ErrCorrupt)

	// Nothing was written.
	exists, err := dst.Exists("db")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestReadHeaderInvalidMagic(t *testing.T) {
	_, _, err := ReadHeader(bytes.NewReader([]byte("XXXX\x00\x00\x00\x00")))
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadHeaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxHeaderSize+1)))

	_, _, err := ReadHeader(&buf)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestExportEmptyDatabase(t *testing.T) {
	src, err := backend.NewMemoryFactory().Open("empty", false)
	require.NoError(t, err)

	var buf bytes.Buffer
	header, err := Export(&buf, src, "memory")
	require.NoError(t, err)
	require.Zero(t, header.Length)

	h, body, err := ReadHeader(&buf)
	require.NoError(t, err)
	data, err := ReadBody(h, body)
	require.NoError(t, err)
	require.Empty(t, data)
}
