package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, opts ...FileOption) (*File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.rrd")
	f, err := OpenFile(path, false, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, path
}

func TestFile_WriteRead(t *testing.T) {
	f, _ := newTestFile(t)

	require.NoError(t, f.Write(0, []byte{0x01, 0x02, 0x03}))
	got, err := f.Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, got)

	require.NoError(t, f.Write(1, []byte{0xff}))
	got, err = f.Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0xff, 0x03}, got)
}

func TestFile_LengthTracksExtendingWrite(t *testing.T) {
	f, path := newTestFile(t)

	require.NoError(t, f.Write(0, make([]byte, 16)))
	require.NoError(t, f.Write(12, make([]byte, 8)))

	n, err := f.Length()
	require.NoError(t, err)
	require.EqualValues(t, 20, n)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 20, info.Size())
}

func TestFile_ReadPastEnd(t *testing.T) {
	f, _ := newTestFile(t)
	require.NoError(t, f.Write(0, []byte{1, 2, 3}))

	got, err := f.Read(1, 3)
	require.ErrorIs(t, err, ErrOutOfBounds)
	require.Nil(t, got)
}

func TestFile_WriteLeavingHole(t *testing.T) {
	f, _ := newTestFile(t)
	require.NoError(t, f.Write(0, []byte{1}))
	require.ErrorIs(t, f.Write(5, []byte{1}), ErrOutOfBounds)
}

func TestFile_SetLength(t *testing.T) {
	f, _ := newTestFile(t)
	require.NoError(t, f.Write(0, []byte{7}))
	require.NoError(t, f.SetLength(8))

	got, err := f.Read(0, 8)
	require.NoError(t, err)
	require.Equal(t, []byte{7, 0, 0, 0, 0, 0, 0, 0}, got)

	require.ErrorIs(t, f.SetLength(4), ErrTruncate)
}

func TestFile_ReadOnly(t *testing.T) {
	rw, path := newTestFile(t)
	require.NoError(t, rw.Write(0, []byte{1, 2, 3}))
	require.NoError(t, rw.Close())

	ro, err := OpenFile(path, true)
	require.NoError(t, err)
	defer func() { _ = ro.Close() }()
	require.True(t, ro.ReadOnly())

	before, err := ro.Read(0, 3)
	require.NoError(t, err)

	for range 3 {
		require.ErrorIs(t, ro.Write(0, []byte{9}), ErrReadOnly)
	}
	require.ErrorIs(t, ro.SetLength(10), ErrReadOnly)

	after, err := ro.Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestFile_ReadOnlyMissing(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.rrd"), true)
	require.ErrorIs(t, err, os.ErrNotExist)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "open", opErr.Op)
}

func TestFile_Persists(t *testing.T) {
	f, path := newTestFile(t)
	require.NoError(t, f.Write(0, []byte("RRD")))
	require.NoError(t, f.Close())

	reopened, err := OpenFile(path, false)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("RRD"), got)
}

func TestFile_UseAfterClose(t *testing.T) {
	f, _ := newTestFile(t)
	require.NoError(t, f.Close())

	_, err := f.Read(0, 0)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, f.Write(0, []byte{1}), ErrClosed)
	require.ErrorIs(t, f.Close(), ErrClosed)
}

func TestFile_Lock(t *testing.T) {
	f, path := newTestFile(t, WithLock())
	require.NoError(t, f.Write(0, []byte{1}))

	_, err := OpenFile(path, false, WithLock())
	require.ErrorIs(t, err, ErrLocked)

	_, err = OpenFile(path, true, WithLock())
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, f.Close())

	// Released on close; shared locks coexist.
	ro1, err := OpenFile(path, true, WithLock())
	require.NoError(t, err)
	defer func() { _ = ro1.Close() }()
	ro2, err := OpenFile(path, true, WithLock())
	require.NoError(t, err)
	defer func() { _ = ro2.Close() }()
}

func TestFile_LockReleasedOnFailedOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.rrd")

	_, err := OpenFile(path, true, WithLock())
	require.ErrorIs(t, err, os.ErrNotExist)

	f, err := OpenFile(path, false, WithLock())
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestCanonicalPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.rrd")
	require.NoError(t, os.WriteFile(path, []byte("RRD"), 0o644))

	want, err := CanonicalPath(path)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(want))

	t.Run("redundant segments", func(t *testing.T) {
		got, err := CanonicalPath(dir + "/./sub/../a.rrd")
		require.NoError(t, err)
		require.Equal(t, want, got)

		got, err = CanonicalPath(dir + "/./a.rrd")
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("relative", func(t *testing.T) {
		t.Chdir(dir)
		got, err := CanonicalPath("./a.rrd")
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("symlink", func(t *testing.T) {
		link := filepath.Join(dir, "link.rrd")
		require.NoError(t, os.Symlink(path, link))
		got, err := CanonicalPath(link)
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("missing file in existing directory", func(t *testing.T) {
		got, err := CanonicalPath(filepath.Join(dir, ".", "new.rrd"))
		require.NoError(t, err)
		require.Equal(t, filepath.Join(filepath.Dir(want), "new.rrd"), got)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := CanonicalPath(filepath.Join(dir, "nope", "new.rrd"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestFile_CanonicalIdentity(t *testing.T) {
	f, path := newTestFile(t)
	id, err := f.CanonicalIdentity()
	require.NoError(t, err)

	want, err := CanonicalPath(path)
	require.NoError(t, err)
	require.Equal(t, want, id)
	require.Equal(t, path, f.Path())
}
