package backend

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryFactory_Scenario(t *testing.T) {
	mf := NewMemoryFactory()

	b, err := mf.Open("db1", false)
	require.NoError(t, err)

	require.NoError(t, b.Write(0, []byte{0x01, 0x02, 0x03}))
	got, err := b.Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, got)

	require.NoError(t, b.Write(1, []byte{0xff}))
	got, err = b.Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0xff, 0x03}, got)
}

func TestMemoryFactory_ConcurrentOpensShareInstance(t *testing.T) {
	mf := NewMemoryFactory()

	const n = 32
	backends := make([]Backend, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			backends[i], errs[i] = mf.Open("shared", false)
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		require.Same(t, backends[0], backends[i])
	}
	require.Equal(t, 1, mf.Len())

	require.NoError(t, backends[3].Write(0, []byte("RRD")))
	got, err := backends[17].Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("RRD"), got)
}

func TestMemoryFactory_ExistsAfterOpen(t *testing.T) {
	mf := NewMemoryFactory()

	exists, err := mf.Exists("db1")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = mf.Open("db1", false)
	require.NoError(t, err)

	exists, err = mf.Exists("db1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMemoryFactory_CloseDoesNotRelease(t *testing.T) {
	mf := NewMemoryFactory()

	b, err := mf.Open("db1", false)
	require.NoError(t, err)
	require.NoError(t, b.Write(0, []byte{1, 2, 3}))
	require.NoError(t, b.Close())

	reopened, err := mf.Open("db1", false)
	require.NoError(t, err)
	got, err := reopened.Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)
}

func TestMemoryFactory_Delete(t *testing.T) {
	mf := NewMemoryFactory()

	old, err := mf.Open("db1", false)
	require.NoError(t, err)
	require.NoError(t, old.Write(0, []byte{1, 2, 3}))

	deleted, err := mf.Delete("db1")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = mf.Delete("db1")
	require.NoError(t, err)
	require.False(t, deleted)

	// Writes through the discarded handle do not reach a fresh open.
	require.NoError(t, old.Write(3, []byte{4}))

	fresh, err := mf.Open("db1", false)
	require.NoError(t, err)
	n, err := fresh.Length()
	require.NoError(t, err)
	require.Zero(t, n)

	deleted, err = mf.Delete("never-opened")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestMemoryFactory_ReadOnlyOpen(t *testing.T) {
	mf := NewMemoryFactory()

	rw, err := mf.Open("db1", false)
	require.NoError(t, err)
	require.NoError(t, rw.Write(0, []byte{1, 2, 3}))

	ro, err := mf.Open("db1", true)
	require.NoError(t, err)
	require.True(t, ro.ReadOnly())

	require.ErrorIs(t, ro.Write(0, []byte{9}), ErrReadOnly)
	got, err := ro.Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	// The read-only handle observes later writes to the shared buffer.
	require.NoError(t, rw.Write(0, []byte{7}))
	got, err = ro.Read(0, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{7}, got)
}

func TestMemoryFactory_ListAndClear(t *testing.T) {
	mf := NewMemoryFactory()
	for i := range 5 {
		_, err := mf.Open(fmt.Sprintf("db%d", 4-i), false)
		require.NoError(t, err)
	}

	ids, err := mf.List()
	require.NoError(t, err)
	require.Equal(t, []string{"db0", "db1", "db2", "db3", "db4"}, ids)

	require.Equal(t, 5, mf.Clear())
	require.Zero(t, mf.Len())
}

func TestMemoryFactory_ShouldValidateHeader(t *testing.T) {
	validate, err := NewMemoryFactory().ShouldValidateHeader("db1")
	require.NoError(t, err)
	require.False(t, validate)
}
