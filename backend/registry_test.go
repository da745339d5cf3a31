package backend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var testSignature = []byte("RRD\x000003")

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	r := NewRegistry(append([]RegistryOption{WithHeaderCheck(SignatureCheck(testSignature))}, opts...)...)
	require.NoError(t, r.Register(NewFileFactory()))
	require.NoError(t, r.Register(NewMemoryFactory()))
	return r
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t)

	require.Equal(t, []string{"file", "memory"}, r.Names())
	require.Error(t, r.Register(NewMemoryFactory()), "duplicate name")

	f, err := r.Factory("memory")
	require.NoError(t, err)
	require.Equal(t, "memory", f.Name())

	_, err = r.Factory("nfs")
	require.ErrorIs(t, err, ErrUnknownFactory)

	_, err = r.Open("nfs", "x", false)
	require.ErrorIs(t, err, ErrUnknownFactory)
}

func TestRegistry_Default(t *testing.T) {
	r := newTestRegistry(t)

	def, err := r.Default()
	require.NoError(t, err)
	require.Equal(t, "file", def.Name(), "first registered")

	require.NoError(t, r.SetDefault("memory"))
	require.ErrorIs(t, r.SetDefault("nfs"), ErrUnknownFactory)

	b, err := r.OpenDefault("db1", false)
	require.NoError(t, err)
	require.NoError(t, b.Write(0, []byte("anything")))

	mem, err := r.Factory("memory")
	require.NoError(t, err)
	exists, err := mem.Exists("db1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRegistry_EmptyRegistry(t *testing.T) {
	_, err := NewRegistry().Default()
	require.ErrorIs(t, err, ErrUnknownFactory)
}

func TestRegistry_ValidatesFileHeader(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.rrd")
	require.NoError(t, os.WriteFile(good, append(testSignature, 1, 2, 3), 0o644))
	b, err := r.Open("file", good, true)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	bad := filepath.Join(dir, "bad.rrd")
	require.NoError(t, os.WriteFile(bad, []byte("GIF89a..."), 0o644))
	_, err = r.Open("file", bad, true)
	require.ErrorIs(t, err, ErrInvalidHeader)

	short := filepath.Join(dir, "short.rrd")
	require.NoError(t, os.WriteFile(short, []byte("RR"), 0o644))
	_, err = r.Open("file", short, true)
	require.ErrorIs(t, err, ErrInvalidHeader)

	// The rejected backend was closed, so a read-write open does not conflict.
	ff, err := r.Factory("file")
	require.NoError(t, err)
	rw, err := ff.Open(bad, false)
	require.NoError(t, err)
	require.NoError(t, rw.Close())
}

func TestRegistry_EmptyFileSkipsValidation(t *testing.T) {
	r := newTestRegistry(t)

	b, err := r.Open("file", filepath.Join(t.TempDir(), "new.rrd"), false)
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestRegistry_MemorySkipsValidation(t *testing.T) {
	r := newTestRegistry(t)

	b, err := r.Open("memory", "db1", false)
	require.NoError(t, err)
	require.NoError(t, b.Write(0, []byte("not a signature")))

	b, err = r.Open("memory", "db1", true)
	require.NoError(t, err)
	require.True(t, b.ReadOnly())
}

func TestRegistry_Instrumentation(t *testing.T) {
	r := newTestRegistry(t, WithInstrumentation())

	b, err := r.Open("memory", "db1", false)
	require.NoError(t, err)

	ib, ok := b.(*Instrumented)
	require.True(t, ok)
	require.IsType(t, &Buffer{}, ib.Unwrap())
}

func TestSignatureCheck(t *testing.T) {
	check := SignatureCheck([]byte("RRD"))

	require.NoError(t, check("a", NewBuffer("a", []byte("RRD0003"))))
	require.Error(t, check("b", NewBuffer("b", []byte("XRD0003"))))
	require.Error(t, check("c", NewBuffer("c", []byte("R"))))
}

var errCloseFailed = errors.New("close failed")

// closeFailingBackend is a Buffer whose Close always fails.
type closeFailingBackend struct {
	*Buffer
}

func (b closeFailingBackend) Close() error {
	return errCloseFailed
}

// validatingFactory serves closeFailingBackends and asks for validation.
type validatingFactory struct {
	data []byte
}

func (f validatingFactory) Name() string { return "validating" }

func (f validatingFactory) Open(id string, _ bool) (Backend, error) {
	return closeFailingBackend{NewBuffer(id, append([]byte(nil), f.data...))}, nil
}

func (f validatingFactory) Exists(string) (bool, error) { return true, nil }

func (f validatingFactory) ShouldValidateHeader(string) (bool, error) { return true, nil }

func TestRegistry_RejectedBackendCloseErrorIsReported(t *testing.T) {
	r := NewRegistry(WithHeaderCheck(SignatureCheck(testSignature)))
	require.NoError(t, r.Register(validatingFactory{data: []byte("GIF89a...")}))

	_, err := r.Open("validating", "db1", true)
	require.ErrorIs(t, err, ErrInvalidHeader)
	require.ErrorIs(t, err, errCloseFailed)
}
