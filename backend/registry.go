package backend

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/wolfeidau/rrdstore/telemetry"
)

// HeaderCheck validates the stored header of a freshly opened, non-empty backend.
type HeaderCheck func(id string, b Backend) error

// SignatureCheck returns a HeaderCheck requiring the backend to start with sig.
func SignatureCheck(sig []byte) HeaderCheck {
	want := bytes.Clone(sig)
	return func(id string, b Backend) error {
		size, err := b.Length()
		if err != nil {
			return err
		}
		if size < int64(len(want)) {
			return fmt.Errorf("%d bytes is shorter than the %d byte signature", size, len(want))
		}
		got, err := b.Read(0, len(want))
		if err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("signature %q does not match %q", got, want)
		}
		return nil
	}
}

// Registry holds the factories for each storage medium, selected by name.
// It is the single place where the engine opens backends, and applies header
// validation to media that ask for it.
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	def        string
	check      HeaderCheck
	instrument bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHeaderCheck sets the check run against media whose factory reports
// ShouldValidateHeader.
func WithHeaderCheck(check HeaderCheck) RegistryOption {
	return func(r *Registry) {
		r.check = check
	}
}

// WithInstrumentation wraps every opened backend in an Instrumented decorator.
func WithInstrumentation() RegistryOption {
	return func(r *Registry) {
		r.instrument = true
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds f under f.Name(). The first registered factory becomes the default.
func (r *Registry) Register(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := f.Name()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("factory %q already registered", name)
	}
	r.factories[name] = f
	if r.def == "" {
		r.def = name
	}
	return nil
}

// Factory returns the factory registered under name.
func (r *Registry) Factory(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFactory, name)
	}
	return f, nil
}

// SetDefault selects the factory used by OpenDefault.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFactory, name)
	}
	r.def = name
	return nil
}

// Default returns the default factory.
func (r *Registry) Default() (Factory, error) {
	r.mu.RLock()
	name := r.def
	r.mu.RUnlock()
	return r.Factory(name)
}

// Names returns the registered factory names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens id through the factory registered under name. When the factory
// asks for header validation and the backend is not empty, the configured
// HeaderCheck runs; on failure the backend is closed and ErrInvalidHeader
// is returned.
func (r *Registry) Open(name, id string, readOnly bool) (Backend, error) {
	f, err := r.Factory(name)
	if err != nil {
		return nil, err
	}

	b, err := r.open(f, id, readOnly)
	telemetry.RecordBackendOpen(context.Background(), f.Name(), outcomeFromError(err))
	if err != nil {
		return nil, err
	}
	if r.instrument {
		return NewInstrumented(b, f.Name()), nil
	}
	return b, nil
}

// OpenDefault opens id through the default factory.
func (r *Registry) OpenDefault(id string, readOnly bool) (Backend, error) {
	f, err := r.Default()
	if err != nil {
		return nil, err
	}
	return r.Open(f.Name(), id, readOnly)
}

func (r *Registry) open(f Factory, id string, readOnly bool) (Backend, error) {
	b, err := f.Open(id, readOnly)
	if err != nil {
		return nil, err
	}
	if r.check == nil {
		return b, nil
	}

	validate, err := f.ShouldValidateHeader(id)
	if err != nil {
		return nil, multierr.Append(err, b.Close())
	}
	if !validate {
		return b, nil
	}

	size, err := b.Length()
	if err != nil {
		return nil, multierr.Append(err, b.Close())
	}
	if size == 0 {
		return b, nil
	}
	if err := r.check(id, b); err != nil {
		return nil, multierr.Append(fmt.Errorf("%w: %s: %w", ErrInvalidHeader, id, err), b.Close())
	}
	return b, nil
}
