package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/rrdstore/telemetry"
)

// Instrumented wraps a Backend with metrics recording.
type Instrumented struct {
	backend Backend
	medium  string
}

// NewInstrumented creates a new instrumented backend wrapper.
func NewInstrumented(b Backend, medium string) *Instrumented {
	return &Instrumented{backend: b, medium: medium}
}

func (ib *Instrumented) Read(offset int64, length int) ([]byte, error) {
	start := time.Now()
	p, err := ib.backend.Read(offset, length)
	telemetry.RecordBackendOp(context.Background(), ib.medium, "read", outcomeFromError(err), time.Since(start), int64(len(p)))
	return p, err
}

func (ib *Instrumented) Write(offset int64, p []byte) error {
	start := time.Now()
	err := ib.backend.Write(offset, p)
	var n int64
	if err == nil {
		n = int64(len(p))
	}
	telemetry.RecordBackendOp(context.Background(), ib.medium, "write", outcomeFromError(err), time.Since(start), n)
	return err
}

// SetLength delegates to the underlying backend if it implements Resizer.
func (ib *Instrumented) SetLength(n int64) error {
	r, ok := ib.backend.(Resizer)
	if !ok {
		return &OpError{Op: "set length", ID: ib.backend.Path(), Err: ErrTruncate}
	}
	start := time.Now()
	err := r.SetLength(n)
	telemetry.RecordBackendOp(context.Background(), ib.medium, "set_length", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *Instrumented) Length() (int64, error) {
	return ib.backend.Length()
}

func (ib *Instrumented) Close() error {
	start := time.Now()
	err := ib.backend.Close()
	telemetry.RecordBackendOp(context.Background(), ib.medium, "close", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *Instrumented) CanonicalIdentity() (string, error) {
	return ib.backend.CanonicalIdentity()
}

func (ib *Instrumented) Path() string {
	return ib.backend.Path()
}

func (ib *Instrumented) ReadOnly() bool {
	return ib.backend.ReadOnly()
}

// Unwrap returns the underlying backend.
func (ib *Instrumented) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	default:
		return "error"
	}
}

// Compile-time interface checks
var (
	_ Backend = (*Instrumented)(nil)
	_ Resizer = (*Instrumented)(nil)
)
