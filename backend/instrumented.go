package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/imgcache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
// The name distinguishes directories in metrics, e.g. "derivatives".
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, name string, data []byte) error {
	start := time.Now()
	err := ib.backend.Write(ctx, name, data)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), int64(len(data)))
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	data, err := ib.backend.Read(ctx, name)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), int64(len(data)))
	return data, err
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, name string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, name)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, name)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context) ([]Entry, error) {
	start := time.Now()
	entries, err := ib.backend.List(ctx)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return entries, err
}

func (ib *InstrumentedBackend) Path(name string) string {
	return ib.backend.Path(name)
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// Compile-time interface checks
var _ Backend = (*InstrumentedBackend)(nil)
