package store

import (
	"context"
	"time"

	"github.com/wolfeidau/imgcache/telemetry"
)

// Instrumented wraps a Store with metrics recording.
type Instrumented struct {
	store Store
	name  string
}

// NewInstrumented creates a new instrumented store wrapper.
func NewInstrumented(s Store, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (is *Instrumented) record(ctx context.Context, op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordStoreOp(ctx, is.name, op, outcome, time.Since(start))
}

func (is *Instrumented) Initialize(ctx context.Context, opts InitOptions) error {
	start := time.Now()
	err := is.store.Initialize(ctx, opts)
	is.record(ctx, "initialize", start, err)
	return err
}

func (is *Instrumented) Fetch(ctx context.Context, c Criteria) (*Record, error) {
	start := time.Now()
	rec, err := is.store.Fetch(ctx, c)
	is.record(ctx, "fetch", start, err)
	return rec, err
}

func (is *Instrumented) List(ctx context.Context) (map[string]struct{}, error) {
	start := time.Now()
	hashes, err := is.store.List(ctx)
	is.record(ctx, "list", start, err)
	return hashes, err
}

func (is *Instrumented) Insert(ctx context.Context, rec Record) error {
	start := time.Now()
	err := is.store.Insert(ctx, rec)
	is.record(ctx, "insert", start, err)
	return err
}

func (is *Instrumented) UpdateMetadata(ctx context.Context, hash string, m Metadata) error {
	start := time.Now()
	err := is.store.UpdateMetadata(ctx, hash, m)
	is.record(ctx, "update_metadata", start, err)
	return err
}

func (is *Instrumented) Delete(ctx context.Context, c Criteria) error {
	start := time.Now()
	err := is.store.Delete(ctx, c)
	is.record(ctx, "delete", start, err)
	return err
}

func (is *Instrumented) Renew(ctx context.Context, c Criteria) error {
	start := time.Now()
	err := is.store.Renew(ctx, c)
	is.record(ctx, "renew", start, err)
	return err
}

func (is *Instrumented) Countdown(ctx context.Context) error {
	start := time.Now()
	err := is.store.Countdown(ctx)
	is.record(ctx, "countdown", start, err)
	return err
}

func (is *Instrumented) DeleteExpiredRecords(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	start := time.Now()
	deleted, err := is.store.DeleteExpiredRecords(ctx, now)
	is.record(ctx, "delete_expired", start, err)
	return deleted, err
}

func (is *Instrumented) Close() error {
	return is.store.Close()
}

// Unwrap returns the underlying store.
func (is *Instrumented) Unwrap() Store {
	return is.store
}

var _ Store = (*Instrumented)(nil)
