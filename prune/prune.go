// Package prune applies the cache retention policy at the end of a build and
// removes the files of evicted records.
package prune

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/imgcache/backend"
	"github.com/wolfeidau/imgcache/store"
	"github.com/wolfeidau/imgcache/telemetry"
)

// Result contains the results of a prune run.
type Result struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	HashesDeleted  int           `json:"hashes_deleted"`
	FilesDeleted   int           `json:"files_deleted"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Errors         []string      `json:"errors,omitempty"`
}

// Pruner evicts expired records from a store and deletes their files from
// the derivative and download directories.
type Pruner struct {
	store      store.Store
	dirs       []backend.Backend
	closeStore bool
	logger     *slog.Logger

	mu      sync.Mutex
	lastRun *Result
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithLogger sets the logger for the pruner.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pruner) {
		p.logger = logger
	}
}

// WithKeepOpen leaves the store open after Run.
func WithKeepOpen() Option {
	return func(p *Pruner) {
		p.closeStore = false
	}
}

// New creates a Pruner over s. dirs are scanned for files named after
// deleted hashes.
func New(s store.Store, dirs []backend.Backend, opts ...Option) *Pruner {
	p := &Pruner{
		store:      s,
		dirs:       dirs,
		closeStore: true,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status returns the last run result.
func (p *Pruner) Status() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

// Run counts down every record, deletes the records expired at now, removes
// files named after hashes that are no longer referenced, and closes the
// store. Store failures abort the run; file deletion failures are collected
// in the result.
func (p *Pruner) Run(ctx context.Context, now time.Time) (*Result, error) {
	result := &Result{StartedAt: time.Now()}
	p.logger.Info("starting prune run")

	deleted, err := p.phaseExpireRecords(ctx, now)
	if err == nil && len(deleted) > 0 {
		result.HashesDeleted = len(deleted)
		p.phaseDeleteFiles(ctx, deleted, result)
	}

	if p.closeStore {
		if cerr := p.store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing store: %w", cerr)
		}
	}

	result.Duration = time.Since(result.StartedAt)

	p.mu.Lock()
	p.lastRun = result
	p.mu.Unlock()

	telemetry.RecordPrune(ctx, telemetry.PruneStats{
		Duration:       result.Duration,
		RecordsDeleted: result.HashesDeleted,
		FilesDeleted:   result.FilesDeleted,
		BytesReclaimed: result.BytesReclaimed,
		Failed:         err != nil || len(result.Errors) > 0,
	})

	if err != nil {
		p.logger.Error("prune run failed", "error", err)
		return result, err
	}

	p.logger.Info("prune run completed",
		"duration", result.Duration,
		"hashes_deleted", result.HashesDeleted,
		"files_deleted", result.FilesDeleted,
		"bytes_reclaimed", humanize.Bytes(uint64(result.BytesReclaimed)),
		"errors", len(result.Errors),
	)
	return result, nil
}

// phaseExpireRecords advances the build countdown and deletes expired records.
func (p *Pruner) phaseExpireRecords(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	p.logger.Debug("phase: expire records")

	if err := p.store.Countdown(ctx); err != nil {
		return nil, fmt.Errorf("countdown: %w", err)
	}
	deleted, err := p.store.DeleteExpiredRecords(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("delete expired records: %w", err)
	}
	return deleted, nil
}

// phaseDeleteFiles removes files whose stem is a deleted hash.
func (p *Pruner) phaseDeleteFiles(ctx context.Context, deleted map[string]struct{}, result *Result) {
	p.logger.Debug("phase: delete files", "hashes", len(deleted))

	for _, dir := range p.dirs {
		entries, err := dir.List(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list files: %v", err))
			p.logger.Error("failed to list files", "error", err)
			continue
		}

		for _, entry := range entries {
			select {
			case <-ctx.Done():
				result.Errors = append(result.Errors, ctx.Err().Error())
				return
			default:
			}

			if _, ok := deleted[backend.Stem(entry.Name)]; !ok {
				continue
			}
			if err := dir.Delete(ctx, entry.Name); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", entry.Name, err))
				p.logger.Error("failed to delete file", "name", entry.Name, "error", err)
				continue
			}

			result.FilesDeleted++
			result.BytesReclaimed += entry.Size
			p.logger.Debug("deleted file", "path", dir.Path(entry.Name), "size", humanize.Bytes(uint64(entry.Size)))
		}
	}
}
