// Package jsonstore implements store.Store as an in-memory record list that
// is persisted to a single JSON file. Files whose name ends in ".zst" are
// zstd-compressed.
package jsonstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/wolfeidau/imgcache/backend"
	"github.com/wolfeidau/imgcache/store"
)

// InMemory is the file name that disables persistence.
const InMemory = ":memory:"

const (
	// DefaultFile is the default database file name.
	DefaultFile = "cache.json"
	// DefaultDir is the default database directory template.
	DefaultDir = "[imageCacheDir]"
	// DefaultDebounce is the default coalescing window for saves.
	DefaultDebounce = 10 * time.Second
)

// Store is a JSON file backed store.Store.
type Store struct {
	file     string
	dir      string
	debounce time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	records   []store.Record
	retention store.Retention
	dirty     bool
	timer     *time.Timer
	files     *backend.Filesystem
	ready     bool

	// writeMu serialises file writes so snapshots land in order.
	writeMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithFile sets the database file name. Use InMemory to disable persistence.
func WithFile(name string) Option {
	return func(s *Store) {
		s.file = name
	}
}

// WithDir sets the directory template for the database file. The
// placeholders [root], [cacheDir] and [imageCacheDir] are expanded.
func WithDir(dir string) Option {
	return func(s *Store) {
		s.dir = dir
	}
}

// WithDebounce sets the coalescing window between a mutation and the save it
// schedules. Zero saves synchronously after every mutation.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) {
		s.debounce = d
	}
}

// WithNow sets the clock function used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new Store. Initialize must be called before use.
func New(opts ...Option) *Store {
	s := &Store{
		file:     DefaultFile,
		dir:      DefaultDir,
		debounce: DefaultDebounce,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) inMemory() bool {
	return s.file == InMemory
}

func (s *Store) compressed() bool {
	return strings.HasSuffix(s.file, ".zst")
}

// Path returns the database file path, or InMemory.
func (s *Store) Path() string {
	if s.inMemory() || s.files == nil {
		return InMemory
	}
	return s.files.Path(s.file)
}

// Initialize loads existing records from disk.
func (s *Store) Initialize(ctx context.Context, opts store.InitOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retention = opts.Retention
	s.records = nil

	if !s.inMemory() {
		files, err := backend.NewFilesystem(opts.ResolveDir(s.dir))
		if err != nil {
			return fmt.Errorf("jsonstore: %w", err)
		}
		s.files = files

		records, err := s.load(ctx)
		if err != nil {
			return err
		}
		s.records = records
	}

	s.ready = true
	s.logger.Debug("json store initialized", "path", s.Path(), "records", len(s.records))
	return nil
}

func (s *Store) load(ctx context.Context) ([]store.Record, error) {
	data, err := s.files.Read(ctx, s.file)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("jsonstore: reading %s: %w", s.file, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	if s.compressed() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("jsonstore: decompressing %s: %w", s.file, err)
		}
	}

	var records []store.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("jsonstore: decoding %s: %w", s.file, err)
	}
	return records, nil
}

// Fetch returns the first record matching c.
func (s *Store) Fetch(ctx context.Context, c store.Criteria) (*store.Record, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, store.ErrNotInitialized
	}

	for i := range s.records {
		if c.Matches(&s.records[i]) {
			rec := s.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

// List returns every hash.
func (s *Store) List(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, store.ErrNotInitialized
	}
	return s.hashesLocked(), nil
}

func (s *Store) hashesLocked() map[string]struct{} {
	hashes := make(map[string]struct{}, len(s.records))
	for i := range s.records {
		hashes[s.records[i].Hash] = struct{}{}
	}
	return hashes
}

// Insert appends rec, replacing any record with the same key.
func (s *Store) Insert(ctx context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return store.ErrNotInitialized
	}

	rec.LastUsedAt = s.now().UnixMilli()
	rec.Countdown = s.retention.InitialCountdown()

	kept := s.records[:0]
	for _, existing := range s.records {
		if !store.SameKey(&existing, &rec) {
			kept = append(kept, existing)
		}
	}
	s.records = append(kept, rec)
	return s.changedLocked(ctx)
}

// UpdateMetadata replaces the image facts of every record with hash.
func (s *Store) UpdateMetadata(ctx context.Context, hash string, m store.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return store.ErrNotInitialized
	}

	found := false
	for i := range s.records {
		if s.records[i].Hash == hash {
			m.Apply(&s.records[i])
			found = true
		}
	}
	if !found {
		return store.ErrNotFound
	}
	return s.changedLocked(ctx)
}

// Delete removes the records matching c.
func (s *Store) Delete(ctx context.Context, c store.Criteria) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return store.ErrNotInitialized
	}

	if s.removeLocked(c) == 0 {
		return nil
	}
	return s.changedLocked(ctx)
}

func (s *Store) removeLocked(c store.Criteria) int {
	kept := s.records[:0]
	removed := 0
	for _, rec := range s.records {
		if c.Matches(&rec) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return removed
}

// Renew marks the records matching c as used now.
func (s *Store) Renew(ctx context.Context, c store.Criteria) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return store.ErrNotInitialized
	}
	if s.retention.Disabled() {
		return nil
	}

	now := s.now().UnixMilli()
	countdown := s.retention.InitialCountdown()
	changed := false
	for i := range s.records {
		if c.Matches(&s.records[i]) {
			s.records[i].LastUsedAt = now
			s.records[i].Countdown = countdown
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.changedLocked(ctx)
}

// Countdown decrements every record's countdown.
func (s *Store) Countdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return store.ErrNotInitialized
	}
	if s.retention.Count == nil || len(s.records) == 0 {
		return nil
	}

	for i := range s.records {
		s.records[i].Countdown--
	}
	return s.changedLocked(ctx)
}

// DeleteExpiredRecords removes expired records.
func (s *Store) DeleteExpiredRecords(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil, store.ErrNotInitialized
	}
	if s.retention.Disabled() {
		return nil, nil
	}

	before := s.hashesLocked()
	kept := s.records[:0]
	for _, rec := range s.records {
		if s.retention.Expired(&rec, now) {
			continue
		}
		kept = append(kept, rec)
	}
	removed := len(s.records) - len(kept)
	s.records = kept
	if removed == 0 {
		return nil, nil
	}

	if err := s.changedLocked(ctx); err != nil {
		return nil, err
	}
	return store.DeletedHashes(before, s.hashesLocked()), nil
}

// changedLocked marks the records dirty and saves them now or after the
// debounce window.
func (s *Store) changedLocked(ctx context.Context) error {
	if s.inMemory() {
		return nil
	}
	s.dirty = true

	if s.debounce <= 0 {
		data, err := s.snapshotLocked()
		if err != nil {
			return err
		}
		return s.write(ctx, data)
	}

	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, func() {
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("json store flush failed", "path", s.Path(), "error", err)
			}
		})
	}
	return nil
}

// snapshotLocked encodes the records and clears the dirty flag.
func (s *Store) snapshotLocked() ([]byte, error) {
	records := s.records
	if records == nil {
		records = []store.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("jsonstore: encoding records: %w", err)
	}
	if s.compressed() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("closing zstd encoder: %w", err)
		}
	}
	s.dirty = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.files.Write(ctx, s.file, data); err != nil {
		return fmt.Errorf("jsonstore: writing %s: %w", s.file, err)
	}
	return nil
}

// Flush writes pending changes to disk immediately.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.ready || s.inMemory() || !s.dirty {
		s.mu.Unlock()
		return nil
	}
	data, err := s.snapshotLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	// Take the write lock before releasing mu so a later snapshot cannot
	// be written ahead of this one.
	s.writeMu.Lock()
	s.mu.Unlock()
	defer s.writeMu.Unlock()

	if err := s.files.Write(ctx, s.file, data); err != nil {
		return fmt.Errorf("jsonstore: writing %s: %w", s.file, err)
	}
	return nil
}

// Close flushes pending changes.
func (s *Store) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		return err
	}
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	return nil
}

var _ store.Store = (*Store)(nil)
