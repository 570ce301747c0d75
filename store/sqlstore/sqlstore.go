// Package sqlstore implements store.Store on an embedded SQLite database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wolfeidau/imgcache/store"
)

// InMemory is the file name that selects an in-memory database.
const InMemory = ":memory:"

const (
	DefaultFile  = "cache.sqlite"
	DefaultDir   = "[imageCacheDir]"
	DefaultTable = "cache"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const columns = `hash, category, width, height, r, g, b, source, profile, format, expiresAt, lastUsedAt, countdown, base64`

// Store is a SQLite backed store.Store.
type Store struct {
	file   string
	dir    string
	table  string
	wal    bool
	now    func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	db        *sql.DB
	path      string
	retention store.Retention
}

// Option configures a Store.
type Option func(*Store)

// WithFile sets the database file name. Use InMemory for an in-memory database.
func WithFile(name string) Option {
	return func(s *Store) {
		s.file = name
	}
}

// WithDir sets the directory template for the database file.
func WithDir(dir string) Option {
	return func(s *Store) {
		s.dir = dir
	}
}

// WithTable sets the table name.
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// WithWAL enables write-ahead logging for file databases.
func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.wal = enabled
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
		file:   DefaultFile,
		dir:    DefaultDir,
		table:  DefaultTable,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Initialize opens the database and creates the schema.
func (s *Store) Initialize(ctx context.Context, opts store.InitOptions) error {
	if !tableNamePattern.MatchString(s.table) {
		return fmt.Errorf("sqlstore: invalid table name %q", s.table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.retention = opts.Retention

	dsn := "file::memory:?_busy_timeout=5000"
	s.path = InMemory
	if s.file != InMemory {
		dir := opts.ResolveDir(s.dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
		s.path = filepath.Join(dir, s.file)
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000", s.path)
		if s.wal {
			dsn += "&_journal_mode=WAL"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("sqlstore: opening %s: %w", s.path, err)
	}
	// A single connection keeps an in-memory database alive and serialises
	// writers.
	db.SetMaxOpenConns(1)

	if err := createSchema(ctx, db, s.table); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.logger.Debug("sql store initialized", "path", s.path, "table", s.table)
	return nil
}

func createSchema(ctx context.Context, db *sql.DB, table string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			"hash" TEXT NOT NULL,
			"category" TEXT NOT NULL,
			"width" INTEGER NOT NULL,
			"height" INTEGER,
			"r" INTEGER,
			"g" INTEGER,
			"b" INTEGER,
			"source" TEXT NOT NULL,
			"profile" TEXT,
			"format" TEXT NOT NULL,
			"expiresAt" INTEGER,
			"lastUsedAt" INTEGER,
			"countdown" INTEGER,
			"base64" TEXT
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_index_hash ON %[1]s (hash)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_index_source ON %[1]s (source)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_index_category ON %[1]s (category)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_index_lastUsedAt ON %[1]s (lastUsedAt)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_index_countdown ON %[1]s (countdown)`, table),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: creating schema: %w", err)
		}
	}
	return nil
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrNotInitialized
	}
	return s.db, nil
}

// where returns the WHERE clause and arguments for c.
func where(c store.Criteria) (string, []any) {
	if c.IsHash() {
		return "hash = ?", []any{c.Hash}
	}
	return "source = ? AND profile = ?", []any{c.Source, c.Profile}
}

// Fetch returns the first record matching c.
func (s *Store) Fetch(ctx context.Context, c store.Criteria) (*store.Record, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	clause, args := where(c)
	row := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s LIMIT 1`, columns, s.table, clause), args...)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: fetch: %w", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*store.Record, error) {
	var (
		rec                      store.Record
		category                 string
		height, r, g, b          sql.NullInt64
		profile, base64          sql.NullString
		expiresAt, lastUsedAt, c sql.NullInt64
	)
	if err := row.Scan(&rec.Hash, &category, &rec.Width, &height, &r, &g, &b,
		&rec.Source, &profile, &rec.Format, &expiresAt, &lastUsedAt, &c, &base64); err != nil {
		return nil, err
	}

	rec.Category = store.Category(category)
	rec.Height = int(height.Int64)
	rec.R = intPtr(r)
	rec.G = intPtr(g)
	rec.B = intPtr(b)
	rec.Profile = profile.String
	rec.Base64 = base64.String
	if expiresAt.Valid {
		v := expiresAt.Int64
		rec.ExpiresAt = &v
	}
	rec.LastUsedAt = lastUsedAt.Int64
	rec.Countdown = int(c.Int64)
	return &rec, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns every hash.
func (s *Store) List(ctx context.Context) (map[string]struct{}, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	return listHashes(ctx, db, s.table)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listHashes(ctx context.Context, q querier, table string) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT hash FROM %s`, table))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("sqlstore: list: %w", err)
		}
		hashes[h] = struct{}{}
	}
	return hashes, rows.Err()
}

// Insert stores rec, replacing any record with the same key.
func (s *Store) Insert(ctx context.Context, rec store.Record) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	clause, args := where(store.KeyOf(&rec))
	if rec.Category == store.CategorySource {
		clause += " AND category = 'source'"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.table, clause), args...); err != nil {
		return fmt.Errorf("sqlstore: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, columns),
		rec.Hash, string(rec.Category), rec.Width, rec.Height,
		nullInt(rec.R), nullInt(rec.G), nullInt(rec.B),
		rec.Source, nullString(rec.Profile), rec.Format, nullInt64(rec.ExpiresAt),
		s.now().UnixMilli(), s.retention.InitialCountdown(), nullString(rec.Base64),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: insert: %w", err)
	}
	return tx.Commit()
}

// UpdateMetadata replaces the image facts of the records with hash.
func (s *Store) UpdateMetadata(ctx context.Context, hash string, m store.Metadata) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET width = ?, height = ?, format = ?, r = ?, g = ?, b = ?, expiresAt = ? WHERE hash = ?`, s.table),
		m.Width, m.Height, m.Format, nullInt(m.R), nullInt(m.G), nullInt(m.B), nullInt64(m.ExpiresAt), hash,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: update metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: update metadata: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes the records matching c.
func (s *Store) Delete(ctx context.Context, c store.Criteria) error {
	if err := c.Validate(); err != nil {
		return err
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	clause, args := where(c)
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.table, clause), args...); err != nil {
		return fmt.Errorf("sqlstore: delete: %w", err)
	}
	return nil
}

// Renew marks the records matching c as used now.
func (s *Store) Renew(ctx context.Context, c store.Criteria) error {
	if err := c.Validate(); err != nil {
		return err
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	if s.retention.Disabled() {
		return nil
	}

	clause, args := where(c)
	args = append([]any{s.now().UnixMilli(), s.retention.InitialCountdown()}, args...)
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET lastUsedAt = ?, countdown = ? WHERE %s`, s.table, clause), args...); err != nil {
		return fmt.Errorf("sqlstore: renew: %w", err)
	}
	return nil
}

// Countdown decrements every record's countdown.
func (s *Store) Countdown(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if s.retention.Count == nil {
		return nil
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET countdown = countdown - 1`, s.table)); err != nil {
		return fmt.Errorf("sqlstore: countdown: %w", err)
	}
	return nil
}

// DeleteExpiredRecords removes expired records.
func (s *Store) DeleteExpiredRecords(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var (
		clause string
		args   []any
	)
	ret := s.retention
	switch {
	case ret.Period != nil && ret.Count != nil:
		clause = "lastUsedAt < ? AND countdown < 0"
		args = []any{now.Add(-*ret.Period).UnixMilli()}
	case ret.Period != nil:
		clause = "lastUsedAt < ?"
		args = []any{now.Add(-*ret.Period).UnixMilli()}
	case ret.Count != nil:
		clause = "countdown < 0"
	default:
		return nil, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: delete expired: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := listHashes(ctx, tx, s.table)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.table, clause), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: delete expired: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}
	after, err := listHashes(ctx, tx, s.table)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlstore: delete expired: %w", err)
	}
	return store.DeletedHashes(before, after), nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var _ store.Store = (*Store)(nil)
