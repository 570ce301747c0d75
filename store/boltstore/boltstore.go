// Package boltstore implements store.Store as a document store on bbolt.
//
// Records are JSON documents keyed by a random id. Two index buckets map
// uniqueness keys and hashes to ids.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/wolfeidau/imgcache/store"
)

const (
	DefaultFile = "cache.bolt"
	DefaultDir  = "[imageCacheDir]"
)

var (
	bucketRecords = []byte("records") // id -> Record JSON
	bucketByKey   = []byte("by_key")  // uniqueness key -> id
	bucketByHash  = []byte("by_hash") // hash|id -> nil
)

const sep = 0x00

// Store is a bbolt backed store.Store.
type Store struct {
	file   string
	dir    string
	logger *slog.Logger
	now    func() time.Time
	noSync bool

	mu        sync.RWMutex
	db        *bbolt.DB
	retention store.Retention
}

// Option configures a Store.
type Option func(*Store)

// WithFile sets the database file name.
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

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// New creates a new Store. Initialize must be called before use.
func New(opts ...Option) *Store {
	s := &Store{
		file:   DefaultFile,
		dir:    DefaultDir,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize opens the database file and creates the buckets.
func (s *Store) Initialize(ctx context.Context, opts store.InitOptions) error {
	dir := opts.ResolveDir(s.dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, s.file)

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketByKey, bucketByHash} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	s.mu.Lock()
	s.db = db
	s.retention = opts.Retention
	s.mu.Unlock()

	s.logger.Debug("opened bolt store", "path", path, "noSync", s.noSync)
	return nil
}

func (s *Store) handle() (*bbolt.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, store.ErrNotInitialized
	}
	return s.db, nil
}

func uniqueKey(rec *store.Record) []byte {
	if rec.Category == store.CategorySource {
		return append([]byte("s|"), rec.Hash...)
	}
	return variantKey(rec.Source, rec.Profile)
}

func variantKey(source, profile string) []byte {
	k := append([]byte("v|"), source...)
	k = append(k, sep)
	return append(k, profile...)
}

func hashPrefix(hash string) []byte {
	return append([]byte(hash), sep)
}

func hashKey(hash string, id []byte) []byte {
	return append(hashPrefix(hash), id...)
}

// ids returns the record ids selected by c.
func ids(tx *bbolt.Tx, c store.Criteria) [][]byte {
	if !c.IsHash() {
		id := tx.Bucket(bucketByKey).Get(variantKey(c.Source, c.Profile))
		if id == nil {
			return nil
		}
		return [][]byte{bytes.Clone(id)}
	}

	var out [][]byte
	prefix := hashPrefix(c.Hash)
	cur := tx.Bucket(bucketByHash).Cursor()
	for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
		out = append(out, bytes.Clone(k[len(prefix):]))
	}
	return out
}

func getRecord(tx *bbolt.Tx, id []byte) (*store.Record, error) {
	data := tx.Bucket(bucketRecords).Get(id)
	if data == nil {
		return nil, nil
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(tx *bbolt.Tx, id []byte, rec *store.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return tx.Bucket(bucketRecords).Put(id, data)
}

func deleteRecord(tx *bbolt.Tx, id []byte, rec *store.Record) error {
	if err := tx.Bucket(bucketRecords).Delete(id); err != nil {
		return err
	}
	byKey := tx.Bucket(bucketByKey)
	key := uniqueKey(rec)
	if bytes.Equal(byKey.Get(key), id) {
		if err := byKey.Delete(key); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketByHash).Delete(hashKey(rec.Hash, id))
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

	var rec *store.Record
	err = db.View(func(tx *bbolt.Tx) error {
		for _, id := range ids(tx, c) {
			r, err := getRecord(tx, id)
			if err != nil {
				return err
			}
			if r != nil {
				rec = r
				return nil
			}
		}
		return nil
	})
	return rec, err
}

// List returns every hash.
func (s *Store) List(ctx context.Context) (map[string]struct{}, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var hashes map[string]struct{}
	err = db.View(func(tx *bbolt.Tx) error {
		hashes = listHashes(tx)
		return nil
	})
	return hashes, err
}

func listHashes(tx *bbolt.Tx) map[string]struct{} {
	hashes := make(map[string]struct{})
	_ = tx.Bucket(bucketByHash).ForEach(func(k, _ []byte) error {
		if i := bytes.IndexByte(k, sep); i >= 0 {
			hashes[string(k[:i])] = struct{}{}
		}
		return nil
	})
	return hashes
}

// Insert stores rec, replacing any record with the same key.
func (s *Store) Insert(ctx context.Context, rec store.Record) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	rec.LastUsedAt = s.now().UnixMilli()
	rec.Countdown = s.retention.InitialCountdown()

	return db.Update(func(tx *bbolt.Tx) error {
		byKey := tx.Bucket(bucketByKey)
		key := uniqueKey(&rec)

		if oldID := byKey.Get(key); oldID != nil {
			oldID = bytes.Clone(oldID)
			old, err := getRecord(tx, oldID)
			if err != nil {
				return err
			}
			if old != nil {
				if err := deleteRecord(tx, oldID, old); err != nil {
					return err
				}
			}
		}

		id := []byte(uuid.NewString())
		if err := putRecord(tx, id, &rec); err != nil {
			return err
		}
		if err := byKey.Put(key, id); err != nil {
			return err
		}
		return tx.Bucket(bucketByHash).Put(hashKey(rec.Hash, id), nil)
	})
}

// UpdateMetadata replaces the image facts of the records with hash.
func (s *Store) UpdateMetadata(ctx context.Context, hash string, m store.Metadata) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bbolt.Tx) error {
		found := false
		for _, id := range ids(tx, store.ByHash(hash)) {
			rec, err := getRecord(tx, id)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			m.Apply(rec)
			if err := putRecord(tx, id, rec); err != nil {
				return err
			}
			found = true
		}
		if !found {
			return store.ErrNotFound
		}
		return nil
	})
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

	return db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids(tx, c) {
			rec, err := getRecord(tx, id)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			if err := deleteRecord(tx, id, rec); err != nil {
				return err
			}
		}
		return nil
	})
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

	now := s.now().UnixMilli()
	countdown := s.retention.InitialCountdown()

	return db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids(tx, c) {
			rec, err := getRecord(tx, id)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			rec.LastUsedAt = now
			rec.Countdown = countdown
			if err := putRecord(tx, id, rec); err != nil {
				return err
			}
		}
		return nil
	})
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

	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		type update struct {
			id  []byte
			rec store.Record
		}
		var updates []update
		err := b.ForEach(func(k, v []byte) error {
			var rec store.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling record %s: %w", k, err)
			}
			rec.Countdown--
			updates = append(updates, update{id: bytes.Clone(k), rec: rec})
			return nil
		})
		if err != nil {
			return err
		}
		// Buckets must not be modified during ForEach.
		for _, u := range updates {
			if err := putRecord(tx, u.id, &u.rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteExpiredRecords removes expired records.
func (s *Store) DeleteExpiredRecords(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if s.retention.Disabled() {
		return nil, nil
	}

	var deleted map[string]struct{}
	err = db.Update(func(tx *bbolt.Tx) error {
		before := listHashes(tx)

		type victim struct {
			id  []byte
			rec store.Record
		}
		var victims []victim
		err := tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec store.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling record %s: %w", k, err)
			}
			if s.retention.Expired(&rec, now) {
				victims = append(victims, victim{id: bytes.Clone(k), rec: rec})
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(victims) == 0 {
			return nil
		}

		for _, v := range victims {
			if err := deleteRecord(tx, v.id, &v.rec); err != nil {
				return err
			}
		}
		deleted = store.DeletedHashes(before, listHashes(tx))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Close closes the database and releases resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing bolt store")
	err := s.db.Close()
	s.db = nil
	return err
}

var _ store.Store = (*Store)(nil)
