// Package store defines the persistent record store that backs the image
// cache, together with the retention policy shared by every implementation.
package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotInitialized is returned when a store is used before Initialize.
	ErrNotInitialized = errors.New("store: not initialized")

	// ErrInvalidCriteria is returned when a Criteria names neither a hash
	// nor a complete (source, profile) pair.
	ErrInvalidCriteria = errors.New("store: invalid criteria")

	// ErrNotFound is returned by UpdateMetadata when no record has the hash.
	ErrNotFound = errors.New("store: not found")
)

// Category classifies a record.
type Category string

const (
	CategorySource      Category = "source"
	CategoryVariant     Category = "variant"
	CategoryPlaceholder Category = "placeholder"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategorySource, CategoryVariant, CategoryPlaceholder:
		return true
	}
	return false
}

// Record is the single persisted entity.
//
// Source records are unique by Hash. Variant and placeholder records are
// unique by (Source, Profile), where Source holds the owning source hash.
// Several variant records may share a Hash when different profiles produce
// identical output.
type Record struct {
	Hash     string   `json:"hash"`
	Category Category `json:"category"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	R        *int     `json:"r,omitempty"`
	G        *int     `json:"g,omitempty"`
	B        *int     `json:"b,omitempty"`
	Source   string   `json:"source"`
	Profile  string   `json:"profile,omitempty"`
	Format   string   `json:"format"`
	// ExpiresAt is the freshness deadline of a remote source in unix
	// milliseconds.
	ExpiresAt *int64 `json:"expiresAt,omitempty"`
	// Base64 holds the inline payload of a placeholder record.
	Base64 string `json:"base64,omitempty"`

	// Maintained by the store.
	LastUsedAt int64 `json:"lastUsedAt"`
	Countdown  int   `json:"countdown"`
}

// HasColor reports whether a dominant colour has been captured.
func (r *Record) HasColor() bool {
	return r.R != nil && r.G != nil && r.B != nil
}

// Metadata replaces the image facts of a source record, typically after a
// remote source was refetched.
type Metadata struct {
	Width     int
	Height    int
	Format    string
	R, G, B   *int
	ExpiresAt *int64
}

// Apply copies m into rec.
func (m Metadata) Apply(rec *Record) {
	rec.Width = m.Width
	rec.Height = m.Height
	rec.Format = m.Format
	rec.R, rec.G, rec.B = m.R, m.G, m.B
	rec.ExpiresAt = m.ExpiresAt
}

// Criteria selects records either by Hash or by (Source, Profile).
type Criteria struct {
	Hash    string
	Source  string
	Profile string
}

// ByHash selects records by content hash.
func ByHash(hash string) Criteria {
	return Criteria{Hash: hash}
}

// BySourceProfile selects the derivative of a source made with a profile.
func BySourceProfile(source, profile string) Criteria {
	return Criteria{Source: source, Profile: profile}
}

// IsHash reports whether c selects by hash.
func (c Criteria) IsHash() bool {
	return c.Hash != ""
}

// Validate checks that c names exactly one selection mode.
func (c Criteria) Validate() error {
	switch {
	case c.Hash != "" && (c.Source != "" || c.Profile != ""):
		return ErrInvalidCriteria
	case c.Hash == "" && (c.Source == "" || c.Profile == ""):
		return ErrInvalidCriteria
	}
	return nil
}

// Matches reports whether rec is selected by c.
func (c Criteria) Matches(rec *Record) bool {
	if c.IsHash() {
		return rec.Hash == c.Hash
	}
	return rec.Source == c.Source && rec.Profile == c.Profile
}

// KeyOf returns the uniqueness key of rec: its hash for source records,
// otherwise its (source, profile) pair.
func KeyOf(rec *Record) Criteria {
	if rec.Category == CategorySource {
		return ByHash(rec.Hash)
	}
	return BySourceProfile(rec.Source, rec.Profile)
}

// SameKey reports whether a and b share a uniqueness key.
func SameKey(a, b *Record) bool {
	if a.Category == CategorySource || b.Category == CategorySource {
		return a.Category == b.Category && a.Hash == b.Hash
	}
	return a.Source == b.Source && a.Profile == b.Profile
}

// Retention configures eviction. A nil field disables that policy.
type Retention struct {
	// Period evicts records unused for longer than this.
	Period *time.Duration
	// Count evicts records not used in this many consecutive builds.
	Count *int
}

// Disabled reports whether neither policy is active.
func (r Retention) Disabled() bool {
	return r.Period == nil && r.Count == nil
}

// InitialCountdown is the countdown a record gets on insert and renew.
func (r Retention) InitialCountdown() int {
	if r.Count == nil {
		return 0
	}
	return *r.Count
}

// Expired reports whether rec is eligible for deletion at now. When both
// policies are active a record must be stale under both.
func (r Retention) Expired(rec *Record, now time.Time) bool {
	periodExpired := func() bool {
		cutoff := now.Add(-*r.Period).UnixMilli()
		return rec.LastUsedAt < cutoff
	}
	countExpired := func() bool {
		return rec.Countdown < 0
	}

	switch {
	case r.Period != nil && r.Count != nil:
		return periodExpired() && countExpired()
	case r.Period != nil:
		return periodExpired()
	case r.Count != nil:
		return countExpired()
	}
	return false
}

// InitOptions is passed to Store.Initialize.
type InitOptions struct {
	RootDir       string
	CacheDir      string
	ImageCacheDir string
	Retention     Retention
}

// ResolveDir expands the [root], [cacheDir] and [imageCacheDir]
// placeholders in dir.
func (o InitOptions) ResolveDir(dir string) string {
	r := strings.NewReplacer(
		"[root]", o.RootDir,
		"[cacheDir]", o.CacheDir,
		"[imageCacheDir]", o.ImageCacheDir,
	)
	return filepath.Clean(r.Replace(dir))
}

// Store persists cache records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Initialize opens the store. It must be called before any other method.
	Initialize(ctx context.Context, opts InitOptions) error

	// Fetch returns the record selected by c, or nil when there is none.
	Fetch(ctx context.Context, c Criteria) (*Record, error)

	// List returns the set of all hashes.
	List(ctx context.Context) (map[string]struct{}, error)

	// Insert stores rec, replacing any record with the same uniqueness
	// key. LastUsedAt and Countdown are set by the store.
	Insert(ctx context.Context, rec Record) error

	// UpdateMetadata replaces the image facts of the records with hash.
	UpdateMetadata(ctx context.Context, hash string, m Metadata) error

	// Delete removes the records selected by c.
	Delete(ctx context.Context, c Criteria) error

	// Renew marks the records selected by c as used now and resets their
	// countdown. It is a no-op when retention is disabled.
	Renew(ctx context.Context, c Criteria) error

	// Countdown decrements every record's countdown. It is a no-op when
	// count retention is disabled.
	Countdown(ctx context.Context) error

	// DeleteExpiredRecords removes expired records and returns the hashes
	// that no longer appear in any record. It returns nil when nothing was
	// removed or retention is disabled.
	DeleteExpiredRecords(ctx context.Context, now time.Time) (map[string]struct{}, error)

	// Close flushes and releases the store.
	Close() error
}

// DeletedHashes returns the hashes present in before but not in after, or
// nil when there are none.
func DeletedHashes(before, after map[string]struct{}) map[string]struct{} {
	var deleted map[string]struct{}
	for h := range before {
		if _, ok := after[h]; ok {
			continue
		}
		if deleted == nil {
			deleted = make(map[string]struct{})
		}
		deleted[h] = struct{}{}
	}
	return deleted
}
