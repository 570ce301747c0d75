// Package storetest provides a conformance suite for store.Store
// implementations.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/imgcache/store"
)

// Clock is a manually advanced clock for driving store timestamps.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current time of the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory returns an initialized store that reads time from clock and
// applies retention. The factory is responsible for closing the store.
type Factory func(t *testing.T, clock func() time.Time, retention store.Retention) store.Store

// Epoch is the start time used by the suite.
var Epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Run executes the conformance suite against the stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	period := 100 * 24 * time.Hour
	count := 10
	defaultRetention := store.Retention{Period: &period, Count: &count}

	setup := func(t *testing.T, ret store.Retention) (store.Store, *Clock) {
		clock := NewClock(Epoch)
		return newStore(t, clock.Now, ret), clock
	}

	t.Run("FetchMissing", func(t *testing.T) {
		s, _ := setup(t, defaultRetention)
		ctx := context.Background()

		rec, err := s.Fetch(ctx, store.ByHash("missing"))
		require.NoError(t, err)
		assert.Nil(t, rec)

		rec, err = s.Fetch(ctx, store.BySourceProfile("src", "prof"))
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("InvalidCriteria", func(t *testing.T) {
		s, _ := setup(t, defaultRetention)
		ctx := context.Background()

		_, err := s.Fetch(ctx, store.Criteria{})
		require.ErrorIs(t, err, store.ErrInvalidCriteria)
		require.ErrorIs(t, s.Delete(ctx, store.Criteria{Source: "only"}), store.ErrInvalidCriteria)
		require.ErrorIs(t, s.Renew(ctx, store.Criteria{}), store.ErrInvalidCriteria)
	})

	t.Run("InsertFetchSource", func(t *testing.T) {
		s, clock := setup(t, defaultRetention)
		ctx := context.Background()

		want := SourceRecord("h1", "https://example.com/a.jpg")
		require.NoError(t, s.Insert(ctx, want))

		got, err := s.Fetch(ctx, store.ByHash("h1"))
		require.NoError(t, err)
		require.NotNil(t, got)

		want.LastUsedAt = clock.Now().UnixMilli()
		want.Countdown = count
		assert.Equal(t, want, *got)
	})

	t.Run("InsertFetchVariant", func(t *testing.T) {
		s, _ := setup(t, defaultRetention)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, VariantRecord("v1", "h1", "p1", 1000)))
		require.NoError(t, s.Insert(ctx, VariantRecord("v2", "h1", "p2", 2000)))

		got, err := s.Fetch(ctx, store.BySourceProfile("h1", "p2"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "v2", got.Hash)
		assert.Equal(t, 2000, got.Width)
		assert.Equal(t, store.CategoryVariant, got.Category)
	})

	t.Run("InsertPlaceholder", func(t *testing.T) {
		s, _ := setup(t, defaultRetention)
		ctx := context.Background()

		rec := store.Record{
			Hash: "ph", Category: store.CategoryPlaceholder, Width: 20, Height: 12,
			Source: "h1", Profile: "blur", Format: "webp", Base64: "UklGRg==",
		}
		require.NoError(t, s.Insert(ctx, rec))

		got, err := s.Fetch(ctx, store.BySourceProfile("h1", "blur"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "UklGRg==", got.Base64)
	})

	t.Run("InsertReplacesSameKey", func(t *testing.T) {
		s, _ := setup(t, defaultRetention)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, VariantRecord("old", "h1", "p1", 1000)))
		require.NoError(t, s.Insert(ctx, VariantRecord("new", "h1", "p1", 1000)))

		got, err := s.Fetch(ctx, store.BySourceProfile("h1", "p1"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "new", got.Hash)

		hashes, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"new": {}}, hashes)
	})

	t.Run("List", func(t *testing.T) {
		s, _ := setup(t, defaultRetention)
		ctx := context.Background()

		hashes, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, hashes)

		require.NoError(t, s.Insert(ctx, SourceRecord("h1", "a.jpg")))
		require.NoError(t, s.Insert(ctx, VariantRecord("shared", "h1", "p1", 100)))
		require.NoError(t, s.Insert(ctx, VariantRecord("shared", "h1", "p2", 100)))

		hashes, err = s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"h1": {}, "shared": {}}, hashes)
	})

	t.Run("UpdateMetadata", func(t *testing.T) {
		s, _ := setup(t, defaultRetention)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, SourceRecord("h1", "https://example.com/a.jpg")))

		r, g, b := 10, 20, 30
		exp := Epoch.Add(time.Hour).UnixMilli()
		require.NoError(t, s.UpdateMetadata(ctx, "h1", store.Metadata{
			Width: 640, Height: 480, Format: "png", R: &r, G: &g, B: &b, ExpiresAt: &exp,
		}))

		got, err := s.Fetch(ctx, store.ByHash("h1"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 640, got.Width)
		assert.Equal(t, 480, got.Height)
		assert.Equal(t, "png", got.Format)
		require.True(t, got.HasColor())
		assert.Equal(t, 20, *got.G)
		require.NotNil(t, got.ExpiresAt)
		assert.Equal(t, exp, *got.ExpiresAt)

		err = s.UpdateMetadata(ctx, "missing", store.Metadata{Width: 1, Height: 1, Format: "png"})
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("DeleteBySourceProfileIsExact", func(t *testing.T) {
		s, _ := setup(t, defaultRetention)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, VariantRecord("v1", "h1", "p1", 100)))
		require.NoError(t, s.Insert(ctx, VariantRecord("v2", "h1", "p2", 200)))
		require.NoError(t, s.Insert(ctx, VariantRecord("v3", "h2", "p1", 300)))

		require.NoError(t, s.Delete(ctx, store.BySourceProfile("h1", "p1")))

		hashes, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"v2": {}, "v3": {}}, hashes)
	})

	t.Run("DeleteByHash", func(t *testing.T) {
		s, _ := setup(t, defaultRetention)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, SourceRecord("h1", "a.jpg")))
		require.NoError(t, s.Insert(ctx, SourceRecord("h2", "b.jpg")))
		require.NoError(t, s.Delete(ctx, store.ByHash("h1")))
		// Deleting again is not an error.
		require.NoError(t, s.Delete(ctx, store.ByHash("h1")))

		got, err := s.Fetch(ctx, store.ByHash("h1"))
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = s.Fetch(ctx, store.ByHash("h2"))
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("RenewAndCountdown", func(t *testing.T) {
		s, clock := setup(t, defaultRetention)
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, SourceRecord("h1", "a.jpg")))
		require.NoError(t, s.Insert(ctx, VariantRecord("v1", "h1", "p1", 100)))

		require.NoError(t, s.Countdown(ctx))
		require.NoError(t, s.Countdown(ctx))

		got, err := s.Fetch(ctx, store.ByHash("h1"))
		require.NoError(t, err)
		assert.Equal(t, count-2, got.Countdown)

		clock.Advance(time.Hour)
		require.NoError(t, s.Renew(ctx, store.ByHash("h1")))
		require.NoError(t, s.Renew(ctx, store.BySourceProfile("h1", "p1")))

		got, err = s.Fetch(ctx, store.ByHash("h1"))
		require.NoError(t, err)
		assert.Equal(t, count, got.Countdown)
		assert.Equal(t, clock.Now().UnixMilli(), got.LastUsedAt)

		got, err = s.Fetch(ctx, store.BySourceProfile("h1", "p1"))
		require.NoError(t, err)
		assert.Equal(t, count, got.Countdown)
		assert.Equal(t, clock.Now().UnixMilli(), got.LastUsedAt)
	})

	t.Run("RenewDisabledIsNoop", func(t *testing.T) {
		s, clock := setup(t, store.Retention{})
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, SourceRecord("h1", "a.jpg")))
		inserted := clock.Now().UnixMilli()

		clock.Advance(time.Hour)
		require.NoError(t, s.Renew(ctx, store.ByHash("h1")))
		require.NoError(t, s.Countdown(ctx))

		got, err := s.Fetch(ctx, store.ByHash("h1"))
		require.NoError(t, err)
		assert.Equal(t, inserted, got.LastUsedAt)
		assert.Equal(t, 0, got.Countdown)

		deleted, err := s.DeleteExpiredRecords(ctx, clock.Now().Add(1000*time.Hour))
		require.NoError(t, err)
		assert.Nil(t, deleted)
	})

	t.Run("CountdownDisabledIsNoop", func(t *testing.T) {
		s, _ := setup(t, store.Retention{Period: &period})
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, SourceRecord("h1", "a.jpg")))
		require.NoError(t, s.Countdown(ctx))

		got, err := s.Fetch(ctx, store.ByHash("h1"))
		require.NoError(t, err)
		assert.Equal(t, 0, got.Countdown)
	})

	t.Run("EvictionRequiresBothPolicies", func(t *testing.T) {
		shortPeriod := 100 * time.Millisecond
		zero := 0
		s, clock := setup(t, store.Retention{Period: &shortPeriod, Count: &zero})
		ctx := context.Background()
		t0 := clock.Now()

		require.NoError(t, s.Insert(ctx, SourceRecord("h1", "a.jpg")))
		require.NoError(t, s.Countdown(ctx))

		deleted, err := s.DeleteExpiredRecords(ctx, t0.Add(50*time.Millisecond))
		require.NoError(t, err)
		assert.Nil(t, deleted)

		got, err := s.Fetch(ctx, store.ByHash("h1"))
		require.NoError(t, err)
		require.NotNil(t, got)

		deleted, err = s.DeleteExpiredRecords(ctx, t0.Add(200*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"h1": {}}, deleted)

		got, err = s.Fetch(ctx, store.ByHash("h1"))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("EvictionPeriodOnly", func(t *testing.T) {
		shortPeriod := 100 * time.Millisecond
		s, clock := setup(t, store.Retention{Period: &shortPeriod})
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, SourceRecord("old", "a.jpg")))
		clock.Advance(150 * time.Millisecond)
		require.NoError(t, s.Insert(ctx, SourceRecord("new", "b.jpg")))

		deleted, err := s.DeleteExpiredRecords(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"old": {}}, deleted)
	})

	t.Run("EvictionCountOnly", func(t *testing.T) {
		one := 1
		s, _ := setup(t, store.Retention{Count: &one})
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, SourceRecord("unused", "a.jpg")))
		require.NoError(t, s.Insert(ctx, SourceRecord("used", "b.jpg")))

		require.NoError(t, s.Countdown(ctx))
		require.NoError(t, s.Renew(ctx, store.ByHash("used")))
		require.NoError(t, s.Countdown(ctx))

		deleted, err := s.DeleteExpiredRecords(ctx, Epoch)
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"unused": {}}, deleted)
	})

	t.Run("SharedHashNotReportedWhileReferenced", func(t *testing.T) {
		one := 1
		s, _ := setup(t, store.Retention{Count: &one})
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, VariantRecord("shared", "h1", "p1", 100)))
		require.NoError(t, s.Insert(ctx, VariantRecord("shared", "h1", "p2", 100)))

		require.NoError(t, s.Countdown(ctx))
		require.NoError(t, s.Renew(ctx, store.BySourceProfile("h1", "p2")))
		require.NoError(t, s.Countdown(ctx))

		deleted, err := s.DeleteExpiredRecords(ctx, Epoch)
		require.NoError(t, err)
		assert.Nil(t, deleted)

		gone, err := s.Fetch(ctx, store.BySourceProfile("h1", "p1"))
		require.NoError(t, err)
		assert.Nil(t, gone)

		kept, err := s.Fetch(ctx, store.BySourceProfile("h1", "p2"))
		require.NoError(t, err)
		assert.NotNil(t, kept)
	})

	t.Run("ConcurrentInserts", func(t *testing.T) {
		s, _ := setup(t, defaultRetention)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Insert(ctx, VariantRecord(fmt.Sprintf("v%d", i), "h1", fmt.Sprintf("p%d", i), 100+i)))
			}()
		}
		wg.Wait()

		hashes, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, hashes, 16)
	})
}

// SourceRecord returns a source record fixture.
func SourceRecord(hash, src string) store.Record {
	exp := Epoch.Add(24 * time.Hour).UnixMilli()
	return store.Record{
		Hash:      hash,
		Category:  store.CategorySource,
		Width:     2500,
		Height:    1500,
		Source:    src,
		Format:    "jpeg",
		ExpiresAt: &exp,
	}
}

// VariantRecord returns a variant record fixture.
func VariantRecord(hash, source, profile string, width int) store.Record {
	return store.Record{
		Hash:     hash,
		Category: store.CategoryVariant,
		Width:    width,
		Height:   width * 3 / 5,
		Source:   source,
		Profile:  profile,
		Format:   "webp",
	}
}
