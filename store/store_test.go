package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriteriaValidate(t *testing.T) {
	require.NoError(t, ByHash("abc").Validate())
	require.NoError(t, BySourceProfile("src", "prof").Validate())
	require.ErrorIs(t, Criteria{}.Validate(), ErrInvalidCriteria)
	require.ErrorIs(t, Criteria{Source: "src"}.Validate(), ErrInvalidCriteria)
	require.ErrorIs(t, Criteria{Hash: "h", Source: "src", Profile: "p"}.Validate(), ErrInvalidCriteria)
}

func TestCriteriaMatches(t *testing.T) {
	rec := &Record{Hash: "h1", Source: "s1", Profile: "p1"}

	assert.True(t, ByHash("h1").Matches(rec))
	assert.False(t, ByHash("h2").Matches(rec))
	assert.True(t, BySourceProfile("s1", "p1").Matches(rec))
	assert.False(t, BySourceProfile("s1", "p2").Matches(rec))
	assert.False(t, BySourceProfile("s2", "p1").Matches(rec))
}

func TestKeyOf(t *testing.T) {
	src := &Record{Hash: "h", Category: CategorySource, Source: "https://x/y.jpg"}
	assert.Equal(t, ByHash("h"), KeyOf(src))

	v := &Record{Hash: "h", Category: CategoryVariant, Source: "s", Profile: "p"}
	assert.Equal(t, BySourceProfile("s", "p"), KeyOf(v))
}

func TestRetentionExpired(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	period := 100 * time.Millisecond
	count := 0

	fresh := &Record{LastUsedAt: now.Add(-50 * time.Millisecond).UnixMilli(), Countdown: -1}
	old := &Record{LastUsedAt: now.Add(-200 * time.Millisecond).UnixMilli(), Countdown: -1}
	oldButCounted := &Record{LastUsedAt: now.Add(-200 * time.Millisecond).UnixMilli(), Countdown: 0}

	t.Run("both policies require both", func(t *testing.T) {
		r := Retention{Period: &period, Count: &count}
		assert.False(t, r.Expired(fresh, now))
		assert.True(t, r.Expired(old, now))
		assert.False(t, r.Expired(oldButCounted, now))
	})

	t.Run("period only", func(t *testing.T) {
		r := Retention{Period: &period}
		assert.False(t, r.Expired(fresh, now))
		assert.True(t, r.Expired(oldButCounted, now))
	})

	t.Run("count only", func(t *testing.T) {
		r := Retention{Count: &count}
		assert.True(t, r.Expired(fresh, now))
		assert.False(t, r.Expired(oldButCounted, now))
	})

	t.Run("disabled", func(t *testing.T) {
		r := Retention{}
		assert.True(t, r.Disabled())
		assert.False(t, r.Expired(old, now))
		assert.Equal(t, 0, r.InitialCountdown())
	})
}

func TestDeletedHashes(t *testing.T) {
	before := map[string]struct{}{"a": {}, "b": {}, "c": {}}
	after := map[string]struct{}{"b": {}}

	assert.Equal(t, map[string]struct{}{"a": {}, "c": {}}, DeletedHashes(before, after))
	assert.Nil(t, DeletedHashes(after, before))
}

func TestResolveDir(t *testing.T) {
	opts := InitOptions{RootDir: "/proj", CacheDir: "/proj/.cache", ImageCacheDir: "/proj/.cache/img"}
	assert.Equal(t, "/proj/.cache/img/db", opts.ResolveDir("[imageCacheDir]/db"))
	assert.Equal(t, "/proj/data", opts.ResolveDir("[root]/data/"))
}

func TestMetadataApply(t *testing.T) {
	r, g, b := 1, 2, 3
	exp := int64(42)
	rec := &Record{Hash: "h", Width: 10, Height: 10, Format: "png"}
	Metadata{Width: 20, Height: 30, Format: "jpeg", R: &r, G: &g, B: &b, ExpiresAt: &exp}.Apply(rec)

	assert.Equal(t, 20, rec.Width)
	assert.Equal(t, 30, rec.Height)
	assert.Equal(t, "jpeg", rec.Format)
	assert.True(t, rec.HasColor())
	assert.Equal(t, int64(42), *rec.ExpiresAt)
	assert.Equal(t, "h", rec.Hash)
}

func TestSameKey(t *testing.T) {
	src := &Record{Hash: "h", Category: CategorySource}
	otherSrc := &Record{Hash: "h", Category: CategorySource, Source: "different"}
	variant := &Record{Hash: "h", Category: CategoryVariant, Source: "s", Profile: "p"}
	sibling := &Record{Hash: "x", Category: CategoryPlaceholder, Source: "s", Profile: "p"}

	assert.True(t, SameKey(src, otherSrc))
	assert.False(t, SameKey(src, variant))
	assert.True(t, SameKey(variant, sibling))
}
