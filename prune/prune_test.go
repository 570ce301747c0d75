package prune

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/imgcache/backend"
	"github.com/wolfeidau/imgcache/store"
	"github.com/wolfeidau/imgcache/store/jsonstore"
	"github.com/wolfeidau/imgcache/store/storetest"
)

func newTestStore(t *testing.T, clock *storetest.Clock, ret store.Retention) store.Store {
	t.Helper()
	s := jsonstore.New(jsonstore.WithFile(jsonstore.InMemory), jsonstore.WithNow(clock.Now))
	require.NoError(t, s.Initialize(context.Background(), store.InitOptions{Retention: ret}))
	return s
}

func newTestBackend(t *testing.T) *backend.Filesystem {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

type closeTracker struct {
	store.Store
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return c.Store.Close()
}

type failingCountdown struct {
	store.Store
}

func (failingCountdown) Countdown(context.Context) error {
	return errors.New("locked")
}

func TestPrunerRun(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(storetest.Epoch)
	period := 100 * time.Millisecond
	count := 0
	s := &closeTracker{Store: newTestStore(t, clock, store.Retention{Period: &period, Count: &count})}

	cache := newTestBackend(t)
	downloads := newTestBackend(t)

	require.NoError(t, s.Insert(ctx, storetest.SourceRecord("old", "https://example.com/a.jpg")))
	require.NoError(t, s.Insert(ctx, storetest.VariantRecord("oldvariant", "old", "p1", 500)))
	require.NoError(t, cache.Write(ctx, "oldvariant.webp", []byte("12345")))
	require.NoError(t, downloads.Write(ctx, "old.jpg", []byte("1234567890")))
	require.NoError(t, cache.Write(ctx, "keep.webp", []byte("x")))

	clock.Advance(200 * time.Millisecond)
	require.NoError(t, s.Insert(ctx, storetest.VariantRecord("keep", "old", "p2", 400)))

	p := New(s, []backend.Backend{cache, downloads})
	result, err := p.Run(ctx, clock.Now())
	require.NoError(t, err)

	assert.Equal(t, 2, result.HashesDeleted)
	assert.Equal(t, 2, result.FilesDeleted)
	assert.Equal(t, int64(15), result.BytesReclaimed)
	assert.Empty(t, result.Errors)
	assert.Same(t, result, p.Status())
	assert.True(t, s.closed)

	ok, err := cache.Exists(ctx, "oldvariant.webp")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = downloads.Exists(ctx, "old.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = cache.Exists(ctx, "keep.webp")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPrunerSharedHashKeepsFile(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(storetest.Epoch)
	period := time.Hour
	s := newTestStore(t, clock, store.Retention{Period: &period})
	cache := newTestBackend(t)

	// Two profiles produced identical output; only one record expires.
	require.NoError(t, s.Insert(ctx, storetest.VariantRecord("same", "src", "p1", 100)))
	clock.Advance(2 * time.Hour)
	require.NoError(t, s.Insert(ctx, storetest.VariantRecord("same", "src", "p2", 100)))
	require.NoError(t, cache.Write(ctx, "same.webp", []byte("data")))

	result, err := New(s, []backend.Backend{cache}).Run(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, result.HashesDeleted)
	assert.Zero(t, result.FilesDeleted)

	ok, err := cache.Exists(ctx, "same.webp")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPrunerNothingExpired(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(storetest.Epoch)
	s := &closeTracker{Store: newTestStore(t, clock, store.Retention{})}
	require.NoError(t, s.Insert(ctx, storetest.SourceRecord("h1", "a.jpg")))

	result, err := New(s, nil, WithKeepOpen()).Run(ctx, clock.Now().Add(1000*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, result.HashesDeleted)
	assert.False(t, s.closed)
	require.NoError(t, s.Close())
}

func TestPrunerStoreError(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(storetest.Epoch)
	inner := &closeTracker{Store: newTestStore(t, clock, store.Retention{})}

	_, err := New(failingCountdown{inner}, nil).Run(ctx, clock.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "countdown")
	assert.True(t, inner.closed)
}
