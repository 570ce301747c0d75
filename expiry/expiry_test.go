package expiry

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestFromHeaders(t *testing.T) {
	tests := []struct {
		name string
		h    http.Header
		want *time.Duration
	}{
		{"s-maxage wins", header("Cache-Control", "max-age=60, s-maxage=120"), ptr(120 * time.Second)},
		{"max-age", header("Cache-Control", "public, max-age=3600"), ptr(time.Hour)},
		{"no-store overrides", header("Cache-Control", "no-store, max-age=60"), nil},
		{"no-cache overrides", header("Cache-Control", "max-age=60, no-cache"), nil},
		{"case insensitive", header("Cache-Control", "Max-Age=30"), ptr(30 * time.Second)},
		{"malformed max-age falls through", header("Cache-Control", "max-age=soon", "Expires", now.Add(time.Hour).Format(http.TimeFormat)), ptr(time.Hour)},
		{"expires in future", header("Expires", now.Add(2*time.Hour).Format(http.TimeFormat)), ptr(2 * time.Hour)},
		{"expires in past", header("Expires", now.Add(-time.Hour).Format(http.TimeFormat)), nil},
		{"expires garbage", header("Expires", "0"), nil},
		{"no headers", header(), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromHeaders(tt.h, now)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, now.Add(*tt.want).Equal(*got), "got %v", got)
		})
	}
}

func TestClamp(t *testing.T) {
	cfg := Config{MinAge: time.Hour, MaxAge: 24 * time.Hour}

	t.Run("nil resolves to min", func(t *testing.T) {
		got := cfg.Clamp(nil, now)
		require.NotNil(t, got)
		assert.Equal(t, now.Add(time.Hour), *got)
	})

	t.Run("below min", func(t *testing.T) {
		in := now.Add(time.Minute)
		assert.Equal(t, now.Add(time.Hour), *cfg.Clamp(&in, now))
	})

	t.Run("above max", func(t *testing.T) {
		in := now.Add(48 * time.Hour)
		assert.Equal(t, now.Add(24*time.Hour), *cfg.Clamp(&in, now))
	})

	t.Run("within bounds", func(t *testing.T) {
		in := now.Add(5 * time.Hour)
		assert.Equal(t, in, *cfg.Clamp(&in, now))
	})

	t.Run("disabled bounds", func(t *testing.T) {
		var none Config
		assert.Nil(t, none.Clamp(nil, now))
		in := now.Add(-time.Hour)
		assert.Equal(t, in, *none.Clamp(&in, now))
	})
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.Resolve(header("Cache-Control", "no-store"), now)
	require.NotNil(t, got)
	assert.Equal(t, now.Add(24*time.Hour), *got)
}

func TestStale(t *testing.T) {
	assert.True(t, Stale(nil, now))
	past := now.Add(-time.Second)
	assert.True(t, Stale(&past, now))
	assert.True(t, Stale(&now, now))
	future := now.Add(time.Second)
	assert.False(t, Stale(&future, now))
}

func ptr[T any](v T) *T { return &v }
