// Package expiry derives freshness deadlines for remote sources from HTTP
// response headers and clamps them to configured bounds.
package expiry

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config holds the bounds applied to header-derived expiry times.
type Config struct {
	// MinAge is the minimum time a remote source is considered fresh.
	// It is also the fallback when the response carries no freshness
	// information. Zero disables the lower bound.
	MinAge time.Duration

	// MaxAge caps the freshness lifetime. Zero disables the upper bound.
	MaxAge time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MinAge: 24 * time.Hour,
	}
}

// FromHeaders computes an absolute expiry from response headers.
//
// no-cache or no-store always yields nil. Otherwise s-maxage wins over
// max-age, which wins over Expires. Expires is only used when it lies in the
// future. Malformed directive values are skipped.
func FromHeaders(h http.Header, now time.Time) *time.Time {
	directives := parseCacheControl(h.Values("Cache-Control"))

	if _, ok := directives["no-cache"]; ok {
		return nil
	}
	if _, ok := directives["no-store"]; ok {
		return nil
	}

	for _, name := range []string{"s-maxage", "max-age"} {
		v, ok := directives[name]
		if !ok {
			continue
		}
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs < 0 {
			continue
		}
		t := now.Add(time.Duration(secs) * time.Second)
		return &t
	}

	if raw := h.Get("Expires"); raw != "" {
		t, err := http.ParseTime(raw)
		if err == nil && t.After(now) {
			return &t
		}
	}

	return nil
}

// Clamp bounds expiresAt to [now+MinAge, now+MaxAge]. A nil expiresAt
// resolves to now+MinAge, or nil when MinAge is disabled.
func (c Config) Clamp(expiresAt *time.Time, now time.Time) *time.Time {
	var lower, upper *time.Time
	if c.MinAge > 0 {
		t := now.Add(c.MinAge)
		lower = &t
	}
	if c.MaxAge > 0 {
		t := now.Add(c.MaxAge)
		upper = &t
	}

	if expiresAt == nil {
		return lower
	}

	out := *expiresAt
	if upper != nil && out.After(*upper) {
		out = *upper
	}
	if lower != nil && out.Before(*lower) {
		out = *lower
	}
	return &out
}

// Resolve is FromHeaders followed by Clamp.
func (c Config) Resolve(h http.Header, now time.Time) *time.Time {
	return c.Clamp(FromHeaders(h, now), now)
}

// Stale reports whether a source with the given expiry must be refetched.
// An unknown expiry is treated as stale.
func Stale(expiresAt *time.Time, now time.Time) bool {
	return expiresAt == nil || !expiresAt.After(now)
}

func parseCacheControl(values []string) map[string]string {
	directives := make(map[string]string)
	for _, header := range values {
		for _, part := range strings.Split(header, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			value = strings.Trim(strings.TrimSpace(value), `"`)
			if _, seen := directives[name]; !seen {
				directives[name] = value
			}
		}
	}
	return directives
}
