package telemetry

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit CacheResult = "hit"
	// CacheStale is a hit whose remote source had to be refetched.
	CacheStale CacheResult = "stale"
	// CacheInvalid is a hit that failed validation, e.g. a missing file,
	// and was discarded.
	CacheInvalid CacheResult = "invalid"
	CacheMiss    CacheResult = "miss"
)
