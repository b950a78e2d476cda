// Package respcache implements the chatbot response cache: normalized
// query keys, TTL-bound entries, near-duplicate lookup over an inverted
// token index, and aggregate hit/miss statistics kept in the store via
// atomic counters.
package respcache

import "time"

// Entry is a cached query/response pair.
type Entry struct {
	// Query is the original trimmed user text.
	Query string `json:"query"`

	// NormalizedKey is the cache key derived from the normalized query.
	NormalizedKey string `json:"normalized_key"`

	// Response is the stored answer text.
	Response string `json:"response"`

	// Metadata holds response time, token count, API version, and any
	// extra fields merged in at write time.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// HitCount starts at 1 on write and is incremented on every read.
	HitCount int64 `json:"hit_count"`

	// CreatedAt is immutable after the first write.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessed is updated on every read.
	LastAccessed time.Time `json:"last_accessed"`
}

// StatsRecord is the singleton aggregate statistics record.
type StatsRecord struct {
	TotalCached int64     `json:"total_cached"`
	CacheHits   int64     `json:"cache_hits"`
	CacheMisses int64     `json:"cache_misses"`
	HitRate     float64   `json:"hit_rate"`
	LastUpdated time.Time `json:"last_updated"`
}

// Summary is a debug-listing row with a truncated response preview.
type Summary struct {
	Query        string    `json:"query"`
	Preview      string    `json:"preview"`
	HitCount     int64     `json:"hit_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}
