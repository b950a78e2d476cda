package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/stationside/orbitcache/pkg/cache"
	"github.com/stationside/orbitcache/pkg/normalize"
	"github.com/stationside/orbitcache/pkg/similarity"
)

// Validation errors.
var (
	ErrEmptyQuery    = errors.New("query is required")
	ErrEmptyResponse = errors.New("response is required")
)

// TTLMode selects what happens to an entry's expiry when a hit rewrites it.
type TTLMode string

const (
	// TTLModeSliding resets the full TTL on every hit, so frequently
	// asked queries never expire.
	TTLModeSliding TTLMode = "sliding"

	// TTLModeFixed preserves the remaining TTL across hit rewrites, so
	// entries expire a fixed duration after creation regardless of use.
	TTLModeFixed TTLMode = "fixed"
)

// Options configures the cache service.
type Options struct {
	// KeyPrefix namespaces every key the service writes.
	KeyPrefix string

	// TTL is the entry lifetime.
	TTL time.Duration

	// TTLMode controls expiry behavior on hit rewrites.
	TTLMode TTLMode

	// StatsTTL is the lifetime of the statistics counters, refreshed on
	// every stats write.
	StatsTTL time.Duration

	// SimilarityThreshold is the default minimum Jaccard score for
	// FindSimilar when the caller passes 0.
	SimilarityThreshold float64

	// MaxCandidates caps how many index candidates a similarity search
	// will score.
	MaxCandidates int

	// APIVersion tags entries written without an explicit version.
	APIVersion string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		KeyPrefix:           "orbitcache:",
		TTL:                 7 * 24 * time.Hour,
		TTLMode:             TTLModeSliding,
		StatsTTL:            30 * 24 * time.Hour,
		SimilarityThreshold: 0.7,
		MaxCandidates:       512,
		APIVersion:          "v1",
	}
}

// Service owns the response-cache operations over an injected Store.
type Service struct {
	store cache.Store
	opts  Options
}

// NewService creates a cache service. Zero-valued options fall back to
// defaults.
func NewService(store cache.Store, opts Options) *Service {
	def := DefaultOptions()
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = def.KeyPrefix
	}
	if opts.TTL == 0 {
		opts.TTL = def.TTL
	}
	if opts.TTLMode == "" {
		opts.TTLMode = def.TTLMode
	}
	if opts.StatsTTL == 0 {
		opts.StatsTTL = def.StatsTTL
	}
	if opts.SimilarityThreshold == 0 {
		opts.SimilarityThreshold = def.SimilarityThreshold
	}
	if opts.MaxCandidates == 0 {
		opts.MaxCandidates = def.MaxCandidates
	}
	if opts.APIVersion == "" {
		opts.APIVersion = def.APIVersion
	}
	return &Service{store: store, opts: opts}
}

// TTL reports the configured entry lifetime.
func (s *Service) TTL() time.Duration {
	return s.opts.TTL
}

func (s *Service) entryKey(query string) string {
	return normalize.Key(s.opts.KeyPrefix+"entry:", query)
}

func (s *Service) indexKey(token string) string {
	return s.opts.KeyPrefix + "index:" + token
}

func (s *Service) statKey(name string) string {
	return s.opts.KeyPrefix + "stats:" + name
}

// Put stores a response for a query, overwriting any entry the query
// normalizes onto, and returns the cache key. Caller metadata wins over
// the generated defaults (timestamp, token-count fallback, API version).
func (s *Service) Put(ctx context.Context, query, response string, metadata map[string]interface{}) (string, error) {
	if query == "" {
		return "", ErrEmptyQuery
	}
	if response == "" {
		return "", ErrEmptyResponse
	}

	key := s.entryKey(query)
	now := time.Now().UTC()

	merged := map[string]interface{}{
		"cached_at":   now.Format(time.RFC3339),
		"token_count": len(response),
		"api_version": s.opts.APIVersion,
	}
	for k, v := range metadata {
		merged[k] = v
	}

	entry := Entry{
		Query:         query,
		NormalizedKey: key,
		Response:      response,
		Metadata:      merged,
		HitCount:      1,
		CreatedAt:     now,
		LastAccessed:  now,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}

	if err := s.store.Set(ctx, key, data, s.opts.TTL); err != nil {
		return "", fmt.Errorf("write entry: %w", err)
	}

	// Index the normalized query's tokens for similarity candidate lookup.
	// Index sets carry the long stats TTL, refreshed on every write, so an
	// idle namespace's sets eventually expire instead of relying solely on
	// lazy pruning during searches.
	for token := range similarity.Tokenize(normalize.Normalize(query)) {
		idx := s.indexKey(token)
		if err := s.store.SetAdd(ctx, idx, key); err != nil {
			return "", fmt.Errorf("index entry: %w", err)
		}
		if err := s.store.Expire(ctx, idx, s.opts.StatsTTL); err != nil {
			return "", fmt.Errorf("index entry: %w", err)
		}
	}

	if err := s.bumpStat(ctx, "total"); err != nil {
		return "", err
	}

	return key, nil
}

// Get looks a query up in the cache. A miss is a normal result: it
// returns (nil, false, nil) and records a miss. A hit increments the
// entry's hit count, refreshes its last-access time, and rewrites it
// under the configured TTL mode.
func (s *Service) Get(ctx context.Context, query string) (*Entry, bool, error) {
	if query == "" {
		return nil, false, ErrEmptyQuery
	}

	key := s.entryKey(query)

	data, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			if err := s.bumpStat(ctx, "misses"); err != nil {
				return nil, false, err
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupted entry is unusable; drop it and report a miss.
		_ = s.store.Delete(ctx, key)
		if err := s.bumpStat(ctx, "misses"); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	entry.HitCount++
	entry.LastAccessed = time.Now().UTC()

	ttl := s.opts.TTL
	if s.opts.TTLMode == TTLModeFixed {
		if remaining, err := s.store.TTL(ctx, key); err == nil && remaining > 0 {
			ttl = remaining
		}
	}

	if updated, err := json.Marshal(entry); err == nil {
		if err := s.store.Set(ctx, key, updated, ttl); err != nil {
			return nil, false, fmt.Errorf("rewrite entry: %w", err)
		}
	}

	if err := s.bumpStat(ctx, "hits"); err != nil {
		return nil, false, err
	}

	return &entry, true, nil
}

// FindSimilar returns stored entries whose token-set similarity with the
// query meets the threshold, ranked descending. Candidates come from the
// inverted token index rather than a full keyspace scan, capped at
// MaxCandidates. Malformed entries are skipped; stale index members are
// pruned as they are discovered.
func (s *Service) FindSimilar(ctx context.Context, query string, threshold float64) ([]similarity.Match, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if threshold <= 0 {
		threshold = s.opts.SimilarityThreshold
	}

	probe := similarity.Tokenize(normalize.Normalize(query))

	candidates := make(map[string]struct{})
	for token := range probe {
		members, err := s.store.SetMembers(ctx, s.indexKey(token))
		if err != nil {
			return nil, fmt.Errorf("index lookup: %w", err)
		}
		for _, key := range members {
			candidates[key] = struct{}{}
			if len(candidates) >= s.opts.MaxCandidates {
				break
			}
		}
		if len(candidates) >= s.opts.MaxCandidates {
			break
		}
	}

	var matches []similarity.Match
	for key := range candidates {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				s.pruneIndex(ctx, key, probe)
				continue
			}
			return nil, fmt.Errorf("read candidate: %w", err)
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}

		score := similarity.JaccardSets(probe, similarity.Tokenize(normalize.Normalize(entry.Query)))
		matches = append(matches, similarity.Match{
			Query:      entry.Query,
			CacheKey:   key,
			Response:   entry.Response,
			Similarity: score,
		})
	}

	return similarity.Rank(matches, threshold), nil
}

// pruneIndex drops an expired entry key from the index sets of the probe
// tokens that surfaced it.
func (s *Service) pruneIndex(ctx context.Context, key string, tokens map[string]struct{}) {
	for token := range tokens {
		_ = s.store.SetRemove(ctx, s.indexKey(token), key)
	}
}

// Stats reads the aggregate counters. When no event has ever been
// recorded it returns a zero record without persisting anything.
func (s *Service) Stats(ctx context.Context) (*StatsRecord, error) {
	total, err := s.readCounter(ctx, "total")
	if err != nil {
		return nil, err
	}
	hits, err := s.readCounter(ctx, "hits")
	if err != nil {
		return nil, err
	}
	misses, err := s.readCounter(ctx, "misses")
	if err != nil {
		return nil, err
	}

	rec := &StatsRecord{
		TotalCached: total,
		CacheHits:   hits,
		CacheMisses: misses,
	}
	if lookups := hits + misses; lookups > 0 {
		rec.HitRate = float64(hits) / float64(lookups) * 100
	}

	if data, err := s.store.Get(ctx, s.statKey("updated")); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, string(data)); err == nil {
			rec.LastUpdated = ts
		}
	} else if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("read stats: %w", err)
	}

	return rec, nil
}

func (s *Service) readCounter(ctx context.Context, name string) (int64, error) {
	data, err := s.store.Get(ctx, s.statKey(name))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read stats: %w", err)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// bumpStat atomically increments a counter and refreshes the stats TTL.
// The store-native increment avoids the read-modify-write race a shared
// singleton record would have under concurrent callers.
func (s *Service) bumpStat(ctx context.Context, name string) error {
	key := s.statKey(name)
	if _, err := s.store.IncrBy(ctx, key, 1); err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	if err := s.store.Expire(ctx, key, s.opts.StatsTTL); err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.store.Set(ctx, s.statKey("updated"), []byte(now), s.opts.StatsTTL); err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	return nil
}

// ClearAll deletes every entry, the token index, and the statistics
// record, returning the number of entries cleared. Clearing an empty
// cache returns 0 without error.
func (s *Service) ClearAll(ctx context.Context) (int64, error) {
	entries, err := s.store.Keys(ctx, s.opts.KeyPrefix+"entry:")
	if err != nil {
		return 0, fmt.Errorf("enumerate entries: %w", err)
	}

	if _, err := s.store.DeletePrefix(ctx, s.opts.KeyPrefix); err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}

	return int64(len(entries)), nil
}

// previewLimit bounds the response excerpt in debug listings.
const previewLimit = 100

// ListAll returns a debug listing of all entries, most recently accessed
// first. Malformed entries are skipped rather than aborting the scan.
func (s *Service) ListAll(ctx context.Context) ([]Summary, error) {
	keys, err := s.store.Keys(ctx, s.opts.KeyPrefix+"entry:")
	if err != nil {
		return nil, fmt.Errorf("enumerate entries: %w", err)
	}

	summaries := make([]Summary, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}

		preview := entry.Response
		if len(preview) > previewLimit {
			cut := previewLimit
			// Back up to a rune boundary so the excerpt stays valid UTF-8.
			for cut > 0 && !utf8.RuneStart(preview[cut]) {
				cut--
			}
			preview = preview[:cut] + "..."
		}

		summaries = append(summaries, Summary{
			Query:        entry.Query,
			Preview:      preview,
			HitCount:     entry.HitCount,
			CreatedAt:    entry.CreatedAt,
			LastAccessed: entry.LastAccessed,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastAccessed.After(summaries[j].LastAccessed)
	})
	return summaries, nil
}
