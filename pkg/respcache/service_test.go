package respcache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stationside/orbitcache/pkg/cache"
)

func newTestService(t *testing.T, opts Options) (*Service, *cache.MemoryStore) {
	t.Helper()
	store := cache.NewMemoryStore(cache.DefaultMemoryConfig())
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, opts), store
}

func TestService_PutThenGet(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	key, err := svc.Put(ctx, "What is the ISS?", "The ISS is a space station.", nil)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if key == "" {
		t.Fatal("expected non-empty cache key")
	}

	entry, found, err := svc.Get(ctx, "What is the ISS?")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("expected a hit")
	}
	if entry.Response != "The ISS is a space station." {
		t.Errorf("unexpected response: %q", entry.Response)
	}
	// 1 on write, incremented on the read.
	if entry.HitCount != 2 {
		t.Errorf("expected hit count 2, got %d", entry.HitCount)
	}
}

func TestService_GetNormalizesQuery(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	if _, err := svc.Put(ctx, "What is the ISS?", "The ISS is a space station.", nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entry, found, err := svc.Get(ctx, "  WHAT IS THE ISS?  ")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("expected case/whitespace-insensitive hit")
	}
	if entry.Response != "The ISS is a space station." {
		t.Errorf("unexpected response: %q", entry.Response)
	}
}

func TestService_PutValidation(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	if _, err := svc.Put(ctx, "", "answer", nil); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
	if _, err := svc.Put(ctx, "question", "", nil); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestService_MetadataDefaults(t *testing.T) {
	svc, _ := newTestService(t, Options{APIVersion: "v2"})
	ctx := context.Background()

	_, err := svc.Put(ctx, "q", "a short answer", map[string]interface{}{
		"response_ms": 120,
		"api_version": "caller-set",
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entry, found, _ := svc.Get(ctx, "q")
	if !found {
		t.Fatal("expected a hit")
	}

	if entry.Metadata["api_version"] != "caller-set" {
		t.Errorf("caller metadata should win over defaults, got %v", entry.Metadata["api_version"])
	}
	if _, ok := entry.Metadata["cached_at"]; !ok {
		t.Error("expected cached_at default")
	}
	// Unmarshals as float64 through the JSON round trip.
	if tc, ok := entry.Metadata["token_count"].(float64); !ok || int(tc) != len("a short answer") {
		t.Errorf("expected token_count fallback %d, got %v", len("a short answer"), entry.Metadata["token_count"])
	}
}

func TestService_MissIsNotAnError(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	entry, found, err := svc.Get(ctx, "never stored")
	if err != nil {
		t.Fatalf("miss should not be an error: %v", err)
	}
	if found || entry != nil {
		t.Error("expected not-found result")
	}
}

func TestService_Stats(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	// N=2 puts, H=1 hit, M=3 misses.
	_, _ = svc.Put(ctx, "q1", "a1", nil)
	_, _ = svc.Put(ctx, "q2", "a2", nil)
	_, _, _ = svc.Get(ctx, "q1")
	_, _, _ = svc.Get(ctx, "missing-1")
	_, _, _ = svc.Get(ctx, "missing-2")
	_, _, _ = svc.Get(ctx, "missing-3")

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	if stats.TotalCached != 2 {
		t.Errorf("expected totalCached 2, got %d", stats.TotalCached)
	}
	if stats.CacheHits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.CacheHits)
	}
	if stats.CacheMisses != 3 {
		t.Errorf("expected 3 misses, got %d", stats.CacheMisses)
	}
	want := 100.0 * 1 / 4
	if stats.HitRate != want {
		t.Errorf("expected hit rate %f, got %f", want, stats.HitRate)
	}
	if stats.LastUpdated.IsZero() {
		t.Error("expected lastUpdated to be set after events")
	}
}

func TestService_StatsZeroRecord(t *testing.T) {
	svc, store := newTestService(t, Options{})
	ctx := context.Background()

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalCached != 0 || stats.CacheHits != 0 || stats.CacheMisses != 0 || stats.HitRate != 0 {
		t.Errorf("expected zero record, got %+v", stats)
	}

	// A stats read must not persist the zero record.
	if store.Stats().Sets != 0 {
		t.Error("Stats() should not write to the store")
	}
}

func TestService_FindSimilar(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	if _, err := svc.Put(ctx, "Tell me about Apollo 11", "Apollo 11 landed on the Moon in 1969.", nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	_, _ = svc.Put(ctx, "How fast is the ISS", "About 28000 km/h.", nil)

	matches, err := svc.FindSimilar(ctx, "Tell me about Apollo 13", 0.5)
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}

	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Query != "Tell me about Apollo 11" {
		t.Errorf("unexpected match: %q", matches[0].Query)
	}
	// 4 shared of 6 distinct tokens.
	want := 4.0 / 6.0
	if diff := matches[0].Similarity - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected similarity %f, got %f", want, matches[0].Similarity)
	}
}

func TestService_FindSimilar_ThresholdAndOrder(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, _ = svc.Put(ctx, "iss orbit speed", "r1", nil)
	_, _ = svc.Put(ctx, "iss orbit speed today", "r2", nil)
	_, _ = svc.Put(ctx, "weather on mars", "r3", nil)

	matches, err := svc.FindSimilar(ctx, "iss orbit speed", 0.5)
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}

	if len(matches) == 0 {
		t.Fatal("expected matches")
	}
	for i, m := range matches {
		if m.Similarity < 0.5 {
			t.Errorf("match %d below threshold: %f", i, m.Similarity)
		}
		if i > 0 && matches[i-1].Similarity < m.Similarity {
			t.Error("matches not sorted descending")
		}
	}
	if matches[0].Query != "iss orbit speed" {
		t.Errorf("expected exact query ranked first, got %q", matches[0].Query)
	}
}

func TestService_FindSimilar_SkipsMalformedEntries(t *testing.T) {
	svc, store := newTestService(t, Options{KeyPrefix: "test:"})
	ctx := context.Background()

	_, _ = svc.Put(ctx, "tell me about orbits", "good entry", nil)

	// Corrupt a stored entry but leave it in the token index.
	_ = store.Set(ctx, "test:entry:deadbeef", []byte("{not json"), 0)
	_ = store.SetAdd(ctx, "test:index:orbits", "test:entry:deadbeef")

	matches, err := svc.FindSimilar(ctx, "tell me about orbits", 0.5)
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected the malformed entry to be skipped, got %d matches", len(matches))
	}
}

func TestService_ClearAll(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, _ = svc.Put(ctx, "q1", "a1", nil)
	_, _ = svc.Put(ctx, "q2", "a2", nil)
	_, _, _ = svc.Get(ctx, "q1")

	cleared, err := svc.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if cleared != 2 {
		t.Errorf("expected 2 cleared, got %d", cleared)
	}

	stats, _ := svc.Stats(ctx)
	if stats.TotalCached != 0 || stats.CacheHits != 0 {
		t.Errorf("expected zeroed stats after clear, got %+v", stats)
	}

	listing, _ := svc.ListAll(ctx)
	if len(listing) != 0 {
		t.Errorf("expected empty listing after clear, got %d", len(listing))
	}

	// Idempotent on an empty cache.
	cleared, err = svc.ClearAll(ctx)
	if err != nil {
		t.Fatalf("second ClearAll failed: %v", err)
	}
	if cleared != 0 {
		t.Errorf("expected 0 cleared, got %d", cleared)
	}
}

func TestService_ListAll(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}

	_, _ = svc.Put(ctx, "older", string(long), nil)
	time.Sleep(5 * time.Millisecond)
	_, _ = svc.Put(ctx, "newer", "short", nil)

	listing, err := svc.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(listing) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(listing))
	}
	if listing[0].Query != "newer" {
		t.Errorf("expected most recently accessed first, got %q", listing[0].Query)
	}
	if len(listing[1].Preview) != previewLimit+3 {
		t.Errorf("expected truncated preview, got length %d", len(listing[1].Preview))
	}
}

func TestService_SlidingTTLResetsExpiry(t *testing.T) {
	svc, store := newTestService(t, Options{
		TTL:     200 * time.Millisecond,
		TTLMode: TTLModeSliding,
	})
	ctx := context.Background()

	key, _ := svc.Put(ctx, "q", "a", nil)

	time.Sleep(120 * time.Millisecond)
	if _, found, _ := svc.Get(ctx, "q"); !found {
		t.Fatal("expected hit before expiry")
	}

	// The hit rewrote the entry with a fresh TTL.
	remaining, err := store.TTL(ctx, key)
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if remaining < 150*time.Millisecond {
		t.Errorf("expected sliding mode to reset TTL, remaining %v", remaining)
	}
}

func TestService_FixedTTLPreservesExpiry(t *testing.T) {
	svc, store := newTestService(t, Options{
		TTL:     200 * time.Millisecond,
		TTLMode: TTLModeFixed,
	})
	ctx := context.Background()

	key, _ := svc.Put(ctx, "q", "a", nil)

	time.Sleep(120 * time.Millisecond)
	if _, found, _ := svc.Get(ctx, "q"); !found {
		t.Fatal("expected hit before expiry")
	}

	remaining, err := store.TTL(ctx, key)
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if remaining > 100*time.Millisecond {
		t.Errorf("expected fixed mode to preserve remaining TTL, remaining %v", remaining)
	}
}

func TestService_IndexSetsCarryTTL(t *testing.T) {
	svc, store := newTestService(t, Options{
		KeyPrefix: "t:",
		StatsTTL:  time.Hour,
	})
	ctx := context.Background()

	if _, err := svc.Put(ctx, "orbital boost", "Reboosts raise the orbit.", nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for _, token := range []string{"orbital", "boost"} {
		remaining, err := store.TTL(ctx, "t:index:"+token)
		if err != nil {
			t.Fatalf("TTL(%q) failed: %v", token, err)
		}
		if remaining <= 0 || remaining > time.Hour {
			t.Errorf("index set %q TTL = %v, want within (0, 1h]", token, remaining)
		}
	}
}

func TestService_ListAllPreviewRuneBoundary(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	// 99 ASCII bytes followed by a 2-byte rune straddling the preview cut.
	response := strings.Repeat("a", 99) + "é" + strings.Repeat("b", 20)
	if _, err := svc.Put(ctx, "long answer", response, nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	summaries, err := svc.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}

	preview := summaries[0].Preview
	if !utf8.ValidString(preview) {
		t.Errorf("preview is not valid UTF-8: %q", preview)
	}
	if !strings.HasSuffix(preview, "...") {
		t.Errorf("expected truncated preview, got %q", preview)
	}
}
