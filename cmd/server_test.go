package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stationside/orbitcache/pkg/cache"
	"github.com/stationside/orbitcache/pkg/chat"
	"github.com/stationside/orbitcache/pkg/generate"
	"github.com/stationside/orbitcache/pkg/metrics"
	"github.com/stationside/orbitcache/pkg/passes"
	"github.com/stationside/orbitcache/pkg/respcache"
	"github.com/stationside/orbitcache/pkg/telemetry"
)

func newTestServer(t *testing.T, store cache.Store) *Server {
	t.Helper()

	tracer, err := telemetry.Init(context.Background(), telemetry.Config{})
	if err != nil {
		t.Fatalf("telemetry init failed: %v", err)
	}

	return &Server{
		cache:   respcache.NewService(store, respcache.Options{}),
		chat:    chat.NewStore(store, chat.Options{}),
		store:   store,
		metrics: metrics.New(),
		tracer:  tracer,
	}
}

func newMemoryServer(t *testing.T) *Server {
	t.Helper()
	store := cache.NewMemoryStore(cache.DefaultMemoryConfig())
	t.Cleanup(func() { _ = store.Close() })
	return newTestServer(t, store)
}

func TestHandleLookup_MissReturns200(t *testing.T) {
	srv := newMemoryServer(t)
	handler := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/cache/lookup?query=what+is+the+iss", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on miss, got %d", rec.Code)
	}
	var resp LookupResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Found {
		t.Error("expected found=false on miss")
	}
	if resp.Response != "" {
		t.Errorf("expected empty response on miss, got %q", resp.Response)
	}
}

func TestHandleLookup_HitCarriesEntryFields(t *testing.T) {
	srv := newMemoryServer(t)
	handler := srv.routes()

	if _, err := srv.cache.Put(context.Background(), "What is the ISS?", "A space station.", nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/cache/lookup?query=what+is+the+iss", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp LookupResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Found {
		t.Fatal("expected a hit")
	}
	if resp.Response != "A space station." {
		t.Errorf("unexpected response: %q", resp.Response)
	}
	// 1 on write, incremented on the read.
	if resp.HitCount != 2 {
		t.Errorf("expected hit_count 2, got %d", resp.HitCount)
	}
}

func TestHandleCachePut_ReportsKeyAndExpiry(t *testing.T) {
	srv := newMemoryServer(t)
	handler := srv.routes()

	body := strings.NewReader(`{"query":"What is the ISS?","response":"A space station."}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/cache", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp CachePutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CacheKey == "" {
		t.Error("expected non-empty cache_key")
	}
	if want := int64(srv.cache.TTL().Seconds()); resp.ExpiresIn != want {
		t.Errorf("expires_in = %d, want %d", resp.ExpiresIn, want)
	}
}

const passesTestXML = `<?xml version="1.0" encoding="UTF-8"?>
<visible_passes>
  <visible_pass>
    <country>United_States</country>
    <region>Texas</region>
    <city>Houston</city>
    <spacecraft>ISS</spacecraft>
    <sighting_date>Mon Jan 05/06:12 AM</sighting_date>
    <duration_minutes>4</duration_minutes>
    <max_elevation>66</max_elevation>
    <enters>10 above SSW</enters>
    <exits>10 above NE</exits>
    <utc_offset>-6.0</utc_offset>
    <utc_time>12:12</utc_time>
    <utc_date>05 Jan</utc_date>
  </visible_pass>
</visible_passes>
`

func TestHandlePasses_FilterMissIs404(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "passes.xml"), []byte(passesTestXML), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	catalog, err := passes.LoadDir(dir, nil)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	srv := newMemoryServer(t)
	srv.catalog = catalog
	handler := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/passes?city=Nowhere", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unmatched filter, got %d", rec.Code)
	}

	// City matching is case insensitive.
	req = httptest.NewRequest(http.MethodGet, "/v1/passes?city=houston", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for matching filter, got %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("expected 1 pass, got %d", resp.Count)
	}
}

func TestHandlePasses_NoCatalogIs503(t *testing.T) {
	srv := newMemoryServer(t)
	handler := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/v1/passes?city=Houston", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a catalog, got %d", rec.Code)
	}
}

// downStore fails every operation, simulating a lost store connection.
type downStore struct{}

func (downStore) errDown() error { return fmt.Errorf("%w: connection refused", cache.ErrUnavailable) }

func (d downStore) Get(ctx context.Context, key string) ([]byte, error) { return nil, d.errDown() }
func (d downStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return d.errDown()
}
func (d downStore) Delete(ctx context.Context, key string) error { return d.errDown() }
func (d downStore) Has(ctx context.Context, key string) bool     { return false }
func (d downStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 0, d.errDown()
}
func (d downStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return 0, d.errDown()
}
func (d downStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return d.errDown()
}
func (d downStore) SetAdd(ctx context.Context, key string, members ...string) error {
	return d.errDown()
}
func (d downStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return nil, d.errDown()
}
func (d downStore) SetRemove(ctx context.Context, key string, members ...string) error {
	return d.errDown()
}
func (d downStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return nil, d.errDown()
}
func (d downStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	return 0, d.errDown()
}
func (d downStore) Ping(ctx context.Context) error { return d.errDown() }
func (d downStore) Stats() cache.Stats             { return cache.Stats{} }
func (d downStore) Close() error                   { return nil }

func TestHandleAsk_FailsOpenToGenerationWhenStoreDown(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"The ISS orbits at about 7.66 km/s."}}]}`))
	}))
	t.Cleanup(api.Close)

	generator, err := generate.NewClient(generate.Config{
		APIKey:  "test-key",
		BaseURL: api.URL,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	srv := newTestServer(t, downStore{})
	srv.generator = generator
	handler := srv.routes()

	body := strings.NewReader(`{"query":"How fast does the ISS travel?"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/ask", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite store failure, got %d: %s", rec.Code, rec.Body.String())
	}
	var answer AskAnswer
	if err := json.NewDecoder(rec.Body).Decode(&answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Source != "generated" {
		t.Errorf("expected source %q, got %q", "generated", answer.Source)
	}
	if !strings.Contains(answer.Response, "7.66") {
		t.Errorf("unexpected answer: %q", answer.Response)
	}
}

func TestHandleAsk_StreamsWhenRequested(t *testing.T) {
	srv := newMemoryServer(t)
	if _, err := srv.cache.Put(context.Background(), "What is the ISS?", "A space station.", nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	handler := srv.routes()

	body := strings.NewReader(`{"query":"What is the ISS?"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/ask", body)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "event: complete") {
		t.Errorf("expected a complete event, got:\n%s", out)
	}
	if !strings.Contains(out, `"source":"cache"`) {
		t.Errorf("expected a cache-sourced answer, got:\n%s", out)
	}
}
