package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stationside/orbitcache/pkg/cache"
	"github.com/stationside/orbitcache/pkg/chat"
	"github.com/stationside/orbitcache/pkg/generate"
	"github.com/stationside/orbitcache/pkg/metrics"
	"github.com/stationside/orbitcache/pkg/passes"
	"github.com/stationside/orbitcache/pkg/respcache"
	"github.com/stationside/orbitcache/pkg/sse"
	"github.com/stationside/orbitcache/pkg/telemetry"
)

// Server holds the HTTP server state. All dependencies are injected at
// construction; the server owns none of them except the route table.
type Server struct {
	cache     *respcache.Service
	chat      *chat.Store
	store     cache.Store
	generator *generate.Client
	catalog   *passes.Catalog
	metrics   *metrics.Metrics
	tracer    *telemetry.Provider
	validKeys map[string]bool
	hasAuth   bool
}

// CachePutRequest is the JSON request body for POST /v1/cache.
type CachePutRequest struct {
	Query    string                 `json:"query"`
	Response string                 `json:"response"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CachePutResponse is the JSON response for POST /v1/cache.
type CachePutResponse struct {
	CacheKey  string `json:"cache_key"`
	ExpiresIn int64  `json:"expires_in"`
}

// LookupResponse is the JSON response for GET /v1/cache/lookup. A miss
// is a 200 with found=false, not an error status.
type LookupResponse struct {
	Found    bool                   `json:"found"`
	Response string                 `json:"response,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	HitCount int64                  `json:"hit_count,omitempty"`
}

// SimilarRequest is the JSON request body for POST /v1/cache/similar.
type SimilarRequest struct {
	Query     string  `json:"query"`
	Threshold float64 `json:"threshold,omitempty"`
}

// SimilarResponse is the JSON response for POST /v1/cache/similar.
type SimilarResponse struct {
	Matches []similarityMatch `json:"matches"`
	Count   int               `json:"count"`
}

type similarityMatch struct {
	Query      string  `json:"query"`
	Response   string  `json:"response"`
	Similarity float64 `json:"similarity"`
}

// ClearResponse is the JSON response for DELETE /v1/cache.
type ClearResponse struct {
	Cleared int64 `json:"cleared"`
}

// ChatAppendRequest is the JSON request body for POST /v1/chat/history.
type ChatAppendRequest struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// AskRequest is the JSON request body for POST /v1/chat/ask.
type AskRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// AskAnswer is the answer payload streamed by POST /v1/chat/ask.
type AskAnswer struct {
	Response   string  `json:"response"`
	Source     string  `json:"source"` // cache, similar, or generated
	Similarity float64 `json:"similarity,omitempty"`
}

// routes builds the route table with metrics instrumentation per endpoint.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	mux.HandleFunc("/v1/cache", s.instrument("/v1/cache", s.requireAuth(s.handleCache)))
	mux.HandleFunc("/v1/cache/lookup", s.instrument("/v1/cache/lookup", s.requireAuth(s.handleLookup)))
	mux.HandleFunc("/v1/cache/similar", s.instrument("/v1/cache/similar", s.requireAuth(s.handleSimilar)))
	mux.HandleFunc("/v1/cache/stats", s.instrument("/v1/cache/stats", s.requireAuth(s.handleStats)))
	mux.HandleFunc("/v1/cache/entries", s.instrument("/v1/cache/entries", s.requireAuth(s.handleEntries)))
	mux.HandleFunc("/v1/chat/history", s.instrument("/v1/chat/history", s.requireAuth(s.handleChatHistory)))
	mux.HandleFunc("/v1/chat/history/", s.instrument("/v1/chat/history", s.requireAuth(s.handleChatHistoryByID)))
	mux.HandleFunc("/v1/chat/ask", s.instrument("/v1/chat/ask", s.requireAuth(s.handleAsk)))
	mux.HandleFunc("/v1/passes", s.instrument("/v1/passes", s.handlePasses))
	mux.HandleFunc("/v1/passes/cities", s.instrument("/v1/passes/cities", s.handleCities))
	mux.HandleFunc("/v1/passes/countries", s.instrument("/v1/passes/countries", s.handleCountries))

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// instrument wraps a handler with Prometheus request accounting.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return s.metrics.Middleware(endpoint, next)
}

// requireAuth enforces bearer-token auth when API keys are configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.hasAuth {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")
			if !s.validKeys[token] {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "Orbitcache API",
		"version": "0.2.0",
		"endpoints": map[string]string{
			"cache":   "POST|DELETE /v1/cache",
			"lookup":  "GET /v1/cache/lookup?query=...",
			"similar": "POST /v1/cache/similar",
			"stats":   "GET /v1/cache/stats",
			"entries": "GET /v1/cache/entries",
			"chat":    "POST|GET /v1/chat/history",
			"ask":     "POST /v1/chat/ask",
			"passes":  "GET /v1/passes?city=&country=&date=",
			"health":  "GET /health",
			"metrics": "GET /metrics",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"store":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCache dispatches POST (store) and DELETE (clear) on /v1/cache.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCachePut(w, r)
	case http.MethodDelete:
		s.handleCacheClear(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	var req CachePutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	ctx, span := s.tracer.StartStore(r.Context(), req.Query)
	defer span.End()

	key, err := s.cache.Put(ctx, req.Query, req.Response, req.Metadata)
	if err != nil {
		if errors.Is(err, respcache.ErrEmptyQuery) || errors.Is(err, respcache.ErrEmptyResponse) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		telemetry.RecordError(span, err)
		http.Error(w, fmt.Sprintf("Cache write failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, CachePutResponse{
		CacheKey:  key,
		ExpiresIn: int64(s.cache.TTL().Seconds()),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.cache.ClearAll(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Clear failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Cleared: cleared})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "Query parameter 'query' is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	ctx, span := s.tracer.StartLookup(r.Context(), query)
	defer span.End()

	entry, hit, err := s.cache.Get(ctx, query)
	if err != nil {
		telemetry.RecordError(span, err)
		http.Error(w, fmt.Sprintf("Lookup failed: %v", err), http.StatusInternalServerError)
		return
	}

	telemetry.RecordLookupResult(span, hit, time.Since(start))
	s.metrics.RecordLookup(hit)

	resp := LookupResponse{Found: hit}
	if hit {
		resp.Response = entry.Response
		resp.Metadata = entry.Metadata
		resp.HitCount = entry.HitCount
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SimilarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "Field 'query' is required", http.StatusBadRequest)
		return
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		http.Error(w, "Field 'threshold' must be between 0 and 1", http.StatusBadRequest)
		return
	}

	start := time.Now()
	ctx, span := s.tracer.StartSimilarity(r.Context(), len(strings.Fields(req.Query)), req.Threshold)
	defer span.End()

	matches, err := s.cache.FindSimilar(ctx, req.Query, req.Threshold)
	if err != nil {
		telemetry.RecordError(span, err)
		http.Error(w, fmt.Sprintf("Similarity search failed: %v", err), http.StatusInternalServerError)
		return
	}

	telemetry.RecordSimilarityResult(span, len(matches), len(matches), time.Since(start))
	s.metrics.RecordSimilarity("/v1/cache/similar", len(matches))

	out := make([]similarityMatch, len(matches))
	for i, m := range matches {
		out[i] = similarityMatch{Query: m.Query, Response: m.Response, Similarity: m.Similarity}
	}
	writeJSON(w, http.StatusOK, SimilarResponse{Matches: out, Count: len(out)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	record, err := s.cache.Stats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Stats read failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries, err := s.cache.ListAll(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Listing failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req ChatAppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
			return
		}
		history, err := s.chat.Append(r.Context(), req.SessionID, chat.Message{
			Role:    req.Role,
			Content: req.Content,
		})
		if err != nil {
			if errors.Is(err, chat.ErrNoSession) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, fmt.Sprintf("History write failed: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, history)

	case http.MethodGet:
		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			http.Error(w, "Query parameter 'session_id' is required", http.StatusBadRequest)
			return
		}
		history, err := s.chat.Get(r.Context(), sessionID)
		if err != nil {
			http.Error(w, fmt.Sprintf("History read failed: %v", err), http.StatusInternalServerError)
			return
		}
		if history == nil {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, history)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleChatHistoryByID serves GET /v1/chat/history/{sessionId}.
func (s *Server) handleChatHistoryByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/v1/chat/history/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return
	}

	history, err := s.chat.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, fmt.Sprintf("History read failed: %v", err), http.StatusInternalServerError)
		return
	}
	if history == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleAsk answers a chat question, streaming progress over SSE.
// Resolution order: exact cache hit, then similarity match, then
// upstream generation (cached for next time).
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "Field 'query' is required", http.StatusBadRequest)
		return
	}

	// Stream stage events only when the client asks for them.
	var stream *sse.Writer
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		stream = sse.NewWriter(w)
		if stream == nil {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}
	}

	ctx := r.Context()
	timer := sse.NewStageTimer(sse.StageLookup)
	if stream != nil {
		_ = stream.SendProgress(sse.StageLookup, 0)
	}

	answer, err := s.resolveAnswer(ctx, req.Query, stream)
	if err != nil {
		if stream != nil {
			_ = stream.SendError(sse.StageGeneration, err.Error())
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if req.SessionID != "" {
		if stream != nil {
			_ = stream.SendProgress(sse.StageStore, 0)
		}
		if _, err := s.chat.Append(ctx, req.SessionID, chat.Message{Role: "user", Content: req.Query}); err == nil {
			_, _ = s.chat.Append(ctx, req.SessionID, chat.Message{Role: "assistant", Content: answer.Response})
		}
		if stream != nil {
			_ = stream.SendProgress(sse.StageStore, 1.0)
		}
	}

	if stream != nil {
		_ = stream.SendComplete(answer, map[string]interface{}{
			"source":     answer.Source,
			"latency_ms": timer.ElapsedMs(),
		})
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// resolveAnswer walks the lookup pipeline and reports progress on stream
// (which may be nil). Store failures fail open: a broken cache degrades
// to generation instead of failing the request.
func (s *Server) resolveAnswer(ctx context.Context, question string, stream *sse.Writer) (*AskAnswer, error) {
	progress := func(stage sse.Stage, p float64) {
		if stream != nil {
			_ = stream.SendProgress(stage, p)
		}
	}

	storeUp := true
	entry, hit, err := s.cache.Get(ctx, question)
	if err != nil {
		fmt.Printf("Warning: cache lookup failed, falling through to generation: %v\n", err)
		storeUp = false
	} else {
		s.metrics.RecordLookup(hit)
	}
	progress(sse.StageLookup, 1.0)

	if hit {
		return &AskAnswer{Response: entry.Response, Source: "cache"}, nil
	}

	if storeUp {
		progress(sse.StageSimilarity, 0)
		matches, err := s.cache.FindSimilar(ctx, question, 0)
		if err != nil {
			fmt.Printf("Warning: similarity search failed: %v\n", err)
			storeUp = false
		} else {
			s.metrics.RecordSimilarity("/v1/chat/ask", len(matches))
			if stream != nil {
				_ = stream.SendProgressWithStats(sse.StageSimilarity, 1.0, map[string]int{"matches": len(matches)})
			}
			if len(matches) > 0 {
				best := matches[0]
				return &AskAnswer{Response: best.Response, Source: "similar", Similarity: best.Similarity}, nil
			}
		}
	}

	if s.generator == nil {
		return nil, fmt.Errorf("no cached answer and no generation provider configured")
	}

	progress(sse.StageGeneration, 0)
	start := time.Now()
	genCtx, span := s.tracer.StartGeneration(ctx, s.generator.Model())
	response, err := s.generator.Generate(genCtx, question)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	s.metrics.RecordGeneration(time.Since(start))
	progress(sse.StageGeneration, 1.0)

	// Cache the fresh answer so the next rephrasing hits.
	if storeUp {
		if _, err := s.cache.Put(ctx, question, response, map[string]interface{}{"source": "generated"}); err != nil {
			fmt.Printf("Warning: failed to cache generated answer: %v\n", err)
		}
	}

	return &AskAnswer{Response: response, Source: "generated"}, nil
}

func (s *Server) handlePasses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil {
		http.Error(w, "Pass catalog not loaded", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	results := s.catalog.Filter(q.Get("city"), q.Get("country"), q.Get("date"))
	if len(results) == 0 {
		http.Error(w, "No passes found for the given criteria", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"passes": results,
		"count":  len(results),
	})
}

func (s *Server) handleCities(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		http.Error(w, "Pass catalog not loaded", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cities": s.catalog.Cities()})
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		http.Error(w, "Pass catalog not loaded", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"countries": s.catalog.Countries()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
