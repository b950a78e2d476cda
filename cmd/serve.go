package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stationside/orbitcache/pkg/cache"
	"github.com/stationside/orbitcache/pkg/chat"
	"github.com/stationside/orbitcache/pkg/config"
	"github.com/stationside/orbitcache/pkg/generate"
	"github.com/stationside/orbitcache/pkg/metrics"
	"github.com/stationside/orbitcache/pkg/passes"
	"github.com/stationside/orbitcache/pkg/respcache"
	"github.com/stationside/orbitcache/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Orbitcache HTTP server",
	Long: `Starts the HTTP server that fronts the response cache, chat
history, and visible-pass catalog.

Example:
  orbitcache serve --port 8080 --redis-addr localhost:6379

The server exposes:
  POST   /v1/cache          - Store a query/response pair
  GET    /v1/cache/lookup   - Exact lookup by normalized query
  POST   /v1/cache/similar  - Jaccard similarity search
  GET    /v1/cache/stats    - Hit/miss statistics
  DELETE /v1/cache          - Clear all cached entries
  GET    /v1/cache/entries  - List cached entries
  POST   /v1/chat/ask       - Answer a question (SSE stream)
  GET    /v1/passes         - Visible-pass sightings
  GET    /health            - Health check (pings the store)
  GET    /metrics           - Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server settings
	serveCmd.Flags().IntP("port", "p", 8080, "HTTP server port")
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP server host")

	// Store settings
	serveCmd.Flags().String("redis-addr", "", "Redis address (or use REDIS_ADDR)")
	serveCmd.Flags().Bool("memory", false, "Use the in-memory store instead of Redis (dev only)")

	// Cache settings
	serveCmd.Flags().Duration("ttl", 0, "Cache entry TTL (default 168h)")
	serveCmd.Flags().String("ttl-mode", "", "TTL mode on hit rewrites: sliding or fixed")
	serveCmd.Flags().Float64("threshold", 0, "Similarity threshold (default 0.7)")

	// Generation settings
	serveCmd.Flags().String("openai-key", "", "OpenAI API key for answer generation (or use OPENAI_API_KEY)")

	// Passes settings
	serveCmd.Flags().String("passes-dir", "", "Directory of visible-pass XML files")

	// Auth
	serveCmd.Flags().String("api-keys", "", "Comma-separated list of valid API keys (or use ORBITCACHE_API_KEYS)")

	// Bind to viper
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	// Flags override file config
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if addr, _ := cmd.Flags().GetString("redis-addr"); addr != "" {
		cfg.Redis.Addr = addr
	} else if env := os.Getenv("REDIS_ADDR"); env != "" {
		cfg.Redis.Addr = env
	}
	if ttl, _ := cmd.Flags().GetDuration("ttl"); ttl > 0 {
		cfg.Cache.TTL = ttl
	}
	if mode, _ := cmd.Flags().GetString("ttl-mode"); mode != "" {
		cfg.Cache.TTLMode = mode
	}
	if threshold, _ := cmd.Flags().GetFloat64("threshold"); threshold > 0 {
		cfg.Cache.SimilarityThreshold = threshold
	}
	if dir, _ := cmd.Flags().GetString("passes-dir"); dir != "" {
		cfg.Passes.DataDir = dir
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	ctx := context.Background()

	// Create the backing store
	useMemory, _ := cmd.Flags().GetBool("memory")
	var store cache.Store
	if useMemory {
		store = cache.NewMemoryStore(cache.DefaultMemoryConfig())
	} else {
		store, err = cache.NewRedisStore(cache.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)
		}
	}
	defer func() { _ = store.Close() }()

	// Response cache service
	svc := respcache.NewService(store, respcache.Options{
		KeyPrefix:           cfg.Cache.KeyPrefix,
		TTL:                 cfg.Cache.TTL,
		TTLMode:             respcache.TTLMode(cfg.Cache.TTLMode),
		StatsTTL:            cfg.Cache.StatsTTL,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		MaxCandidates:       cfg.Cache.MaxCandidates,
	})

	// Chat history store
	chatStore := chat.NewStore(store, chat.Options{
		KeyPrefix: cfg.Chat.KeyPrefix,
		TTL:       cfg.Chat.TTL,
	})

	// Answer generation, if a key is available
	openaiKey, _ := cmd.Flags().GetString("openai-key")
	if openaiKey == "" {
		openaiKey = os.Getenv("OPENAI_API_KEY")
	}
	var generator *generate.Client
	if openaiKey != "" {
		generator, err = generate.NewClient(generate.Config{
			APIKey:     openaiKey,
			Model:      cfg.Generation.Model,
			BaseURL:    cfg.Generation.BaseURL,
			Timeout:    cfg.Generation.Timeout,
			MaxRetries: cfg.Generation.MaxRetries,
		})
		if err != nil {
			return fmt.Errorf("failed to create generation client: %w", err)
		}
	}

	// Visible-pass catalog
	var catalog *passes.Catalog
	if cfg.Passes.DataDir != "" {
		if _, statErr := os.Stat(cfg.Passes.DataDir); statErr == nil {
			catalog, err = passes.LoadDir(cfg.Passes.DataDir, nil)
			if err != nil {
				return fmt.Errorf("failed to load pass catalog: %w", err)
			}
		}
	}

	// Telemetry
	tracer, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Tracing.Enabled,
		Exporter:    cfg.Telemetry.Tracing.Exporter,
		Endpoint:    cfg.Telemetry.Tracing.Endpoint,
		SampleRate:  cfg.Telemetry.Tracing.SampleRate,
		ServiceName: "orbitcache",
		Insecure:    cfg.Telemetry.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	// API keys
	validKeys := parseAPIKeys(cmd, cfg)

	server := &Server{
		cache:     svc,
		chat:      chatStore,
		store:     store,
		generator: generator,
		catalog:   catalog,
		metrics:   metrics.New(),
		tracer:    tracer,
		validKeys: validKeys,
		hasAuth:   len(validKeys) > 0,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Fprintln(os.Stderr, "\nShutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Server shutdown error: %v\n", err)
		}
		close(done)
	}()

	// Start server
	fmt.Printf("Orbitcache server starting on %s\n", addr)
	if useMemory {
		fmt.Println("  Store: in-memory (dev)")
	} else {
		fmt.Printf("  Store: redis at %s\n", cfg.Redis.Addr)
	}
	fmt.Printf("  TTL: %s (%s)\n", cfg.Cache.TTL, cfg.Cache.TTLMode)
	fmt.Printf("  Generation: %v\n", generator != nil)
	if catalog != nil {
		fmt.Printf("  Passes: %d sightings loaded\n", catalog.Len())
	}
	fmt.Printf("  Auth: %v (%d keys)\n", server.hasAuth, len(validKeys))
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  POST http://%s/v1/cache\n", addr)
	fmt.Printf("  GET  http://%s/v1/cache/lookup?query=...\n", addr)
	fmt.Printf("  POST http://%s/v1/chat/ask\n", addr)
	fmt.Printf("  GET  http://%s/health\n", addr)
	fmt.Println()

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	fmt.Println("Server stopped")
	return nil
}

// parseAPIKeys collects API keys from the flag, environment, and config file.
func parseAPIKeys(cmd *cobra.Command, cfg *config.Config) map[string]bool {
	keysStr, _ := cmd.Flags().GetString("api-keys")
	if keysStr == "" {
		keysStr = os.Getenv("ORBITCACHE_API_KEYS")
	}

	validKeys := make(map[string]bool)
	if keysStr != "" {
		for _, key := range strings.Split(keysStr, ",") {
			key = strings.TrimSpace(key)
			if key != "" {
				validKeys[key] = true
			}
		}
	}
	for _, key := range cfg.Auth.APIKeys {
		if key != "" {
			validKeys[key] = true
		}
	}
	return validKeys
}
