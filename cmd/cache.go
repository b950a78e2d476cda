package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stationside/orbitcache/pkg/cache"
	"github.com/stationside/orbitcache/pkg/respcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the response cache",
	Long: `Operates directly on the Redis-backed response cache.
Useful for testing normalization, tuning the similarity threshold,
and clearing stale entries.

Requires a reachable Redis (REDIS_ADDR, default localhost:6379).`,
}

var cacheLookupCmd = &cobra.Command{
	Use:   "lookup [query]",
	Short: "Look up a cached response by query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCacheLookup,
}

var cacheSimilarCmd = &cobra.Command{
	Use:   "similar [query]",
	Short: "Find cached queries similar to the given one",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCacheSimilar,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache hit/miss statistics",
	RunE:  runCacheStats,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached entries, most recently used first",
	RunE:  runCacheList,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached entries and statistics",
	RunE:  runCacheClear,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheLookupCmd, cacheSimilarCmd, cacheStatsCmd, cacheListCmd, cacheClearCmd)

	cacheCmd.PersistentFlags().String("redis-addr", "", "Redis address (or use REDIS_ADDR)")
	cacheCmd.PersistentFlags().String("prefix", "orbitcache:", "Cache key prefix")

	cacheSimilarCmd.Flags().Float64("threshold", 0, "Similarity threshold (default 0.7)")
	cacheClearCmd.Flags().Bool("yes", false, "Skip confirmation")
}

// cacheService connects to Redis and builds the cache service for CLI use.
func cacheService(cmd *cobra.Command) (*respcache.Service, cache.Store, error) {
	addr, _ := cmd.Flags().GetString("redis-addr")
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	prefix, _ := cmd.Flags().GetString("prefix")

	cfg := cache.DefaultRedisConfig()
	if addr != "" {
		cfg.Addr = addr
	}
	cfg.Password = os.Getenv("REDIS_PASSWORD")

	store, err := cache.NewRedisStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	opts := respcache.DefaultOptions()
	if prefix != "" {
		opts.KeyPrefix = prefix
	}
	return respcache.NewService(store, opts), store, nil
}

// cliContext returns a context cancelled by Ctrl-C.
func cliContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nCancelled")
		cancel()
	}()

	return ctx, cancel
}

func runCacheLookup(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	svc, store, err := cacheService(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := cliContext()
	defer cancel()

	entry, hit, err := svc.Get(ctx, query)
	if err != nil {
		return fmt.Errorf("lookup failed: %w", err)
	}

	if !hit {
		fmt.Println("Miss: no cached response for this query.")
		return nil
	}

	fmt.Printf("Hit (key %s)\n\n", entry.NormalizedKey)
	fmt.Printf("Query:         %s\n", entry.Query)
	fmt.Printf("Response:      %s\n", entry.Response)
	fmt.Printf("Hit count:     %d\n", entry.HitCount)
	fmt.Printf("Created:       %s\n", entry.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Last accessed: %s\n", entry.LastAccessed.Format("2006-01-02 15:04:05"))
	return nil
}

func runCacheSimilar(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	threshold, _ := cmd.Flags().GetFloat64("threshold")

	svc, store, err := cacheService(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := cliContext()
	defer cancel()

	matches, err := svc.FindSimilar(ctx, query, threshold)
	if err != nil {
		return fmt.Errorf("similarity search failed: %w", err)
	}

	if len(matches) == 0 {
		fmt.Println("No similar cached queries found.")
		return nil
	}

	fmt.Printf("=== Matches (%d) ===\n\n", len(matches))
	for i, m := range matches {
		fmt.Printf("[%d] %.3f  %s\n", i+1, m.Similarity, m.Query)
		response := m.Response
		if len(response) > 200 {
			response = response[:200] + "..."
		}
		response = strings.Join(strings.Fields(response), " ")
		fmt.Printf("    %s\n\n", response)
	}
	return nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	svc, store, err := cacheService(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := cliContext()
	defer cancel()

	record, err := svc.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats read failed: %w", err)
	}

	fmt.Println("=== Cache Statistics ===")
	fmt.Printf("Total cached:  %d\n", record.TotalCached)
	fmt.Printf("Hits:          %d\n", record.CacheHits)
	fmt.Printf("Misses:        %d\n", record.CacheMisses)
	fmt.Printf("Hit rate:      %.1f%%\n", record.HitRate)
	if !record.LastUpdated.IsZero() {
		fmt.Printf("Last updated:  %s\n", record.LastUpdated.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runCacheList(cmd *cobra.Command, args []string) error {
	svc, store, err := cacheService(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := cliContext()
	defer cancel()

	entries, err := svc.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("listing failed: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("Cache is empty.")
		return nil
	}

	fmt.Printf("=== Cached Entries (%d) ===\n\n", len(entries))
	for i, e := range entries {
		fmt.Printf("[%d] %s\n", i+1, e.Query)
		fmt.Printf("    Hits: %d  |  Last accessed: %s\n", e.HitCount, e.LastAccessed.Format("2006-01-02 15:04:05"))
		fmt.Printf("    %s\n\n", e.Preview)
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		fmt.Print("This deletes all cached entries and statistics. Continue? [y/N] ")
		var answer string
		_, _ = fmt.Scanln(&answer)
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	svc, store, err := cacheService(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := cliContext()
	defer cancel()

	cleared, err := svc.ClearAll(ctx)
	if err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}

	fmt.Printf("Cleared %d cached entries.\n", cleared)
	return nil
}
