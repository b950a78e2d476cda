package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/stationside/orbitcache/pkg/cache"
	"github.com/stationside/orbitcache/pkg/respcache"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start Orbitcache as an MCP server",
	Long: `Starts Orbitcache as a Model Context Protocol (MCP) server.

This lets AI assistants like Claude, Amp, and Cursor consult the response
cache directly: look up answers, search for similar past questions, and
store fresh answers for future reuse.

Transports:
  stdio (default) - For local desktop apps (Claude Desktop, Cursor)
  http            - For remote/cloud deployments (hosted MCP server)

Tools exposed:
  cache_lookup         - Look up a cached answer by question
  cache_store          - Cache a question/answer pair
  find_similar_queries - Find cached questions similar to a new one
  cache_stats          - Report hit/miss statistics

Resources exposed:
  orbitcache://system-prompt - System prompt for AI assistants
  orbitcache://config        - Current cache configuration

Example:
  # Local stdio server (Claude Desktop, Cursor, Amp)
  orbitcache mcp

  # Remote HTTP server (hosted deployment)
  orbitcache mcp --transport http --port 8081

Configure in Claude Desktop (claude_desktop_config.json):
  {
    "mcpServers": {
      "orbitcache": {
        "command": "orbitcache",
        "args": ["mcp"]
      }
    }
  }`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	// Transport settings
	mcpCmd.Flags().String("transport", "stdio", "Transport type: stdio or http")
	mcpCmd.Flags().Int("port", 8081, "HTTP server port (for http transport)")
	mcpCmd.Flags().String("host", "0.0.0.0", "HTTP server host (for http transport)")

	// Store settings
	mcpCmd.Flags().String("redis-addr", "", "Redis address (or use REDIS_ADDR)")
	mcpCmd.Flags().Bool("memory", false, "Use the in-memory store instead of Redis (dev only)")
	mcpCmd.Flags().String("prefix", "orbitcache:", "Cache key prefix")

	// Cache settings
	mcpCmd.Flags().Float64("threshold", 0, "Default similarity threshold (default 0.7)")
}

// MCPCacheServer wraps the MCP server with response cache capabilities.
type MCPCacheServer struct {
	cache *respcache.Service
	opts  respcache.Options
}

func runMCP(cmd *cobra.Command, args []string) error {
	transport, _ := cmd.Flags().GetString("transport")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")
	useMemory, _ := cmd.Flags().GetBool("memory")
	prefix, _ := cmd.Flags().GetString("prefix")
	threshold, _ := cmd.Flags().GetFloat64("threshold")

	if redisAddr == "" {
		redisAddr = os.Getenv("REDIS_ADDR")
	}

	// Build the backing store
	var store cache.Store
	if useMemory {
		store = cache.NewMemoryStore(cache.DefaultMemoryConfig())
	} else {
		cfg := cache.DefaultRedisConfig()
		if redisAddr != "" {
			cfg.Addr = redisAddr
		}
		cfg.Password = os.Getenv("REDIS_PASSWORD")

		var err error
		store, err = cache.NewRedisStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
		}
	}
	defer func() { _ = store.Close() }()

	opts := respcache.DefaultOptions()
	if prefix != "" {
		opts.KeyPrefix = prefix
	}
	if threshold > 0 {
		opts.SimilarityThreshold = threshold
	}

	mcpSrv := &MCPCacheServer{
		cache: respcache.NewService(store, opts),
		opts:  opts,
	}

	// Create MCP server with capabilities
	s := server.NewMCPServer(
		"Orbitcache",
		"0.2.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(false),
	)

	// Register tools, resources, and prompts
	mcpSrv.registerTools(s)
	mcpSrv.registerResources(s)
	mcpSrv.registerPrompts(s)

	// Start server based on transport
	switch transport {
	case "stdio":
		if err := server.ServeStdio(s); err != nil {
			return fmt.Errorf("MCP server error: %w", err)
		}

	case "http":
		addr := fmt.Sprintf("%s:%d", host, port)
		fmt.Printf("Orbitcache MCP server starting on http://%s\n", addr)
		fmt.Printf("  Endpoint: http://%s/mcp\n", addr)
		fmt.Printf("  Health:   http://%s/health\n", addr)
		fmt.Println()

		mux := http.NewServeMux()

		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","server":"orbitcache-mcp"}`))
		})

		// MCP endpoint with stateful sessions
		mcpHandler := server.NewStreamableHTTPServer(s, server.WithStateful(true))
		mux.Handle("/mcp", mcpHandler)

		httpServer := &http.Server{
			Addr:    addr,
			Handler: mux,
		}

		if err := httpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}

	default:
		return fmt.Errorf("unsupported transport: %s (use 'stdio' or 'http')", transport)
	}

	return nil
}

func (m *MCPCacheServer) registerTools(s *server.MCPServer) {
	lookupTool := mcp.NewTool("cache_lookup",
		mcp.WithDescription(`Look up a cached answer for a question about the ISS.

WHEN TO USE: Call this BEFORE generating an answer to any ISS question.
Questions are normalized (case, punctuation, whitespace), so rephrasings
like "What is the ISS?" and "what is the iss" hit the same entry.

OUTPUT: The cached answer with hit count and timestamps, or a miss.`),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The user's question text"),
		),
	)
	s.AddTool(lookupTool, m.handleCacheLookup)

	storeTool := mcp.NewTool("cache_store",
		mcp.WithDescription(`Cache a question/answer pair for future reuse.

Call this after generating a fresh answer so the next user asking the
same (or a rephrased) question gets the cached response instantly.`),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question that was answered"),
		),
		mcp.WithString("response",
			mcp.Required(),
			mcp.Description("The answer to cache"),
		),
	)
	s.AddTool(storeTool, m.handleCacheStore)

	similarTool := mcp.NewTool("find_similar_queries",
		mcp.WithDescription(`Find cached questions similar to a new one.

Uses Jaccard similarity over word sets. Useful when an exact lookup
misses but a near-duplicate answer may already exist.`),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question to compare against the cache"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Minimum similarity from 0 to 1 (default: 0.7)"),
		),
	)
	s.AddTool(similarTool, m.handleFindSimilar)

	statsTool := mcp.NewTool("cache_stats",
		mcp.WithDescription(`Report cache statistics: total entries, hits, misses, hit rate.

Use this to judge how well the cache is serving the current workload.`),
	)
	s.AddTool(statsTool, m.handleCacheStats)
}

// System prompt that guides AI assistants to use the cache
const systemPromptContent = `You have access to Orbitcache, a response cache for ISS dashboard questions.

IMPORTANT: Before answering any question about the ISS:
1. Call cache_lookup with the question. If it hits, use the cached answer.
2. If it misses, call find_similar_queries. A match above the threshold
   usually means the cached answer applies to the new phrasing.
3. After generating a fresh answer, call cache_store so future users get
   the answer instantly.

Questions are normalized before keying, so case, punctuation, and extra
whitespace never cause duplicate entries.`

func (m *MCPCacheServer) registerResources(s *server.MCPServer) {
	systemPrompt := mcp.NewResource(
		"orbitcache://system-prompt",
		"Orbitcache System Prompt",
		mcp.WithResourceDescription("System prompt that guides AI to use the response cache effectively"),
		mcp.WithMIMEType("text/plain"),
	)

	s.AddResource(systemPrompt, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "orbitcache://system-prompt",
				MIMEType: "text/plain",
				Text:     systemPromptContent,
			},
		}, nil
	})

	configResource := mcp.NewResource(
		"orbitcache://config",
		"Orbitcache Configuration",
		mcp.WithResourceDescription("Current cache configuration and defaults"),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(configResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		config := map[string]interface{}{
			"key_prefix":           m.opts.KeyPrefix,
			"ttl":                  m.opts.TTL.String(),
			"ttl_mode":             string(m.opts.TTLMode),
			"similarity_threshold": m.opts.SimilarityThreshold,
			"max_candidates":       m.opts.MaxCandidates,
		}
		configJSON, _ := json.MarshalIndent(config, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "orbitcache://config",
				MIMEType: "application/json",
				Text:     string(configJSON),
			},
		}, nil
	})
}

func (m *MCPCacheServer) registerPrompts(s *server.MCPServer) {
	answerPrompt := mcp.NewPrompt(
		"answer-with-cache",
		mcp.WithPromptDescription("Answer an ISS question, consulting the response cache first"),
		mcp.WithArgument("question", mcp.ArgumentDescription("The user's question to answer")),
	)

	s.AddPrompt(answerPrompt, func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		question := request.Params.Arguments["question"]

		return &mcp.GetPromptResult{
			Description: "Answer using the response cache",
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: mcp.TextContent{
						Type: "text",
						Text: fmt.Sprintf(`I need to answer this question: %s

Please:
1. First, call cache_lookup with the question
2. If it misses, call find_similar_queries to check for a rephrased match
3. If nothing applies, answer from your knowledge and call cache_store
   with the question and your answer`, question),
					},
				},
			},
		}, nil
	})
}

func (m *MCPCacheServer) handleCacheLookup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	entry, hit, err := m.cache.Get(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
	}

	result := map[string]interface{}{"hit": hit}
	if hit {
		result["entry"] = entry
	}

	resultJSON, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func (m *MCPCacheServer) handleCacheStore(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}
	response, err := request.RequireString("response")
	if err != nil {
		return mcp.NewToolResultError("response parameter is required"), nil
	}

	key, err := m.cache.Put(ctx, query, response, map[string]interface{}{"source": "mcp"})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("store failed: %v", err)), nil
	}

	result := map[string]interface{}{
		"cached": true,
		"key":    key,
	}
	resultJSON, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func (m *MCPCacheServer) handleFindSimilar(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	threshold := request.GetFloat("threshold", 0)
	if threshold < 0 || threshold > 1 {
		return mcp.NewToolResultError("threshold must be between 0 and 1"), nil
	}

	matches, err := m.cache.FindSimilar(ctx, query, threshold)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("similarity search failed: %v", err)), nil
	}

	result := map[string]interface{}{
		"matches": matches,
		"count":   len(matches),
	}
	resultJSON, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func (m *MCPCacheServer) handleCacheStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	record, err := m.cache.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats read failed: %v", err)), nil
	}

	resultJSON, _ := json.MarshalIndent(record, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}
