// Package config provides configuration file support for Orbitcache.
// It handles loading, validation, and environment variable interpolation
// for orbitcache.yaml configuration files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full Orbitcache configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Generation GenerationConfig `mapstructure:"generation"`
	Passes     PassesConfig     `mapstructure:"passes"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// CacheConfig holds response-cache settings.
type CacheConfig struct {
	KeyPrefix           string        `mapstructure:"key_prefix"`
	TTL                 time.Duration `mapstructure:"ttl"`
	TTLMode             string        `mapstructure:"ttl_mode"`
	StatsTTL            time.Duration `mapstructure:"stats_ttl"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	MaxCandidates       int           `mapstructure:"max_candidates"`
}

// ChatConfig holds chat history settings.
type ChatConfig struct {
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// GenerationConfig holds chat completion provider settings.
type GenerationConfig struct {
	Model      string        `mapstructure:"model"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// PassesConfig holds visible-pass catalog settings.
type PassesConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Cache: CacheConfig{
			KeyPrefix:           "orbitcache:",
			TTL:                 7 * 24 * time.Hour,
			TTLMode:             "sliding",
			StatsTTL:            30 * 24 * time.Hour,
			SimilarityThreshold: 0.7,
			MaxCandidates:       512,
		},
		Chat: ChatConfig{
			KeyPrefix: "orbitchat:",
			TTL:       30 * 24 * time.Hour,
		},
		Generation: GenerationConfig{
			Model:      "gpt-4o-mini",
			Timeout:    60 * time.Second,
			MaxRetries: 3,
		},
		Passes: PassesConfig{
			DataDir: "data",
		},
		Auth: AuthConfig{
			APIKeys: []string{},
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "otlp",
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
				Insecure:   true,
			},
		},
	}
}

// Load reads configuration from the given viper instance and returns
// a validated Config. Environment variables in string values are
// interpolated using ${VAR} syntax.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Interpolate environment variables in string fields
	interpolateConfig(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads a specific config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Validate checks the configuration for errors and returns a descriptive
// error if any field is invalid.
func Validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port: must be between 0 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout: must be non-negative")
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout: must be non-negative")
	}

	// Redis validation
	if cfg.Redis.Addr == "" {
		errs = append(errs, "redis.addr: must not be empty")
	}
	if cfg.Redis.DB < 0 {
		errs = append(errs, "redis.db: must be non-negative")
	}
	if cfg.Redis.PoolSize < 0 {
		errs = append(errs, "redis.pool_size: must be non-negative")
	}

	// Cache validation
	if cfg.Cache.TTL < 0 {
		errs = append(errs, "cache.ttl: must be non-negative")
	}
	validModes := map[string]bool{"sliding": true, "fixed": true, "": true}
	if !validModes[cfg.Cache.TTLMode] {
		errs = append(errs, fmt.Sprintf("cache.ttl_mode: unsupported mode %q (supported: sliding, fixed)", cfg.Cache.TTLMode))
	}
	if cfg.Cache.StatsTTL < 0 {
		errs = append(errs, "cache.stats_ttl: must be non-negative")
	}
	if cfg.Cache.SimilarityThreshold < 0 || cfg.Cache.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Sprintf("cache.similarity_threshold: must be between 0 and 1, got %f", cfg.Cache.SimilarityThreshold))
	}
	if cfg.Cache.MaxCandidates < 0 {
		errs = append(errs, "cache.max_candidates: must be non-negative")
	}

	// Chat validation
	if cfg.Chat.TTL < 0 {
		errs = append(errs, "chat.ttl: must be non-negative")
	}

	// Generation validation
	if cfg.Generation.MaxRetries < 0 {
		errs = append(errs, "generation.max_retries: must be non-negative")
	}

	// Telemetry validation
	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)", cfg.Telemetry.Tracing.Exporter))
	}
	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.sample_rate: must be between 0 and 1, got %f", cfg.Telemetry.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in a string
// with the corresponding environment variable values.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		return match
	})
}

// interpolateConfig applies environment variable interpolation to all
// string fields in the config.
func interpolateConfig(cfg *Config) {
	cfg.Server.Host = InterpolateEnv(cfg.Server.Host)
	cfg.Redis.Addr = InterpolateEnv(cfg.Redis.Addr)
	cfg.Redis.Password = InterpolateEnv(cfg.Redis.Password)
	cfg.Cache.KeyPrefix = InterpolateEnv(cfg.Cache.KeyPrefix)
	cfg.Cache.TTLMode = InterpolateEnv(cfg.Cache.TTLMode)
	cfg.Chat.KeyPrefix = InterpolateEnv(cfg.Chat.KeyPrefix)
	cfg.Generation.Model = InterpolateEnv(cfg.Generation.Model)
	cfg.Generation.BaseURL = InterpolateEnv(cfg.Generation.BaseURL)
	cfg.Passes.DataDir = InterpolateEnv(cfg.Passes.DataDir)

	for i, key := range cfg.Auth.APIKeys {
		cfg.Auth.APIKeys[i] = InterpolateEnv(key)
	}

	cfg.Telemetry.Tracing.Exporter = InterpolateEnv(cfg.Telemetry.Tracing.Exporter)
	cfg.Telemetry.Tracing.Endpoint = InterpolateEnv(cfg.Telemetry.Tracing.Endpoint)
}

// GenerateTemplate returns a YAML template string with all available
// configuration options and their defaults, suitable for writing to
// an orbitcache.yaml file.
func GenerateTemplate() string {
	return `# Orbitcache Configuration

server:
  port: 8080
  host: 0.0.0.0
  read_timeout: 30s
  write_timeout: 60s

redis:
  addr: ${REDIS_ADDR:-localhost:6379}
  password: ${REDIS_PASSWORD:-}
  db: 0
  pool_size: 10
  min_idle_conns: 2
  dial_timeout: 5s
  read_timeout: 3s
  write_timeout: 3s

cache:
  key_prefix: "orbitcache:"
  ttl: 168h              # 7 days
  ttl_mode: sliding      # sliding or fixed
  stats_ttl: 720h        # 30 days
  similarity_threshold: 0.7
  max_candidates: 512

chat:
  key_prefix: "orbitchat:"
  ttl: 720h              # 30 days

generation:
  model: gpt-4o-mini
  base_url: ""           # defaults to https://api.openai.com/v1
  timeout: 60s
  max_retries: 3

passes:
  data_dir: data

auth:
  api_keys:
    # - ${ORBITCACHE_API_KEY}

telemetry:
  tracing:
    enabled: false
    exporter: otlp       # otlp, stdout, or none
    endpoint: localhost:4317
    sample_rate: 1.0     # 0.0 to 1.0
    insecure: true
`
}
