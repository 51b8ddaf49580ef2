// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Known memory provider names. The set is closed; the router validates
// against it during selection.
const (
	ProviderLocal = "local"
	ProviderMem0  = "mem0"
	ProviderZep   = "zep"
)

// Config represents the complete backend configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Memory  MemoryConfig  `yaml:"memory"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// LLMConfig selects the upstream chat-completion provider.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai, groq
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature *float64      `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// MemoryConfig contains the memory router and per-provider settings.
type MemoryConfig struct {
	// DefaultProvider names the active memory provider. Invalid or absent
	// values fall back to "local" during router initialization.
	DefaultProvider string `yaml:"default_memory_provider"`

	RetrievalLimit int `yaml:"retrieval_limit"`

	Local LocalConfig `yaml:"local"`
	Mem0  Mem0Config  `yaml:"mem0"`
	Zep   ZepConfig   `yaml:"zep"`
}

// LocalConfig configures the local vector-similarity provider.
type LocalConfig struct {
	// Driver selects the backing store: "postgres" or "inmem".
	Driver string `yaml:"driver"`

	Postgres  PostgresConfig  `yaml:"postgres"`
	Embedding EmbeddingConfig `yaml:"embedding"`

	// RelevanceThreshold is the minimum cosine similarity for retrieval hits.
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// EmbeddingConfig configures the embeddings client used by the local provider.
type EmbeddingConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`

	// RequestsPerSecond caps embedding calls client-side. Zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	Cache EmbedCacheConfig `yaml:"cache"`
}

// EmbedCacheConfig configures the dual-tier embedding cache.
type EmbedCacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	RedisAddr  string        `yaml:"redis_addr"`
	RedisDB    int           `yaml:"redis_db"`
	RedisPass  string        `yaml:"redis_password"`
	TTL        time.Duration `yaml:"ttl"`
	LocalTTL   time.Duration `yaml:"local_ttl"`
	KeyPrefix  string        `yaml:"key_prefix"`
}

// Mem0Config configures the hosted memory-API provider.
type Mem0Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// ZepConfig configures the hosted session/graph provider.
type ZepConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// KnownUsers maps application user emails to stable provider-side slugs.
	// Users absent from the map get an email- or UUID-derived slug.
	KnownUsers map[string]string `yaml:"known_users"`

	// SessionWindow bounds how many recent sessions retrieval searches.
	SessionWindow int `yaml:"session_window"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			Timeout:  120 * time.Second,
		},
		Memory: MemoryConfig{
			DefaultProvider: ProviderLocal,
			RetrievalLimit:  5,
			Local: LocalConfig{
				Driver: "postgres",
				Postgres: PostgresConfig{
					Host:         "localhost",
					Port:         5432,
					Database:     "talk2me",
					SSLMode:      "disable",
					MaxOpenConns: 25,
					MaxIdleConns: 5,
					ConnLifetime: 5 * time.Minute,
				},
				Embedding: EmbeddingConfig{
					Model:     "text-embedding-3-small",
					Dimension: 1536,
					Timeout:   30 * time.Second,
					Cache: EmbedCacheConfig{
						TTL:       24 * time.Hour,
						LocalTTL:  10 * time.Minute,
						KeyPrefix: "talk2me:embed",
					},
				},
				RelevanceThreshold: 0.4,
			},
			Zep: ZepConfig{
				SessionWindow: 5,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.LLM.Provider {
	case "openai", "groq":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("llm.timeout cannot be negative")
	}

	if c.Memory.RetrievalLimit < 0 {
		return fmt.Errorf("memory.retrieval_limit cannot be negative")
	}
	switch c.Memory.Local.Driver {
	case "postgres", "inmem", "":
	default:
		return fmt.Errorf("unknown local store driver: %q", c.Memory.Local.Driver)
	}
	if t := c.Memory.Local.RelevanceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("memory.local.relevance_threshold must be in [0,1], got %v", t)
	}
	if c.Memory.Local.Embedding.Dimension <= 0 {
		return fmt.Errorf("memory.local.embedding.dimension must be positive")
	}
	if c.Memory.Zep.SessionWindow <= 0 {
		return fmt.Errorf("memory.zep.session_window must be positive")
	}

	// An unknown default provider is a soft error: the router logs it and
	// selects the local provider. Only structural settings hard-fail here.
	return nil
}
