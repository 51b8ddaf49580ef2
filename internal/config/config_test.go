package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
llm:
  provider: groq
  api_key: gsk_test
  model: llama-3.3-70b-versatile
memory:
  default_memory_provider: mem0
  retrieval_limit: 3
  local:
    driver: inmem
    relevance_threshold: 0.5
  mem0:
    api_key: m0-test
  zep:
    known_users:
      anna@example.com: anna
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "groq", cfg.LLM.Provider)
	require.Equal(t, "mem0", cfg.Memory.DefaultProvider)
	require.Equal(t, 3, cfg.Memory.RetrievalLimit)
	require.Equal(t, "inmem", cfg.Memory.Local.Driver)
	require.Equal(t, 0.5, cfg.Memory.Local.RelevanceThreshold)
	require.Equal(t, "anna", cfg.Memory.Zep.KnownUsers["anna@example.com"])

	// Defaults survive a partial file.
	require.Equal(t, 1536, cfg.Memory.Local.Embedding.Dimension)
	require.Equal(t, 5, cfg.Memory.Zep.SessionWindow)
	require.Equal(t, 120*time.Second, cfg.LLM.Timeout)
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  provider: openai
  api_key: ${TEST_LLM_KEY}
  model: gpt-4o
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "sk-from-env", cfg.LLM.APIKey)
}

func TestValidateRejectsStructuralErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"unknown llm provider", func(c *Config) { c.LLM.Provider = "mystery" }},
		{"missing model", func(c *Config) { c.LLM.Model = "" }},
		{"negative retrieval limit", func(c *Config) { c.Memory.RetrievalLimit = -1 }},
		{"unknown driver", func(c *Config) { c.Memory.Local.Driver = "sqlite" }},
		{"threshold out of range", func(c *Config) { c.Memory.Local.RelevanceThreshold = 1.5 }},
		{"zero dimension", func(c *Config) { c.Memory.Local.Embedding.Dimension = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateUnknownProviderIsSoftError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.DefaultProvider = "does-not-exist"
	require.NoError(t, cfg.Validate(), "unknown default provider is handled by the router, not config validation")
}

func TestManagerReloadNotifiesSubscribers(t *testing.T) {
	path := writeConfig(t, `
memory:
  default_memory_provider: local
  local:
    driver: inmem
`)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	require.NoError(t, err)
	require.Equal(t, "local", mgr.Get().Memory.DefaultProvider)

	var notified *Config
	mgr.OnChange(func(cfg *Config) { notified = cfg })

	require.NoError(t, os.WriteFile(path, []byte(`
memory:
  default_memory_provider: zep
  local:
    driver: inmem
`), 0o600))

	require.NoError(t, mgr.Reload())
	require.Equal(t, "zep", mgr.Get().Memory.DefaultProvider)
	require.NotNil(t, notified)
	require.Equal(t, "zep", notified.Memory.DefaultProvider)
}

func TestManagerReloadKeepsCurrentOnParseError(t *testing.T) {
	path := writeConfig(t, `
memory:
  default_memory_provider: local
  local:
    driver: inmem
`)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0o600))
	require.Error(t, mgr.Reload())
	require.Equal(t, "local", mgr.Get().Memory.DefaultProvider, "failed reload must keep the previous snapshot")
}

func TestStaticManager(t *testing.T) {
	cfg := DefaultConfig()
	mgr := NewStaticManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Same(t, cfg, mgr.Get())
	require.Error(t, mgr.Reload(), "static manager has no file to reload")
}
