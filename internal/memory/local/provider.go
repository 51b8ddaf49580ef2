package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/memory"
	"github.com/talk2me/talk2me/internal/memory/embed"
	"github.com/talk2me/talk2me/internal/observability"
	apperrors "github.com/talk2me/talk2me/pkg/errors"
)

// ProviderName is the identifier for this provider.
const ProviderName = "local"

const (
	defaultSearchLimit = 5
	summaryMaxLen      = 200
)

// Provider implements memory.Provider on a local vector store.
type Provider struct {
	mu          sync.Mutex
	cfg         config.LocalConfig
	logger      *observability.Logger
	store       Store
	embedder    embed.Embedder
	redisClient goredis.UniversalClient
	threshold   float64
	initialized bool
	enabled     bool
}

// New creates an uninitialized local provider.
func New(cfg config.LocalConfig, logger *observability.Logger) *Provider {
	threshold := cfg.RelevanceThreshold
	if threshold <= 0 {
		threshold = 0.4
	}
	return &Provider{
		cfg:       cfg,
		logger:    logger.WithProvider(ProviderName),
		threshold: threshold,
	}
}

// NewFromConfig is the memory.Factory constructor.
func NewFromConfig(cfg *config.Config, logger *observability.Logger) (memory.Provider, error) {
	return New(cfg.Memory.Local, logger), nil
}

// NewWithStore creates a provider over an explicit store and embedder.
// Used by tests and by callers that manage the store lifecycle themselves.
func NewWithStore(store Store, embedder embed.Embedder, threshold float64, logger *observability.Logger) *Provider {
	if threshold <= 0 {
		threshold = 0.4
	}
	return &Provider{
		cfg:       config.LocalConfig{Driver: "inmem"},
		logger:    logger.WithProvider(ProviderName),
		store:     store,
		embedder:  embedder,
		threshold: threshold,
	}
}

// Initialize opens the backing store and embedder. Idempotent; repeated
// calls return the cached result. Failures disable the instance instead of
// propagating.
func (p *Provider) Initialize(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return p.enabled
	}
	p.initialized = true

	if p.store == nil {
		if !p.setupLocked(ctx) {
			return false
		}
	}

	if err := p.store.Ping(ctx); err != nil {
		p.logger.RedactedError("local store unreachable, disabling provider", "error", err)
		return false
	}

	p.enabled = true
	return true
}

// setupLocked builds the store and embedder from configuration. Caller
// holds p.mu.
func (p *Provider) setupLocked(ctx context.Context) bool {
	dimension := p.cfg.Embedding.Dimension
	if dimension <= 0 {
		dimension = 1536
	}

	switch p.cfg.Driver {
	case "inmem":
		p.store = NewMemStore()
		if p.cfg.Embedding.APIKey != "" {
			emb, err := embed.NewOpenAI(p.cfg.Embedding)
			if err != nil {
				p.logger.RedactedError("embedder setup failed, disabling provider", "error", err)
				return false
			}
			p.embedder = emb
		} else {
			p.embedder = embed.NewHash(dimension)
		}

	case "postgres", "":
		emb, err := embed.NewOpenAI(p.cfg.Embedding)
		if err != nil {
			p.logger.RedactedError("embedder setup failed, disabling provider", "error", err)
			return false
		}
		p.embedder = emb

		store, err := NewPostgresStore(p.cfg.Postgres)
		if err != nil {
			p.logger.RedactedError("postgres store setup failed, disabling provider", "error", err)
			return false
		}
		if err := store.EnsureSchema(ctx, dimension); err != nil {
			p.logger.RedactedError("schema setup failed, disabling provider", "error", err)
			_ = store.Close()
			return false
		}
		p.store = store

	default:
		p.logger.RedactedError("unknown local store driver, disabling provider", "driver", p.cfg.Driver)
		return false
	}

	if p.cfg.Embedding.Cache.Enabled {
		if addr := p.cfg.Embedding.Cache.RedisAddr; addr != "" {
			p.redisClient = goredis.NewClient(&goredis.Options{
				Addr:     addr,
				DB:       p.cfg.Embedding.Cache.RedisDB,
				Password: p.cfg.Embedding.Cache.RedisPass,
			})
		}
		p.embedder = embed.NewCached(p.embedder, p.redisClient, p.cfg.Embedding.Cache)
	}

	return true
}

// Enabled reports whether the provider is ready for operations.
func (p *Provider) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized && p.enabled
}

// TestConnection pings the store and reports timing.
func (p *Provider) TestConnection(ctx context.Context) *memory.TestReport {
	start := time.Now()
	if !p.Enabled() {
		return &memory.TestReport{OK: false, Message: "provider is not enabled"}
	}

	if err := p.store.Ping(ctx); err != nil {
		return &memory.TestReport{
			OK:      false,
			Message: fmt.Sprintf("store ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	return &memory.TestReport{
		OK:      true,
		Message: "local store reachable",
		Latency: time.Since(start),
		Details: map[string]any{
			"driver":    p.driverName(),
			"dimension": p.embedder.Dimension(),
			"threshold": p.threshold,
		},
	}
}

// SaveMemory extracts entities, embeds the summary, and inserts a row.
func (p *Provider) SaveMemory(ctx context.Context, userID, content string, meta memory.Metadata) (*memory.SaveResult, error) {
	if !p.Enabled() {
		return nil, apperrors.NewDisabledError(ProviderName, "save_memory")
	}
	if userID == "" {
		return nil, apperrors.NewValidationError(ProviderName, "save_memory", "user id is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.NewValidationError(ProviderName, "save_memory", "content is empty")
	}

	summary := strings.TrimSpace(meta.Summary)
	if summary == "" {
		summary = truncate(content, summaryMaxLen)
	}

	// The local store keeps unrecognized types as-is; the column is free.
	memType, _ := memory.NormalizeType(meta.Type)

	embedding, err := p.embedder.Embed(ctx, summary)
	if err != nil {
		return nil, apperrors.NewConnectivityError(ProviderName, "save_memory", err)
	}

	now := time.Now()
	m := &memory.Memory{
		ID:         uuid.NewString(),
		UserID:     userID,
		Content:    content,
		Summary:    summary,
		Importance: memory.ClampImportance(meta.Importance),
		Type:       memType,
		Entities:   ExtractEntities(content),
		CreatedAt:  now,
		UpdatedAt:  now,
		Embedding:  embedding,
	}

	if err := p.store.Insert(ctx, m); err != nil {
		return nil, apperrors.NewConnectivityError(ProviderName, "save_memory", err)
	}

	return &memory.SaveResult{MemoryID: m.ID, Memory: m}, nil
}

// RelevantMemories embeds the query and runs a similarity search scoped to
// the user, returning a pre-rendered context block alongside the hits.
func (p *Provider) RelevantMemories(ctx context.Context, userID, query string, limit int) (*memory.SearchResult, error) {
	if !p.Enabled() {
		return nil, apperrors.NewDisabledError(ProviderName, "get_relevant_memories")
	}
	if userID == "" {
		return nil, apperrors.NewValidationError(ProviderName, "get_relevant_memories", "user id is required")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	queryVec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperrors.NewConnectivityError(ProviderName, "get_relevant_memories", err)
	}

	hits, err := p.store.Search(ctx, userID, queryVec, limit, p.threshold)
	if err != nil {
		return nil, apperrors.NewConnectivityError(ProviderName, "get_relevant_memories", err)
	}

	return &memory.SearchResult{
		Memories: hits,
		Context:  memory.FormatContext(hits),
	}, nil
}

// AllMemories returns an unranked listing for administrative browsing.
func (p *Provider) AllMemories(ctx context.Context, userID string, filter memory.ListFilter) (*memory.ListResult, error) {
	if !p.Enabled() {
		return nil, apperrors.NewDisabledError(ProviderName, "get_all_memories")
	}
	if userID == "" {
		return nil, apperrors.NewValidationError(ProviderName, "get_all_memories", "user id is required")
	}

	items, err := p.store.List(ctx, userID, filter)
	if err != nil {
		return nil, apperrors.NewConnectivityError(ProviderName, "get_all_memories", err)
	}

	return &memory.ListResult{Memories: items, Count: len(items)}, nil
}

// DeleteMemory removes a memory by ID.
func (p *Provider) DeleteMemory(ctx context.Context, memoryID string) error {
	if !p.Enabled() {
		return apperrors.NewDisabledError(ProviderName, "delete_memory")
	}

	if err := p.store.Delete(ctx, memoryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NewValidationError(ProviderName, "delete_memory", "memory not found")
		}
		return apperrors.NewConnectivityError(ProviderName, "delete_memory", err)
	}
	return nil
}

// UpdateMemory applies administrative mutations, re-embedding when the
// summary changes so retrieval stays consistent with the stored text.
func (p *Provider) UpdateMemory(ctx context.Context, memoryID string, upd memory.Update) (*memory.Memory, error) {
	if !p.Enabled() {
		return nil, apperrors.NewDisabledError(ProviderName, "update_memory")
	}

	updated, err := p.store.Update(ctx, memoryID, upd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewValidationError(ProviderName, "update_memory", "memory not found")
		}
		return nil, apperrors.NewConnectivityError(ProviderName, "update_memory", err)
	}

	// A changed summary invalidates the stored vector; refresh it so
	// retrieval stays consistent with the new text. Best effort.
	if upd.Summary != nil {
		if embedding, embErr := p.embedder.Embed(ctx, *upd.Summary); embErr == nil {
			if err := p.store.UpdateEmbedding(ctx, memoryID, embedding); err != nil {
				p.logger.RedactedWarn("embedding refresh after update failed", "memory_id", memoryID, "error", err)
			} else {
				updated.Embedding = embedding
			}
		}
	}

	return updated, nil
}

// Cleanup closes the store and disables the instance.
func (p *Provider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.enabled = false
	var errs []error
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.redisClient != nil {
		if err := p.redisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Info returns introspection data for diagnostics.
func (p *Provider) Info() memory.Info {
	return memory.Info{
		Name:        ProviderName,
		Description: "local vector-similarity store (embeddings + relational search)",
		Enabled:     p.Enabled(),
		Details: map[string]string{
			"driver": p.driverName(),
		},
	}
}

func (p *Provider) driverName() string {
	if p.cfg.Driver == "" {
		return "postgres"
	}
	return p.cfg.Driver
}

// truncate cuts s to at most max bytes, backing off to the nearest rune
// boundary so a multi-byte character is never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
