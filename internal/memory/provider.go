package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/observability"
)

// Provider is the contract every memory backend implements. Implementations
// never panic across this boundary: all failure modes surface as typed
// errors (pkg/errors.ProviderError) so the router can retry against the
// fallback without distinguishing failure paths.
type Provider interface {
	// Initialize performs one-time setup: opens connections and verifies
	// credentials. Idempotent; a second call returns the cached result.
	// On failure it disables the instance and returns false, never an error.
	Initialize(ctx context.Context) bool

	// Enabled reports whether Initialize succeeded and the capability check
	// passed. All other operations short-circuit with a disabled error when
	// this is false.
	Enabled() bool

	// TestConnection performs a cheap round-trip against the backend and
	// reports timing. Used at initialization and by the diagnostic endpoint.
	TestConnection(ctx context.Context) *TestReport

	// SaveMemory persists a memory for userID.
	SaveMemory(ctx context.Context, userID, content string, meta Metadata) (*SaveResult, error)

	// RelevantMemories returns memories ranked by relevance to query,
	// capped at limit.
	RelevantMemories(ctx context.Context, userID, query string, limit int) (*SearchResult, error)

	// AllMemories returns an unranked listing for administrative browsing.
	AllMemories(ctx context.Context, userID string, filter ListFilter) (*ListResult, error)

	// DeleteMemory removes a memory by its provider-native identifier.
	DeleteMemory(ctx context.Context, memoryID string) error

	// UpdateMemory applies administrative mutations. A backend may report
	// partial immutability (content fixed, metadata mutable) via an
	// unsupported-operation error.
	UpdateMemory(ctx context.Context, memoryID string, upd Update) (*Memory, error)

	// Cleanup releases held connection or session state before the
	// instance is discarded.
	Cleanup(ctx context.Context) error

	// Info returns introspection data for diagnostics.
	Info() Info
}

// ConversationSaver is implemented by providers that accept a full
// role/content exchange for more accurate remote extraction. Providers
// without it get the exchange flattened into a single SaveMemory call.
type ConversationSaver interface {
	SaveConversation(ctx context.Context, userID string, turns []Turn, meta Metadata) (*SaveResult, error)
}

// Factory constructs an uninitialized provider instance from configuration.
type Factory func(cfg *config.Config, logger *observability.Logger) (Provider, error)

// Registry maps provider names to factories. The built-in set is closed
// (local, mem0, zep) but Register keeps the extension point open for tests
// and future backends.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a provider factory under name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns the factory for name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Create constructs a provider instance by name.
func (r *Registry) Create(name string, cfg *config.Config, logger *observability.Logger) (Provider, error) {
	factory, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown memory provider: %s (available: %v)", name, r.List())
	}
	return factory(cfg, logger)
}
