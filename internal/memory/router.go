package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/metrics"
	"github.com/talk2me/talk2me/internal/observability"
	apperrors "github.com/talk2me/talk2me/pkg/errors"
)

// Router selects the active memory provider from configuration and wraps
// every operation with call-time fallback to a standing local instance.
//
// The router is constructed explicitly and passed to request handlers; it is
// not a package-level singleton. Reload may swap the active provider while
// requests are in flight against the previous instance; those requests
// finish against the provider snapshot they took, which is a deliberate
// availability trade-off (see router_test.go).
type Router struct {
	mu          sync.RWMutex
	registry    *Registry
	cfgMgr      *config.Manager
	logger      *observability.Logger
	active      Provider
	activeName  string
	fallback    Provider
	initialized bool
}

// NewRouter creates a router over the given registry and configuration.
func NewRouter(registry *Registry, cfgMgr *config.Manager, logger *observability.Logger) *Router {
	return &Router{
		registry: registry,
		cfgMgr:   cfgMgr,
		logger:   logger,
	}
}

// Initialize reads the configured default provider and activates it,
// defaulting to the local provider when the setting is absent or unknown.
func (r *Router) Initialize(ctx context.Context) error {
	name := r.cfgMgr.Get().Memory.DefaultProvider
	if name == "" {
		name = config.ProviderLocal
	}
	if _, ok := r.registry.Get(name); !ok {
		r.logger.RedactedWarn("configured memory provider is not registered, using local",
			"requested", name)
		name = config.ProviderLocal
	}

	if err := r.SetActiveProvider(ctx, name); err != nil {
		return err
	}

	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()
	return nil
}

// SetActiveProvider activates the named provider. On any activation failure
// it retries with the local provider; a failure of the local provider itself
// is fatal since nothing further can serve as a fallback.
func (r *Router) SetActiveProvider(ctx context.Context, name string) error {
	cfg := r.cfgMgr.Get()

	candidate, err := r.registry.Create(name, cfg, r.logger)
	if err == nil {
		if !candidate.Initialize(ctx) || !candidate.Enabled() {
			_ = candidate.Cleanup(ctx)
			err = fmt.Errorf("provider %q failed to initialize or is disabled", name)
		}
	}

	if err != nil {
		metrics.ProviderSelections.WithLabelValues(name, "failure").Inc()
		if name != config.ProviderLocal {
			r.logger.RedactedWarn("memory provider activation failed, falling back to local",
				"requested", name, "error", err)
			return r.SetActiveProvider(ctx, config.ProviderLocal)
		}
		return apperrors.NewSelectionError(name, "local provider unavailable, no memory capability", err)
	}

	// Non-local active providers get a best-effort standing local fallback
	// for per-call retry. Its setup failure does not fail the selection.
	var fallback Provider
	if name != config.ProviderLocal {
		fb, fbErr := r.registry.Create(config.ProviderLocal, cfg, r.logger)
		if fbErr == nil && fb.Initialize(ctx) && fb.Enabled() {
			fallback = fb
		} else {
			if fb != nil {
				_ = fb.Cleanup(ctx)
			}
			r.logger.RedactedWarn("standing fallback provider unavailable, continuing without call-time fallback",
				"active", name, "error", fbErr)
		}
	}

	r.mu.Lock()
	oldActive, oldFallback := r.active, r.fallback
	r.active = candidate
	r.activeName = name
	r.fallback = fallback
	r.mu.Unlock()

	if oldActive != nil {
		_ = oldActive.Cleanup(ctx)
	}
	if oldFallback != nil {
		_ = oldFallback.Cleanup(ctx)
	}

	metrics.ProviderSelections.WithLabelValues(name, "success").Inc()
	metrics.SetActiveProvider(name, r.registry.List())
	r.logger.RedactedInfo("memory provider activated",
		"provider", name, "fallback_available", fallback != nil)
	return nil
}

// Reload re-reads configuration and re-runs provider selection. In-flight
// requests complete against the provider snapshot they already hold.
func (r *Router) Reload(ctx context.Context) error {
	r.logger.RedactedInfo("reloading memory router")
	return r.Initialize(ctx)
}

// snapshot returns the current active and fallback providers.
func (r *Router) snapshot() (Provider, string, Provider) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.activeName, r.fallback
}

// runWithFallback executes op against the active provider and retries the
// fallback with identical arguments when the active call fails. When both
// fail, the returned error references both providers' failures.
func runWithFallback[T any](ctx context.Context, r *Router, op string, fn func(context.Context, Provider) (T, error)) (T, error) {
	var zero T

	active, activeName, fallback := r.snapshot()
	if active == nil {
		return zero, apperrors.NewSelectionError("none", "router has no active provider", nil)
	}

	start := time.Now()
	result, err := fn(ctx, active)
	metrics.ObserveMemoryOp(activeName, op, start, err)
	if err == nil {
		return result, nil
	}

	if fallback == nil || !apperrors.IsRetryable(err) {
		return zero, err
	}

	fbName := fallback.Info().Name
	r.logger.WithRequestID(ctx).RedactedWarn("memory operation failed, retrying on fallback",
		"operation", op, "provider", activeName, "fallback", fbName, "error", err)

	fbStart := time.Now()
	result, fbErr := fn(ctx, fallback)
	metrics.ObserveMemoryOp(fbName, op, fbStart, fbErr)
	if fbErr == nil {
		metrics.MemoryFallbacks.WithLabelValues(activeName, op, "success").Inc()
		return result, nil
	}

	metrics.MemoryFallbacks.WithLabelValues(activeName, op, "failure").Inc()
	return zero, fmt.Errorf("%s failed on active provider %s (%v) and fallback provider %s (%v)",
		op, activeName, err, fbName, fbErr)
}

// SaveMemory persists a memory via the active provider with fallback.
func (r *Router) SaveMemory(ctx context.Context, userID, content string, meta Metadata) (*SaveResult, error) {
	return runWithFallback(ctx, r, "save_memory", func(ctx context.Context, p Provider) (*SaveResult, error) {
		return p.SaveMemory(ctx, userID, content, meta)
	})
}

// SaveConversation persists a full exchange. Providers implementing
// ConversationSaver get the structured turns; others receive the exchange
// flattened into one content string.
func (r *Router) SaveConversation(ctx context.Context, userID string, turns []Turn, meta Metadata) (*SaveResult, error) {
	return runWithFallback(ctx, r, "save_conversation", func(ctx context.Context, p Provider) (*SaveResult, error) {
		if cs, ok := p.(ConversationSaver); ok {
			return cs.SaveConversation(ctx, userID, turns, meta)
		}
		return p.SaveMemory(ctx, userID, flattenTurns(turns), meta)
	})
}

func flattenTurns(turns []Turn) string {
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
	}
	return sb.String()
}

// RelevantMemories retrieves relevance-ranked memories with fallback.
func (r *Router) RelevantMemories(ctx context.Context, userID, query string, limit int) (*SearchResult, error) {
	return runWithFallback(ctx, r, "get_relevant_memories", func(ctx context.Context, p Provider) (*SearchResult, error) {
		return p.RelevantMemories(ctx, userID, query, limit)
	})
}

// AllMemories lists memories with fallback.
func (r *Router) AllMemories(ctx context.Context, userID string, filter ListFilter) (*ListResult, error) {
	return runWithFallback(ctx, r, "get_all_memories", func(ctx context.Context, p Provider) (*ListResult, error) {
		return p.AllMemories(ctx, userID, filter)
	})
}

// DeleteMemory deletes a memory with fallback.
func (r *Router) DeleteMemory(ctx context.Context, memoryID string) error {
	_, err := runWithFallback(ctx, r, "delete_memory", func(ctx context.Context, p Provider) (struct{}, error) {
		return struct{}{}, p.DeleteMemory(ctx, memoryID)
	})
	return err
}

// UpdateMemory updates a memory with fallback.
func (r *Router) UpdateMemory(ctx context.Context, memoryID string, upd Update) (*Memory, error) {
	return runWithFallback(ctx, r, "update_memory", func(ctx context.Context, p Provider) (*Memory, error) {
		return p.UpdateMemory(ctx, memoryID, upd)
	})
}

// ActiveName returns the name of the currently active provider.
func (r *Router) ActiveName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeName
}

// LocalActive reports whether the local provider is currently active. The
// chat handler keys function-calling behavior on this: only the local path
// exposes the model-issued remember tool.
func (r *Router) LocalActive() bool {
	return r.ActiveName() == config.ProviderLocal
}

// Status describes the router for the diagnostic endpoint.
type Status struct {
	Initialized    bool     `json:"initialized"`
	ActiveProvider *Info    `json:"active_provider,omitempty"`
	Fallback       *Info    `json:"fallback_provider,omitempty"`
	Registered     []string `json:"registered_providers"`
}

// Status returns active/fallback introspection plus registry contents.
func (r *Router) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{
		Initialized: r.initialized,
		Registered:  r.registry.List(),
	}
	if r.active != nil {
		info := r.active.Info()
		st.ActiveProvider = &info
	}
	if r.fallback != nil {
		info := r.fallback.Info()
		st.Fallback = &info
	}
	return st
}

// TestProvider runs a connection test against the named provider. The active
// and fallback instances are tested in place; other names get an ephemeral
// instance that is cleaned up afterwards.
func (r *Router) TestProvider(ctx context.Context, name string) *TestReport {
	active, activeName, fallback := r.snapshot()
	if name == "" || name == activeName {
		if active == nil {
			return &TestReport{OK: false, Message: "no active provider"}
		}
		return active.TestConnection(ctx)
	}
	if fallback != nil && fallback.Info().Name == name {
		return fallback.TestConnection(ctx)
	}

	p, err := r.registry.Create(name, r.cfgMgr.Get(), r.logger)
	if err != nil {
		return &TestReport{OK: false, Message: err.Error()}
	}
	defer func() { _ = p.Cleanup(ctx) }()

	if !p.Initialize(ctx) {
		return &TestReport{OK: false, Message: fmt.Sprintf("provider %q failed to initialize", name)}
	}
	return p.TestConnection(ctx)
}
