// Package zep implements the memory provider backed by the hosted Zep
// session/graph API. Zep models users and time-boxed sessions rather than
// flat memory records: writes append messages to a session and the service
// asynchronously produces summaries; retrieval searches recent sessions.
package zep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/memory"
	"github.com/talk2me/talk2me/internal/observability"
	apperrors "github.com/talk2me/talk2me/pkg/errors"
)

// ProviderName is the identifier for this provider.
const ProviderName = "zep"

// DefaultBaseURL is the default Zep Cloud API endpoint.
const DefaultBaseURL = "https://api.getzep.com/api/v2"

const (
	defaultSessionWindow = 5
	requestsPerSecond    = 10
)

// Provider implements memory.Provider against the Zep API.
type Provider struct {
	mu            sync.Mutex
	client        *http.Client
	apiKey        string
	baseURL       string
	mapper        UserIDMapper
	sessionWindow int
	logger        *observability.Logger
	limiter       *rate.Limiter
	initialized   bool
	enabled       bool
}

// New creates an uninitialized Zep provider with the default mapper.
func New(cfg config.ZepConfig, logger *observability.Logger) *Provider {
	return NewWithMapper(cfg, NewStaticMapper(cfg.KnownUsers), logger)
}

// NewWithMapper creates a Zep provider with an explicit user ID mapping
// strategy.
func NewWithMapper(cfg config.ZepConfig, mapper UserIDMapper, logger *observability.Logger) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	window := cfg.SessionWindow
	if window <= 0 {
		window = defaultSessionWindow
	}

	return &Provider{
		client:        &http.Client{Timeout: timeout},
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		mapper:        mapper,
		sessionWindow: window,
		logger:        logger.WithProvider(ProviderName),
		limiter:       rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// NewFromConfig is the memory.Factory constructor.
func NewFromConfig(cfg *config.Config, logger *observability.Logger) (memory.Provider, error) {
	return New(cfg.Memory.Zep, logger), nil
}

// Initialize verifies credentials. Missing credentials disable the instance.
func (p *Provider) Initialize(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return p.enabled
	}
	p.initialized = true

	if p.apiKey == "" {
		p.logger.RedactedWarn("zep api key missing, disabling provider")
		return false
	}

	report := p.testConnection(ctx)
	if !report.OK {
		p.logger.RedactedError("zep connectivity check failed, disabling provider", "message", report.Message)
		return false
	}

	p.enabled = true
	return true
}

// Enabled reports whether the provider is ready for operations.
func (p *Provider) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized && p.enabled
}

// TestConnection ensures a probe user exists and reports timing. Creation
// of an already-existing user counts as success, which makes the probe
// cheap and repeatable.
func (p *Provider) TestConnection(ctx context.Context) *memory.TestReport {
	if p.apiKey == "" {
		return &memory.TestReport{OK: false, Message: "api key missing"}
	}
	return p.testConnection(ctx)
}

func (p *Provider) testConnection(ctx context.Context) *memory.TestReport {
	start := time.Now()
	err := p.ensureUser(ctx, "talk2me-healthcheck")
	latency := time.Since(start)

	if err != nil {
		return &memory.TestReport{
			OK:      false,
			Message: fmt.Sprintf("zep round-trip failed: %v", err),
			Latency: latency,
		}
	}
	return &memory.TestReport{
		OK:      true,
		Message: "zep API reachable",
		Latency: latency,
		Details: map[string]any{"base_url": p.baseURL},
	}
}

// ensureUser creates the user, treating "already exists" as success.
func (p *Provider) ensureUser(ctx context.Context, slug string) error {
	err := p.do(ctx, http.MethodPost, "/users", map[string]any{
		"user_id": slug,
	}, nil)
	return ignoreConflict(err)
}

// ensureSession creates the session, treating "already exists" as success.
func (p *Provider) ensureSession(ctx context.Context, slug, sessionID string) error {
	err := p.do(ctx, http.MethodPost, "/sessions", map[string]any{
		"session_id": sessionID,
		"user_id":    slug,
	}, nil)
	return ignoreConflict(err)
}

// ignoreConflict treats a remote "already exists" rejection as success,
// giving ensureUser/ensureSession idempotent create semantics.
func ignoreConflict(err error) error {
	if err == nil {
		return nil
	}
	var pe *apperrors.ProviderError
	if errors.As(err, &pe) && pe.Kind == apperrors.KindValidation &&
		strings.Contains(strings.ToLower(pe.Message), "already exists") {
		return nil
	}
	return err
}

func (p *Provider) sessionID(slug string, meta memory.Metadata) string {
	if meta.SessionID != "" {
		return meta.SessionID
	}
	if meta.ConversationID != "" {
		return slug + "-" + meta.ConversationID
	}
	return slug + "-main"
}

type zepMessage struct {
	UUID      string         `json:"uuid,omitempty"`
	Role      string         `json:"role"`
	RoleType  string         `json:"role_type,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// SaveMemory appends a single message to the user's session. Zep infers
// what to remember on its side; the metadata rides along for browsing.
func (p *Provider) SaveMemory(ctx context.Context, userID, content string, meta memory.Metadata) (*memory.SaveResult, error) {
	role := meta.Role
	if role == "" {
		role = "user"
	}
	return p.SaveConversation(ctx, userID, []memory.Turn{{Role: role, Content: content}}, meta)
}

// SaveConversation appends a full exchange to the user's session, ensuring
// the provider-side user and session exist first.
func (p *Provider) SaveConversation(ctx context.Context, userID string, turns []memory.Turn, meta memory.Metadata) (*memory.SaveResult, error) {
	if !p.Enabled() {
		return nil, apperrors.NewDisabledError(ProviderName, "save_memory")
	}
	if userID == "" {
		return nil, apperrors.NewValidationError(ProviderName, "save_memory", "user id is required")
	}
	if len(turns) == 0 {
		return nil, apperrors.NewValidationError(ProviderName, "save_memory", "no content to save")
	}

	memType, known := memory.NormalizeType(meta.Type)
	if !known {
		return nil, apperrors.NewValidationError(ProviderName, "save_memory",
			fmt.Sprintf("unknown memory type %q", meta.Type))
	}

	slug := p.mapper.Slug(userID)
	sessionID := p.sessionID(slug, meta)

	if err := p.ensureUser(ctx, slug); err != nil {
		return nil, err
	}
	if err := p.ensureSession(ctx, slug, sessionID); err != nil {
		return nil, err
	}

	md := map[string]any{
		"memory_type": string(memType),
		"importance":  memory.ClampImportance(meta.Importance),
	}
	if meta.Summary != "" {
		md["summary"] = meta.Summary
	}

	messages := make([]zepMessage, 0, len(turns))
	for _, t := range turns {
		roleType := t.Role
		if roleType != "user" && roleType != "assistant" && roleType != "system" {
			roleType = "user"
		}
		messages = append(messages, zepMessage{
			Role:     t.Role,
			RoleType: roleType,
			Content:  t.Content,
			Metadata: md,
		})
	}

	var resp struct {
		Messages []zepMessage `json:"messages"`
	}
	err := p.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/messages",
		map[string]any{"messages": messages}, &resp)
	if err != nil {
		return nil, err
	}

	result := &memory.SaveResult{}
	if len(resp.Messages) > 0 && resp.Messages[0].UUID != "" {
		// Composite ID: administrative mutation needs the session back.
		result.MemoryID = sessionID + "/" + resp.Messages[0].UUID
	}
	return result, nil
}

type searchHit struct {
	Message *zepMessage `json:"message"`
	Summary *struct {
		UUID    string `json:"uuid"`
		Content string `json:"content"`
	} `json:"summary"`
	Score float64 `json:"score"`
}

// RelevantMemories searches the user's most recent sessions (bounded by the
// session window) with Zep's MMR relevance/diversity mode, returning both
// the individual hits and a pre-concatenated context block so the caller
// can skip re-summarizing raw hits.
func (p *Provider) RelevantMemories(ctx context.Context, userID, query string, limit int) (*memory.SearchResult, error) {
	if !p.Enabled() {
		return nil, apperrors.NewDisabledError(ProviderName, "get_relevant_memories")
	}
	if userID == "" {
		return nil, apperrors.NewValidationError(ProviderName, "get_relevant_memories", "user id is required")
	}
	if limit <= 0 {
		limit = 5
	}

	slug := p.mapper.Slug(userID)
	sessions, err := p.recentSessions(ctx, slug)
	if err != nil {
		return nil, err
	}

	var all []searchHit
	var sessionIDs []string
	for _, sessionID := range sessions {
		var resp struct {
			Results []searchHit `json:"results"`
		}
		err := p.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/search",
			map[string]any{
				"text":        query,
				"search_type": "mmr",
				"limit":       limit,
			}, &resp)
		if err != nil {
			// One unreachable session should not sink the whole search.
			p.logger.RedactedWarn("zep session search failed", "session", sessionID, "error", err)
			continue
		}
		all = append(all, resp.Results...)
		sessionIDs = append(sessionIDs, sessionID)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > limit {
		all = all[:limit]
	}

	memories := make([]*memory.Memory, 0, len(all))
	var contextParts []string
	for _, hit := range all {
		m := hitToMemory(userID, &hit)
		if m == nil {
			continue
		}
		memories = append(memories, m)
		contextParts = append(contextParts, "- "+m.Summary)
	}

	var contextBlock string
	if len(contextParts) > 0 {
		contextBlock = "What you remember about this user:\n" + strings.Join(contextParts, "\n") + "\n"
	}

	if len(sessionIDs) == 0 && len(sessions) > 0 {
		return nil, apperrors.NewConnectivityError(ProviderName, "get_relevant_memories",
			fmt.Errorf("all %d session searches failed", len(sessions)))
	}

	return &memory.SearchResult{Memories: memories, Context: contextBlock}, nil
}

// recentSessions returns up to sessionWindow session IDs, newest first.
func (p *Provider) recentSessions(ctx context.Context, slug string) ([]string, error) {
	var resp struct {
		Sessions []struct {
			SessionID string    `json:"session_id"`
			UpdatedAt time.Time `json:"updated_at"`
		} `json:"sessions"`
	}
	err := p.do(ctx, http.MethodGet, "/users/"+url.PathEscape(slug)+"/sessions", nil, &resp)
	if err != nil {
		var pe *apperrors.ProviderError
		if errors.As(err, &pe) && pe.Kind == apperrors.KindValidation {
			// Unknown user: nothing remembered yet.
			return nil, nil
		}
		return nil, err
	}

	sort.Slice(resp.Sessions, func(i, j int) bool {
		return resp.Sessions[i].UpdatedAt.After(resp.Sessions[j].UpdatedAt)
	})

	var ids []string
	for i, s := range resp.Sessions {
		if i >= p.sessionWindow {
			break
		}
		ids = append(ids, s.SessionID)
	}
	return ids, nil
}

// AllMemories lists messages across the user's recent sessions.
func (p *Provider) AllMemories(ctx context.Context, userID string, filter memory.ListFilter) (*memory.ListResult, error) {
	if !p.Enabled() {
		return nil, apperrors.NewDisabledError(ProviderName, "get_all_memories")
	}
	if userID == "" {
		return nil, apperrors.NewValidationError(ProviderName, "get_all_memories", "user id is required")
	}

	slug := p.mapper.Slug(userID)
	sessions, err := p.recentSessions(ctx, slug)
	if err != nil {
		return nil, err
	}

	var memories []*memory.Memory
	for _, sessionID := range sessions {
		var resp struct {
			Messages []zepMessage `json:"messages"`
		}
		if err := p.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/messages", nil, &resp); err != nil {
			p.logger.RedactedWarn("zep session listing failed", "session", sessionID, "error", err)
			continue
		}
		for i := range resp.Messages {
			m := messageToMemory(userID, sessionID, &resp.Messages[i])
			if filter.Type != "" && string(m.Type) != filter.Type {
				continue
			}
			if filter.ImportanceMin > 0 && m.Importance < filter.ImportanceMin {
				continue
			}
			memories = append(memories, m)
		}
	}

	return &memory.ListResult{Memories: memories, Count: len(memories)}, nil
}

// DeleteMemory is not supported: Zep session messages are immutable; the
// unit of deletion on the remote side is the session, not the message.
func (p *Provider) DeleteMemory(ctx context.Context, memoryID string) error {
	if !p.Enabled() {
		return apperrors.NewDisabledError(ProviderName, "delete_memory")
	}
	return apperrors.NewUnsupportedError(ProviderName, "delete_memory",
		"zep messages are immutable; delete the containing session instead")
}

// UpdateMemory can only mutate message metadata (importance); content and
// type are owned by the remote service.
func (p *Provider) UpdateMemory(ctx context.Context, memoryID string, upd memory.Update) (*memory.Memory, error) {
	if !p.Enabled() {
		return nil, apperrors.NewDisabledError(ProviderName, "update_memory")
	}
	if upd.Summary != nil || upd.Type != nil {
		return nil, apperrors.NewUnsupportedError(ProviderName, "update_memory",
			"zep message content and type are immutable; only importance metadata can change")
	}
	if upd.Importance == nil {
		return nil, apperrors.NewValidationError(ProviderName, "update_memory", "no updatable fields supplied")
	}

	sessionID, messageUUID, ok := strings.Cut(memoryID, "/")
	if !ok {
		return nil, apperrors.NewValidationError(ProviderName, "update_memory",
			"memory id must be in session/message form")
	}

	err := p.do(ctx, http.MethodPatch,
		"/sessions/"+url.PathEscape(sessionID)+"/messages/"+url.PathEscape(messageUUID),
		map[string]any{
			"metadata": map[string]any{"importance": memory.ClampImportance(*upd.Importance)},
		}, nil)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// Cleanup releases the HTTP client's idle connections.
func (p *Provider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	p.client.CloseIdleConnections()
	return nil
}

// Info returns introspection data for diagnostics.
func (p *Provider) Info() memory.Info {
	return memory.Info{
		Name:        ProviderName,
		Description: "hosted session/graph memory API (asynchronous remote summarization)",
		Enabled:     p.Enabled(),
		Details: map[string]string{
			"base_url":       p.baseURL,
			"session_window": fmt.Sprintf("%d", p.sessionWindow),
		},
	}
}

// do performs one authenticated round-trip with JSON encoding both ways.
func (p *Provider) do(ctx context.Context, method, path string, in, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return apperrors.NewConnectivityError(ProviderName, method+" "+path, err)
	}

	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Api-Key "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return apperrors.NewConnectivityError(ProviderName, method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		msg := fmt.Sprintf("status=%d, body=%s", resp.StatusCode, truncateBody(data))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return apperrors.NewConnectivityError(ProviderName, method+" "+path, fmt.Errorf("%s", msg))
		}
		return apperrors.NewValidationError(ProviderName, method+" "+path, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func hitToMemory(userID string, hit *searchHit) *memory.Memory {
	if hit.Summary != nil && hit.Summary.Content != "" {
		return &memory.Memory{
			ID:         hit.Summary.UUID,
			UserID:     userID,
			Content:    hit.Summary.Content,
			Summary:    hit.Summary.Content,
			Importance: memory.ImportanceDefault,
			Type:       memory.TypePersonal,
			Similarity: hit.Score,
		}
	}
	if hit.Message != nil {
		m := messageToMemory(userID, "", hit.Message)
		m.Similarity = hit.Score
		return m
	}
	return nil
}

func messageToMemory(userID, sessionID string, msg *zepMessage) *memory.Memory {
	m := &memory.Memory{
		ID:         msg.UUID,
		UserID:     userID,
		Content:    msg.Content,
		Summary:    msg.Content,
		Importance: memory.ImportanceDefault,
		Type:       memory.TypePersonal,
		CreatedAt:  msg.CreatedAt,
		UpdatedAt:  msg.CreatedAt,
	}
	if sessionID != "" && msg.UUID != "" {
		m.ID = sessionID + "/" + msg.UUID
	}
	if msg.Metadata != nil {
		if v, ok := msg.Metadata["memory_type"].(string); ok {
			if t, known := memory.NormalizeType(v); known {
				m.Type = t
			}
		}
		if v, ok := msg.Metadata["importance"].(float64); ok {
			m.Importance = memory.ClampImportance(int(v))
		}
		if v, ok := msg.Metadata["summary"].(string); ok && v != "" {
			m.Summary = v
		}
	}
	return m
}

func truncateBody(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
