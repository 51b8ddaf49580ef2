// Package mem0 implements the memory provider backed by the hosted Mem0
// memory API. The service performs its own summarization and indexing; this
// client maps each operation onto the corresponding REST call.
package mem0

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
const ProviderName = "mem0"

// DefaultBaseURL is the default Mem0 API endpoint.
const DefaultBaseURL = "https://api.mem0.ai"

// Hosted APIs rate-limit aggressively; stay under their ceiling client-side.
const requestsPerSecond = 10

// Provider implements memory.Provider against the Mem0 API.
type Provider struct {
	mu          sync.Mutex
	client      *http.Client
	apiKey      string
	baseURL     string
	orgID       string
	logger      *observability.Logger
	limiter     *rate.Limiter
	initialized bool
	enabled     bool
}

// New creates an uninitialized Mem0 provider.
func New(cfg config.Mem0Config, logger *observability.Logger) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Provider{
		client:  &http.Client{Timeout: timeout},
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		orgID:   cfg.OrgID,
		logger:  logger.WithProvider(ProviderName),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// NewFromConfig is the memory.Factory constructor.
func NewFromConfig(cfg *config.Config, logger *observability.Logger) (memory.Provider, error) {
	return New(cfg.Memory.Mem0, logger), nil
}

// Initialize verifies credentials with a cheap round-trip. Missing
// credentials disable the instance instead of failing later mid-request.
func (p *Provider) Initialize(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return p.enabled
	}
	p.initialized = true

	if p.apiKey == "" {
		p.logger.RedactedWarn("mem0 api key missing, disabling provider")
		return false
	}

	report := p.testConnection(ctx)
	if !report.OK {
		p.logger.RedactedError("mem0 connectivity check failed, disabling provider", "message", report.Message)
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

// TestConnection performs a trivial search round-trip and reports timing.
func (p *Provider) TestConnection(ctx context.Context) *memory.TestReport {
	if p.apiKey == "" {
		return &memory.TestReport{OK: false, Message: "api key missing"}
	}
	return p.testConnection(ctx)
}

func (p *Provider) testConnection(ctx context.Context) *memory.TestReport {
	start := time.Now()

	q := url.Values{}
	q.Set("user_id", "connection-test")
	q.Set("page_size", "1")
	var out json.RawMessage
	err := p.do(ctx, http.MethodGet, "/v1/memories/?"+q.Encode(), nil, &out)
	latency := time.Since(start)

	if err != nil {
		return &memory.TestReport{
			OK:      false,
			Message: fmt.Sprintf("mem0 round-trip failed: %v", err),
			Latency: latency,
		}
	}
	return &memory.TestReport{
		OK:      true,
		Message: "mem0 API reachable",
		Latency: latency,
		Details: map[string]any{"base_url": p.baseURL},
	}
}

type saveRequest struct {
	Messages []memory.Turn  `json:"messages"`
	UserID   string         `json:"user_id"`
	OrgID    string         `json:"org_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type saveResponse struct {
	Results []struct {
		ID     string `json:"id"`
		Memory string `json:"memory"`
		Event  string `json:"event"`
	} `json:"results"`
}

// SaveMemory sends the plain-content path: one user-role message.
func (p *Provider) SaveMemory(ctx context.Context, userID, content string, meta memory.Metadata) (*memory.SaveResult, error) {
	role := meta.Role
	if role == "" {
		role = "user"
	}
	return p.save(ctx, userID, []memory.Turn{{Role: role, Content: content}}, meta)
}

// SaveConversation sends the conversation-pair path: the full exchange, for
// more accurate extraction on the remote side.
func (p *Provider) SaveConversation(ctx context.Context, userID string, turns []memory.Turn, meta memory.Metadata) (*memory.SaveResult, error) {
	return p.save(ctx, userID, turns, meta)
}

func (p *Provider) save(ctx context.Context, userID string, turns []memory.Turn, meta memory.Metadata) (*memory.SaveResult, error) {
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

	md := map[string]any{
		"memory_type": string(memType),
		"importance":  memory.ClampImportance(meta.Importance),
	}
	if meta.Summary != "" {
		md["summary"] = meta.Summary
	}
	if meta.ConversationID != "" {
		md["conversation_id"] = meta.ConversationID
	}

	var resp saveResponse
	err := p.do(ctx, http.MethodPost, "/v1/memories/", saveRequest{
		Messages: turns,
		UserID:   userID,
		OrgID:    p.orgID,
		Metadata: md,
	}, &resp)
	if err != nil {
		return nil, err
	}

	result := &memory.SaveResult{}
	if len(resp.Results) > 0 {
		result.MemoryID = resp.Results[0].ID
	}
	return result, nil
}

type searchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
	OrgID  string `json:"org_id,omitempty"`
}

type remoteMemory struct {
	ID        string         `json:"id"`
	Memory    string         `json:"memory"`
	UserID    string         `json:"user_id"`
	Score     float64        `json:"score"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RelevantMemories searches remote memories ranked by relevance to query.
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

	var resp struct {
		Results []remoteMemory `json:"results"`
	}
	err := p.do(ctx, http.MethodPost, "/v1/memories/search/", searchRequest{
		Query:  query,
		UserID: userID,
		Limit:  limit,
		OrgID:  p.orgID,
	}, &resp)
	if err != nil {
		return nil, err
	}

	memories := make([]*memory.Memory, 0, len(resp.Results))
	for i := range resp.Results {
		memories = append(memories, toMemory(&resp.Results[i]))
	}

	return &memory.SearchResult{Memories: memories}, nil
}

// AllMemories lists the user's remote memories; the type filter is applied
// client-side since the API has no matching parameter.
func (p *Provider) AllMemories(ctx context.Context, userID string, filter memory.ListFilter) (*memory.ListResult, error) {
	if !p.Enabled() {
		return nil, apperrors.NewDisabledError(ProviderName, "get_all_memories")
	}
	if userID == "" {
		return nil, apperrors.NewValidationError(ProviderName, "get_all_memories", "user id is required")
	}

	q := url.Values{}
	q.Set("user_id", userID)
	if p.orgID != "" {
		q.Set("org_id", p.orgID)
	}

	var resp struct {
		Results []remoteMemory `json:"results"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/memories/?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	memories := make([]*memory.Memory, 0, len(resp.Results))
	for i := range resp.Results {
		m := toMemory(&resp.Results[i])
		if filter.Type != "" && string(m.Type) != filter.Type {
			continue
		}
		if filter.ImportanceMin > 0 && m.Importance < filter.ImportanceMin {
			continue
		}
		memories = append(memories, m)
	}

	return &memory.ListResult{Memories: memories, Count: len(memories)}, nil
}

// DeleteMemory removes a remote memory by its Mem0 identifier.
func (p *Provider) DeleteMemory(ctx context.Context, memoryID string) error {
	if !p.Enabled() {
		return apperrors.NewDisabledError(ProviderName, "delete_memory")
	}
	return p.do(ctx, http.MethodDelete, "/v1/memories/"+url.PathEscape(memoryID)+"/", nil, nil)
}

// UpdateMemory can only mutate the memory text on the remote side; Mem0 owns
// summarization and importance is metadata-only there. Type changes are
// reported as unsupported rather than silently dropped.
func (p *Provider) UpdateMemory(ctx context.Context, memoryID string, upd memory.Update) (*memory.Memory, error) {
	if !p.Enabled() {
		return nil, apperrors.NewDisabledError(ProviderName, "update_memory")
	}
	if upd.Type != nil {
		return nil, apperrors.NewUnsupportedError(ProviderName, "update_memory",
			"mem0 memories cannot change type after creation")
	}

	body := map[string]any{}
	if upd.Summary != nil {
		body["text"] = *upd.Summary
	}
	if upd.Importance != nil {
		body["metadata"] = map[string]any{"importance": memory.ClampImportance(*upd.Importance)}
	}
	if len(body) == 0 {
		return nil, apperrors.NewValidationError(ProviderName, "update_memory", "no updatable fields supplied")
	}

	var resp remoteMemory
	err := p.do(ctx, http.MethodPut, "/v1/memories/"+url.PathEscape(memoryID)+"/", body, &resp)
	if err != nil {
		return nil, err
	}
	return toMemory(&resp), nil
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
		Description: "hosted memory API (remote summarization and indexing)",
		Enabled:     p.Enabled(),
		Details:     map[string]string{"base_url": p.baseURL},
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
	req.Header.Set("Authorization", "Token "+p.apiKey)

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

func toMemory(r *remoteMemory) *memory.Memory {
	m := &memory.Memory{
		ID:         r.ID,
		UserID:     r.UserID,
		Content:    r.Memory,
		Summary:    r.Memory,
		Importance: memory.ImportanceDefault,
		Type:       memory.TypePersonal,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		Similarity: r.Score,
	}
	if r.Metadata != nil {
		if v, ok := r.Metadata["memory_type"].(string); ok {
			if t, known := memory.NormalizeType(v); known {
				m.Type = t
			}
		}
		if v, ok := r.Metadata["importance"].(float64); ok {
			m.Importance = memory.ClampImportance(int(v))
		}
		if v, ok := r.Metadata["summary"].(string); ok && v != "" {
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
