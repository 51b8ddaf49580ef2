// Package llm provides an OpenAI-compatible chat completion client. Both
// supported upstreams (OpenAI, Groq) speak the same wire format, so one
// client covers them with only base-URL and auth differences.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/metrics"
	"github.com/talk2me/talk2me/internal/observability"
	"github.com/talk2me/talk2me/pkg/types"
)

// Default upstream endpoints by provider name.
const (
	openAIBaseURL = "https://api.openai.com/v1"
	groqBaseURL   = "https://api.groq.com/openai/v1"
)

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	provider    string
	apiKey      string
	baseURL     string
	model       string
	temperature *float64
	maxTokens   int
	client      *http.Client
	logger      *observability.Logger
}

// NewClient creates a chat completion client from configuration.
func NewClient(cfg config.LLMConfig, logger *observability.Logger) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case "openai":
			baseURL = openAIBaseURL
		case "groq":
			baseURL = groqBaseURL
		default:
			return nil, fmt.Errorf("unknown llm provider: %q", cfg.Provider)
		}
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required for provider %q", cfg.Provider)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		provider:    cfg.Provider,
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.WithFields("component", "llm", "provider", cfg.Provider),
	}, nil
}

// Model returns the configured default model.
func (c *Client) Model() string {
	return c.model
}

// applyDefaults fills unset request fields from configuration.
func (c *Client) applyDefaults(req *types.ChatRequest) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.Temperature == nil {
		req.Temperature = c.temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.maxTokens
	}
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	c.applyDefaults(req)
	req.Stream = false

	start := time.Now()
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var out types.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	metrics.LLMLatency.WithLabelValues(c.provider, req.Model).Observe(time.Since(start).Seconds())
	return &out, nil
}

// StreamCompletion performs a streaming chat completion. The caller owns the
// returned stream and must Close it.
func (c *Client) StreamCompletion(ctx context.Context, req *types.ChatRequest) (*Stream, error) {
	c.applyDefaults(req)
	req.Stream = true

	start := time.Now()
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, c.statusError(resp)
	}

	return newStream(resp.Body, func() {
		metrics.LLMLatency.WithLabelValues(c.provider, req.Model).Observe(time.Since(start).Seconds())
	}), nil
}

func (c *Client) post(ctx context.Context, req *types.ChatRequest) (*http.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	c.logger.RedactedError("llm upstream error",
		"status", resp.StatusCode, "body", string(data))
	return fmt.Errorf("llm upstream returned status %d: %s", resp.StatusCode, string(data))
}
