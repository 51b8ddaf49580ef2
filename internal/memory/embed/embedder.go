// Package embed provides vector embedding generation for the local memory
// provider, with a dual-tier (in-process + Redis) cache in front of the
// remote embeddings API.
package embed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/pkg/types"
)

// DefaultBaseURL is the default embeddings API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	model     string
	dimension int
	limiter   *rate.Limiter
}

// NewOpenAI creates an embeddings client from configuration.
func NewOpenAI(cfg config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding api key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 1536
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &OpenAIEmbedder{
		client:    &http.Client{Timeout: cfg.Timeout},
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		model:     model,
		dimension: dimension,
		limiter:   limiter,
	}, nil
}

// Dimension returns the embedding vector size.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// Embed generates an embedding for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(types.EmbeddingRequest{
		Model: e.model,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding request failed: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	var parsed types.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding response contains no data")
	}

	return parsed.Data[0].Embedding, nil
}
