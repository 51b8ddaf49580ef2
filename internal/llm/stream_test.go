package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/pkg/types"
)

func streamingServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = io.WriteString(w, frame)
		}
	}))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(config.LLMConfig{
		Provider: "openai",
		APIKey:   "sk-test",
		BaseURL:  baseURL,
		Model:    "gpt-4o",
		Timeout:  time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestStreamRecvContentDeltas(t *testing.T) {
	server := streamingServer(t, []string{
		": keepalive comment\n\n",
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
		"data: [DONE]\n\n",
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	stream, err := client.StreamCompletion(context.Background(), &types.ChatRequest{
		Messages: []types.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	defer func() { _ = stream.Close() }()

	var content strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
		}
	}
	if content.String() != "Hello" {
		t.Fatalf("streamed content = %q", content.String())
	}
}

func TestStreamUpstreamErrorSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error": {"message": "rate limited"}}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.StreamCompletion(context.Background(), &types.ChatRequest{
		Messages: []types.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 429 upstream")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("error should carry the status: %v", err)
	}
}

func TestCompleteAppliesConfiguredDefaults(t *testing.T) {
	var got types.ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := unmarshalJSON(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Complete(context.Background(), &types.ChatRequest{
		Messages: []types.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Model != "gpt-4o" {
		t.Fatalf("request model = %q, want configured default", got.Model)
	}
	if got.Stream {
		t.Fatal("Complete() must not request streaming")
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Fatalf("response content = %q", resp.Choices[0].Message.Content)
	}
}

func TestToolCallAccumulator(t *testing.T) {
	acc := NewToolCallAccumulator()
	if !acc.Empty() {
		t.Fatal("new accumulator should be empty")
	}

	acc.Add([]types.StreamToolCall{
		{Index: 0, ID: "call_1", Type: "function", Function: types.ToolCallFunction{Name: "remember_this", Arguments: `{"con`}},
	})
	acc.Add([]types.StreamToolCall{
		{Index: 0, Function: types.ToolCallFunction{Arguments: `tent":"Alex"}`}},
	})
	acc.Add([]types.StreamToolCall{
		{Index: 1, ID: "call_2", Function: types.ToolCallFunction{Name: "remember_this", Arguments: `{}`}},
	})

	calls := acc.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Function.Name != "remember_this" {
		t.Fatalf("first call = %+v", calls[0])
	}
	if calls[0].Function.Arguments != `{"content":"Alex"}` {
		t.Fatalf("assembled arguments = %q", calls[0].Function.Arguments)
	}
	if calls[1].ID != "call_2" {
		t.Fatalf("second call = %+v", calls[1])
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(config.LLMConfig{Provider: "mystery", APIKey: "k"}, testLogger()); err == nil {
		t.Fatal("unknown provider must be rejected")
	}
	if _, err := NewClient(config.LLMConfig{Provider: "openai"}, testLogger()); err == nil {
		t.Fatal("missing api key must be rejected")
	}
}
