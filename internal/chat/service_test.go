package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/llm"
	"github.com/talk2me/talk2me/internal/memory"
	"github.com/talk2me/talk2me/internal/observability"
	"github.com/talk2me/talk2me/pkg/types"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelError,
		Output: io.Discard,
	}, nil)
}

// memProvider is a controllable memory.Provider for chat flow tests. All
// mutable fields are guarded by mu, including reads on the retrieval path.
type memProvider struct {
	mu             sync.Mutex
	name           string
	searchContext  string
	searchMemories []*memory.Memory
	searchErr      error
	saves          []string
	conversations  [][]memory.Turn
	savedCh        chan struct{}
}

func (f *memProvider) Initialize(ctx context.Context) bool { return true }
func (f *memProvider) Enabled() bool                       { return true }

func (f *memProvider) TestConnection(ctx context.Context) *memory.TestReport {
	return &memory.TestReport{OK: true}
}

func (f *memProvider) SaveMemory(ctx context.Context, userID, content string, meta memory.Metadata) (*memory.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, content)
	return &memory.SaveResult{MemoryID: fmt.Sprintf("%s-%d", f.name, len(f.saves))}, nil
}

func (f *memProvider) SaveConversation(ctx context.Context, userID string, turns []memory.Turn, meta memory.Metadata) (*memory.SaveResult, error) {
	f.mu.Lock()
	f.conversations = append(f.conversations, turns)
	f.mu.Unlock()
	if f.savedCh != nil {
		f.savedCh <- struct{}{}
	}
	return &memory.SaveResult{MemoryID: "conv-1"}, nil
}

func (f *memProvider) RelevantMemories(ctx context.Context, userID, query string, limit int) (*memory.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &memory.SearchResult{Context: f.searchContext, Memories: f.searchMemories}, nil
}

func (f *memProvider) AllMemories(ctx context.Context, userID string, filter memory.ListFilter) (*memory.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &memory.ListResult{}, nil
}

func (f *memProvider) DeleteMemory(ctx context.Context, memoryID string) error { return nil }

func (f *memProvider) UpdateMemory(ctx context.Context, memoryID string, upd memory.Update) (*memory.Memory, error) {
	return nil, nil
}

func (f *memProvider) Cleanup(ctx context.Context) error { return nil }
func (f *memProvider) Info() memory.Info                 { return memory.Info{Name: f.name, Enabled: true} }

func newService(t *testing.T, llmURL, defaultProvider string, providers map[string]*memProvider) (*Service, *memory.Router) {
	t.Helper()

	registry := memory.NewRegistry()
	for name, p := range providers {
		p := p
		registry.Register(name, func(cfg *config.Config, logger *observability.Logger) (memory.Provider, error) {
			return p, nil
		})
	}

	cfg := config.DefaultConfig()
	cfg.Memory.DefaultProvider = defaultProvider
	cfg.LLM.APIKey = "sk-test"
	cfg.LLM.BaseURL = llmURL
	cfgMgr := config.NewStaticManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	router := memory.NewRouter(registry, cfgMgr, testLogger())
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("router.Initialize() error = %v", err)
	}

	client, err := llm.NewClient(cfg.LLM, testLogger())
	if err != nil {
		t.Fatalf("llm.NewClient() error = %v", err)
	}

	return NewService(router, client, cfgMgr, testLogger()), router
}

func sseFrames(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, f := range frames {
		_, _ = io.WriteString(w, "data: "+f+"\n\n")
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func TestStreamTurnRememberToolFlow(t *testing.T) {
	var reqMu sync.Mutex
	var requests []types.ChatRequest
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		reqMu.Lock()
		requests = append(requests, req)
		reqMu.Unlock()

		if calls.Add(1) == 1 {
			args := `{\"content\":\"Alex is my partner\",\"summary\":\"Partner is Alex\",\"importance\":7,\"memory_type\":\"relationship\"}`
			sseFrames(w,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"remember_this","arguments":"`+args+`"}}]}}]}`,
				`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			)
			return
		}
		sseFrames(w, `{"choices":[{"delta":{"content":"Got it, I will remember that."}}]}`)
	}))
	defer server.Close()

	local := &memProvider{name: "local", searchContext: "What you remember about this user:\n- [personal] test\n"}
	svc, _ := newService(t, server.URL, "local", map[string]*memProvider{"local": local})

	var streamed strings.Builder
	result, err := svc.StreamTurn(context.Background(), Request{
		UserID:   "11111111-1111-1111-1111-111111111111",
		Messages: []types.ChatMessage{{Role: "user", Content: "My partner is Alex"}},
	}, func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamTurn() error = %v", err)
	}

	if result.MemoriesSaved != 1 {
		t.Fatalf("MemoriesSaved = %d, want 1", result.MemoriesSaved)
	}
	if streamed.String() != "Got it, I will remember that." {
		t.Fatalf("streamed = %q", streamed.String())
	}

	local.mu.Lock()
	saves := append([]string(nil), local.saves...)
	local.mu.Unlock()
	if len(saves) != 1 || saves[0] != "Alex is my partner" {
		t.Fatalf("saves = %v", saves)
	}

	reqMu.Lock()
	defer reqMu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("upstream requests = %d, want 2", len(requests))
	}
	first := requests[0]
	if len(first.Tools) != 1 || first.Tools[0].Function.Name != "remember_this" {
		t.Fatalf("first request tools = %+v", first.Tools)
	}
	if first.Messages[0].Role != "system" || !strings.Contains(first.Messages[0].Content, "What you remember about this user:") {
		t.Fatalf("system prompt missing memory context: %q", first.Messages[0].Content)
	}

	second := requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" || !strings.HasPrefix(last.Content, "saved:") {
		t.Fatalf("tool result message = %+v", last)
	}
}

func TestStreamTurnRetrievalFailureDegradesSilently(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Messages[0].Content, "What you remember") {
			t.Error("failed retrieval must not inject a context block")
		}
		sseFrames(w, `{"choices":[{"delta":{"content":"Hello!"}}]}`)
	}))
	defer server.Close()

	local := &memProvider{name: "local", searchErr: fmt.Errorf("store down")}
	svc, _ := newService(t, server.URL, "local", map[string]*memProvider{"local": local})

	result, err := svc.StreamTurn(context.Background(), Request{
		UserID:   "user-1",
		Messages: []types.ChatMessage{{Role: "user", Content: "hi"}},
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("StreamTurn() error = %v", err)
	}
	if result.Content != "Hello!" {
		t.Fatalf("content = %q", result.Content)
	}
}

func TestStreamTurnHostedHitsWithoutContextReachPrompt(t *testing.T) {
	var promptMu sync.Mutex
	var systemPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		promptMu.Lock()
		systemPrompt = req.Messages[0].Content
		promptMu.Unlock()
		sseFrames(w, `{"choices":[{"delta":{"content":"Alex loves hiking, as I recall."}}]}`)
	}))
	defer server.Close()

	// Hosted backends return bare hits with no pre-rendered context block.
	hosted := &memProvider{
		name:    "mem0",
		savedCh: make(chan struct{}, 1),
		searchMemories: []*memory.Memory{
			{Type: memory.TypeRelationship, Summary: "Partner Alex loves hiking"},
		},
	}
	local := &memProvider{name: "local"}
	svc, _ := newService(t, server.URL, "mem0", map[string]*memProvider{"mem0": hosted, "local": local})

	_, err := svc.StreamTurn(context.Background(), Request{
		UserID:   "anna@example.com",
		Messages: []types.ChatMessage{{Role: "user", Content: "Tell me about Alex"}},
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("StreamTurn() error = %v", err)
	}

	promptMu.Lock()
	defer promptMu.Unlock()
	if !strings.Contains(systemPrompt, "What you remember about this user:") {
		t.Fatalf("system prompt missing context header: %q", systemPrompt)
	}
	if !strings.Contains(systemPrompt, "Partner Alex loves hiking") {
		t.Fatalf("retrieved memory never reached the prompt: %q", systemPrompt)
	}
}

func TestStreamTurnHostedProviderSavesConversationInBackground(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 0 {
			t.Error("hosted providers must not expose the remember tool")
		}
		sseFrames(w, `{"choices":[{"delta":{"content":"Nice to hear from you."}}]}`)
	}))
	defer server.Close()

	hosted := &memProvider{name: "mem0", savedCh: make(chan struct{}, 1)}
	local := &memProvider{name: "local"}
	svc, router := newService(t, server.URL, "mem0", map[string]*memProvider{"mem0": hosted, "local": local})

	if router.LocalActive() {
		t.Fatal("expected hosted provider active")
	}

	_, err := svc.StreamTurn(context.Background(), Request{
		UserID:   "anna@example.com",
		Messages: []types.ChatMessage{{Role: "user", Content: "I had a good day"}},
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("StreamTurn() error = %v", err)
	}

	select {
	case <-hosted.savedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("background conversation save never ran")
	}

	hosted.mu.Lock()
	defer hosted.mu.Unlock()
	if len(hosted.conversations) != 1 {
		t.Fatalf("conversations = %d", len(hosted.conversations))
	}
	turns := hosted.conversations[0]
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[1].Content != "Nice to hear from you." {
		t.Fatalf("assistant turn = %q", turns[1].Content)
	}
}

func TestStreamTurnValidation(t *testing.T) {
	local := &memProvider{name: "local"}
	svc, _ := newService(t, "http://127.0.0.1:0", "local", map[string]*memProvider{"local": local})

	if _, err := svc.StreamTurn(context.Background(), Request{Messages: []types.ChatMessage{{Role: "user", Content: "hi"}}}, func(string) error { return nil }); err == nil {
		t.Fatal("missing user_id must be rejected")
	}
	if _, err := svc.StreamTurn(context.Background(), Request{UserID: "u"}, func(string) error { return nil }); err == nil {
		t.Fatal("empty messages must be rejected")
	}
}
