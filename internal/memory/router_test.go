package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/observability"
	apperrors "github.com/talk2me/talk2me/pkg/errors"
)

type savedCall struct {
	userID  string
	content string
	meta    Metadata
}

// fakeProvider is a controllable in-memory Provider for router tests. Every
// method takes mu so the reload-under-concurrency test stays race-clean no
// matter which fields it touches.
type fakeProvider struct {
	mu       sync.Mutex
	name     string
	initOK   bool
	failWith error
	saves    []savedCall
}

func (f *fakeProvider) Initialize(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initOK
}

func (f *fakeProvider) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initOK
}

func (f *fakeProvider) TestConnection(ctx context.Context) *TestReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &TestReport{OK: f.initOK, Message: f.name}
}

func (f *fakeProvider) SaveMemory(ctx context.Context, userID, content string, meta Metadata) (*SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.saves = append(f.saves, savedCall{userID, content, meta})
	return &SaveResult{MemoryID: f.name + "-1"}, nil
}

func (f *fakeProvider) RelevantMemories(ctx context.Context, userID, query string, limit int) (*SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &SearchResult{Context: "from " + f.name}, nil
}

func (f *fakeProvider) AllMemories(ctx context.Context, userID string, filter ListFilter) (*ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &ListResult{}, nil
}

func (f *fakeProvider) DeleteMemory(ctx context.Context, memoryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failWith
}

func (f *fakeProvider) UpdateMemory(ctx context.Context, memoryID string, upd Update) (*Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &Memory{ID: memoryID}, nil
}

func (f *fakeProvider) Cleanup(ctx context.Context) error { return nil }

func (f *fakeProvider) Info() Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Info{Name: f.name, Enabled: f.initOK}
}

func (f *fakeProvider) savedCalls() []savedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedCall(nil), f.saves...)
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelError,
		Output: io.Discard,
	}, nil)
}

func testRouter(t *testing.T, defaultProvider string, providers map[string]*fakeProvider) (*Router, *Registry) {
	t.Helper()

	registry := NewRegistry()
	for name, p := range providers {
		p := p
		registry.Register(name, func(cfg *config.Config, logger *observability.Logger) (Provider, error) {
			return p, nil
		})
	}

	cfg := config.DefaultConfig()
	cfg.Memory.DefaultProvider = defaultProvider
	cfgMgr := config.NewStaticManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	return NewRouter(registry, cfgMgr, testLogger()), registry
}

func TestRouterFallbackUsesIdenticalArguments(t *testing.T) {
	local := &fakeProvider{name: "local", initOK: true}
	hosted := &fakeProvider{
		name:     "mem0",
		initOK:   true,
		failWith: apperrors.NewConnectivityError("mem0", "save_memory", fmt.Errorf("boom")),
	}

	router, _ := testRouter(t, "mem0", map[string]*fakeProvider{"local": local, "mem0": hosted})
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	meta := Metadata{Summary: "likes hiking", Importance: 7, Type: "preference"}
	result, err := router.SaveMemory(context.Background(), "user-1", "the user likes hiking", meta)
	if err != nil {
		t.Fatalf("SaveMemory() error = %v", err)
	}
	if result.MemoryID != "local-1" {
		t.Fatalf("expected fallback save, got memory ID %q", result.MemoryID)
	}

	saves := local.savedCalls()
	if len(saves) != 1 {
		t.Fatalf("expected 1 fallback save, got %d", len(saves))
	}
	got := saves[0]
	if got.userID != "user-1" || got.content != "the user likes hiking" || got.meta != meta {
		t.Fatalf("fallback received different arguments: %+v", got)
	}
}

func TestRouterBothProvidersFailingNamesBoth(t *testing.T) {
	local := &fakeProvider{
		name:     "local",
		initOK:   true,
		failWith: apperrors.NewConnectivityError("local", "save_memory", fmt.Errorf("db down")),
	}
	hosted := &fakeProvider{
		name:     "mem0",
		initOK:   true,
		failWith: apperrors.NewConnectivityError("mem0", "save_memory", fmt.Errorf("api down")),
	}

	router, _ := testRouter(t, "mem0", map[string]*fakeProvider{"local": local, "mem0": hosted})
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	_, err := router.SaveMemory(context.Background(), "user-1", "content", Metadata{})
	if err == nil {
		t.Fatal("expected combined error, got nil")
	}
	for _, name := range []string{"mem0", "local"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("combined error should mention %q: %v", name, err)
		}
	}
}

func TestRouterValidationErrorSkipsFallback(t *testing.T) {
	local := &fakeProvider{name: "local", initOK: true}
	hosted := &fakeProvider{
		name:     "mem0",
		initOK:   true,
		failWith: apperrors.NewValidationError("mem0", "save_memory", "bad type"),
	}

	router, _ := testRouter(t, "mem0", map[string]*fakeProvider{"local": local, "mem0": hosted})
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	_, err := router.SaveMemory(context.Background(), "user-1", "content", Metadata{Type: "nonsense"})
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected validation error to surface untouched, got %v", err)
	}
	if len(local.savedCalls()) != 0 {
		t.Fatal("validation error must not be retried on the fallback")
	}
}

func TestRouterUnknownDefaultSelectsLocal(t *testing.T) {
	local := &fakeProvider{name: "local", initOK: true}

	router, _ := testRouter(t, "does-not-exist", map[string]*fakeProvider{"local": local})
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if router.ActiveName() != config.ProviderLocal {
		t.Fatalf("expected local active, got %q", router.ActiveName())
	}
	if !router.LocalActive() {
		t.Fatal("LocalActive() = false for local provider")
	}
}

func TestRouterActivationFailureFallsBackToLocal(t *testing.T) {
	local := &fakeProvider{name: "local", initOK: true}
	broken := &fakeProvider{name: "zep", initOK: false}

	router, _ := testRouter(t, "zep", map[string]*fakeProvider{"local": local, "zep": broken})
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if router.ActiveName() != config.ProviderLocal {
		t.Fatalf("expected selection-time fallback to local, got %q", router.ActiveName())
	}
}

func TestRouterLocalFailureIsFatal(t *testing.T) {
	broken := &fakeProvider{name: "local", initOK: false}

	router, _ := testRouter(t, "local", map[string]*fakeProvider{"local": broken})
	err := router.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected error when the local provider cannot initialize")
	}
	if apperrors.KindOf(err) != apperrors.KindSelection {
		t.Fatalf("expected selection error, got %v", err)
	}
}

func TestRouterNoActiveProvider(t *testing.T) {
	router, _ := testRouter(t, "local", map[string]*fakeProvider{"local": {name: "local", initOK: true}})

	_, err := router.SaveMemory(context.Background(), "user-1", "content", Metadata{})
	if err == nil {
		t.Fatal("expected error before Initialize")
	}
}

func TestRouterReloadUnderConcurrentRequests(t *testing.T) {
	local := &fakeProvider{name: "local", initOK: true}
	hosted := &fakeProvider{name: "mem0", initOK: true}

	router, _ := testRouter(t, "mem0", map[string]*fakeProvider{"local": local, "mem0": hosted})
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if _, err := router.RelevantMemories(context.Background(), "user-1", "query", 5); err != nil {
					t.Errorf("RelevantMemories() during reload: %v", err)
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		if err := router.Reload(context.Background()); err != nil {
			t.Fatalf("Reload() error = %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	close(done)
	wg.Wait()
}

func TestRouterTestProviderEphemeral(t *testing.T) {
	local := &fakeProvider{name: "local", initOK: true}
	hosted := &fakeProvider{name: "zep", initOK: true}

	router, _ := testRouter(t, "local", map[string]*fakeProvider{"local": local, "zep": hosted})
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	report := router.TestProvider(context.Background(), "zep")
	if !report.OK {
		t.Fatalf("TestProvider(zep) = %+v", report)
	}
	if report.Message != "zep" {
		t.Fatalf("expected zep report, got %q", report.Message)
	}

	report = router.TestProvider(context.Background(), "")
	if !report.OK || report.Message != "local" {
		t.Fatalf("TestProvider(active) = %+v", report)
	}
}

func TestRouterSaveConversationFlattensForPlainProviders(t *testing.T) {
	local := &fakeProvider{name: "local", initOK: true}

	router, _ := testRouter(t, "local", map[string]*fakeProvider{"local": local})
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	turns := []Turn{
		{Role: "user", Content: "my partner is Alex"},
		{Role: "assistant", Content: "Alex sounds lovely"},
	}
	if _, err := router.SaveConversation(context.Background(), "user-1", turns, Metadata{}); err != nil {
		t.Fatalf("SaveConversation() error = %v", err)
	}

	saves := local.savedCalls()
	if len(saves) != 1 {
		t.Fatalf("expected 1 save, got %d", len(saves))
	}
	want := "user: my partner is Alex\nassistant: Alex sounds lovely"
	if saves[0].content != want {
		t.Fatalf("flattened content = %q, want %q", saves[0].content, want)
	}
}

func TestRouterStatus(t *testing.T) {
	local := &fakeProvider{name: "local", initOK: true}
	hosted := &fakeProvider{name: "mem0", initOK: true}

	router, _ := testRouter(t, "mem0", map[string]*fakeProvider{"local": local, "mem0": hosted})
	if err := router.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	st := router.Status()
	if !st.Initialized {
		t.Fatal("Status().Initialized = false")
	}
	if st.ActiveProvider == nil || st.ActiveProvider.Name != "mem0" {
		t.Fatalf("active provider = %+v", st.ActiveProvider)
	}
	if st.Fallback == nil || st.Fallback.Name != "local" {
		t.Fatalf("fallback provider = %+v", st.Fallback)
	}
	if len(st.Registered) != 2 {
		t.Fatalf("registered = %v", st.Registered)
	}
}
