// Package api provides the HTTP surface of the chat backend: the streaming
// chat endpoint, memory administration, and router diagnostics.
package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talk2me/talk2me/internal/chat"
	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/memory"
	"github.com/talk2me/talk2me/internal/observability"
)

// Handler holds the dependencies shared by all endpoints.
type Handler struct {
	router *memory.Router
	chat   *chat.Service
	cfgMgr *config.Manager
	logger *observability.Logger
}

// NewHandler creates the API handler.
func NewHandler(router *memory.Router, chatSvc *chat.Service, cfgMgr *config.Manager, logger *observability.Logger) *Handler {
	return &Handler{
		router: router,
		chat:   chatSvc,
		cfgMgr: cfgMgr,
		logger: logger.WithFields("component", "api"),
	}
}

// Routes builds the complete handler chain: routing, CORS, request IDs.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", h.Chat)

	mux.HandleFunc("GET /api/memory", h.ListMemories)
	mux.HandleFunc("DELETE /api/memory/{id...}", h.DeleteMemory)
	mux.HandleFunc("PATCH /api/memory/{id...}", h.UpdateMemory)

	mux.HandleFunc("GET /api/memory/status", h.MemoryStatus)
	mux.HandleFunc("POST /api/memory/test", h.TestMemory)
	mux.HandleFunc("POST /api/memory/reload", h.ReloadMemory)

	mux.HandleFunc("GET /healthz", h.Health)

	metricsCfg := h.cfgMgr.Get().Metrics
	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	var handler http.Handler = mux
	handler = h.corsMiddleware(handler)
	handler = observability.RequestIDMiddleware(handler)
	return handler
}

// corsMiddleware applies the configured allowed origins. An empty list
// allows same-origin use only.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+observability.RequestIDHeader)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	for _, allowed := range h.cfgMgr.Get().Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Health reports liveness plus the active memory provider.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"memory_provider": h.router.ActiveName(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.RedactedError("write response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{Message: message, Type: errorType(status)},
	})
}

func errorType(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 500:
		return "internal_error"
	default:
		return "invalid_request"
	}
}

// ErrorResponse is the error envelope for all endpoints.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
