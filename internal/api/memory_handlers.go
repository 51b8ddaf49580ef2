package api

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/talk2me/talk2me/internal/memory"
	apperrors "github.com/talk2me/talk2me/pkg/errors"
)

// ListMemories returns the user's memories, optionally filtered by type and
// minimum importance.
func (h *Handler) ListMemories(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	filter := memory.ListFilter{Type: r.URL.Query().Get("memory_type")}
	if raw := r.URL.Query().Get("importance_min"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "importance_min must be an integer")
			return
		}
		filter.ImportanceMin = n
	}

	result, err := h.router.AllMemories(r.Context(), userID, filter)
	if err != nil {
		h.writeProviderError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// DeleteMemory removes one memory by ID.
func (h *Handler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "memory id is required")
		return
	}

	if err := h.router.DeleteMemory(r.Context(), id); err != nil {
		h.writeProviderError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "memory_id": id})
}

// UpdateMemory applies administrative mutations to one memory.
func (h *Handler) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "memory id is required")
		return
	}

	var upd memory.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if upd.Summary == nil && upd.Importance == nil && upd.Type == nil {
		h.writeError(w, http.StatusBadRequest, "no updatable fields supplied")
		return
	}

	updated, err := h.router.UpdateMemory(r.Context(), id, upd)
	if err != nil {
		h.writeProviderError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"memory_id": id, "memory": updated})
}

// MemoryStatus reports the router's active and fallback providers.
func (h *Handler) MemoryStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.router.Status())
}

// TestMemory runs a connection test against a named provider, defaulting to
// the active one.
func (h *Handler) TestMemory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	report := h.router.TestProvider(r.Context(), body.Provider)
	status := http.StatusOK
	if !report.OK {
		status = http.StatusBadGateway
	}
	h.writeJSON(w, status, report)
}

// ReloadMemory re-reads configuration and re-runs provider selection. A
// file-backed config reload notifies its subscribers, where provider
// re-selection is wired, so the router is reloaded directly only for static
// configurations. Either way selection runs once per request.
func (h *Handler) ReloadMemory(w http.ResponseWriter, r *http.Request) {
	if h.cfgMgr.FileBacked() {
		if err := h.cfgMgr.Reload(); err != nil {
			h.writeError(w, http.StatusBadRequest, "config reload failed: "+err.Error())
			return
		}
	} else if err := h.router.Reload(r.Context()); err != nil {
		h.writeProviderError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":        true,
		"active_provider": h.router.ActiveName(),
	})
}

// writeProviderError maps provider error kinds onto HTTP statuses.
func (h *Handler) writeProviderError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.WithRequestID(r.Context()).RedactedError("memory operation failed", "error", err)

	status := http.StatusBadGateway
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		status = http.StatusBadRequest
	case apperrors.KindUnsupported:
		status = http.StatusMethodNotAllowed
	case apperrors.KindDisabled, apperrors.KindSelection:
		status = http.StatusServiceUnavailable
	}
	h.writeError(w, status, err.Error())
}
