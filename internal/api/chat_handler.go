package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/talk2me/talk2me/internal/chat"
)

// sseEvent is one frame of the chat stream.
type sseEvent struct {
	Delta         string `json:"delta,omitempty"`
	Done          bool   `json:"done,omitempty"`
	MemoriesSaved int    `json:"memories_saved,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Chat streams one conversation turn as server-sent events. Content deltas
// arrive as they are generated; a final done frame carries turn totals.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log := h.logger.WithRequestID(r.Context())

	emit := func(delta string) error {
		return writeSSE(w, flusher, sseEvent{Delta: delta})
	}

	result, err := h.chat.StreamTurn(r.Context(), req, emit)
	if err != nil {
		log.RedactedError("chat turn failed", "error", err)
		// Headers are already out; the error must travel in-stream.
		_ = writeSSE(w, flusher, sseEvent{Error: "chat turn failed", Done: true})
		return
	}

	_ = writeSSE(w, flusher, sseEvent{Done: true, MemoriesSaved: result.MemoriesSaved})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event sseEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
