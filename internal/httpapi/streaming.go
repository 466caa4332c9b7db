package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/streaming"
)

// StreamHandler lets additional observers follow a deliberation that is
// already running: SSE with Last-Event-ID replay, and WebSocket.
type StreamHandler struct {
	hub    *streaming.Hub
	logger *zap.Logger
}

func NewStreamHandler(hub *streaming.Hub, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{hub: hub, logger: logger}
}

func (h *StreamHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.sse)
	mux.HandleFunc("GET /stream/ws", h.websocket)
}

// lastSeen reads the resume position from the Last-Event-ID header or the
// last_event_id query parameter, header taking precedence.
func lastSeen(r *http.Request) (uint64, bool) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0, false
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func isTerminal(t string) bool {
	switch t {
	case streaming.TypeComplete, streaming.TypeError, streaming.TypeTimeout:
		return true
	}
	return false
}

func (h *StreamHandler) sse(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("deliberation_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "deliberation_id is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := h.hub.Subscribe(id, 64)
	defer h.hub.Unsubscribe(id, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Replay first so a reconnecting client fills its gap; duplicates are
	// possible across the replay/live boundary and clients dedupe by id.
	var replay []streaming.Event
	if seq, ok := lastSeen(r); ok {
		replay = h.hub.ReplaySince(id, seq)
	} else {
		replay = h.hub.History(id)
	}
	var lastSeq uint64
	seenAny := false
	for _, evt := range replay {
		writeSSE(w, evt)
		lastSeq = evt.Seq
		seenAny = true
		if isTerminal(evt.Type) {
			fmt.Fprintf(w, "data: %s\n\n", streaming.EndMarker)
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			if seenAny && evt.Seq <= lastSeq {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
			if isTerminal(evt.Type) {
				fmt.Fprintf(w, "data: %s\n\n", streaming.EndMarker)
				flusher.Flush()
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
