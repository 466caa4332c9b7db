package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Progress streams carry no secrets and the UI may live on another
	// origin during development.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// websocket mirrors the SSE observer endpoint over a WebSocket. Each event
// is one JSON text frame; the connection closes after the terminal event.
func (h *StreamHandler) websocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("deliberation_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "deliberation_id is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.hub.Subscribe(id, 64)
	defer h.hub.Unsubscribe(id, ch)

	// Reader goroutine: only there to observe the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(payload []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, payload) == nil
	}

	var replay []streaming.Event
	if seq, ok := lastSeen(r); ok {
		replay = h.hub.ReplaySince(id, seq)
	} else {
		replay = h.hub.History(id)
	}
	var lastSeq uint64
	seenAny := false
	for _, evt := range replay {
		if !send(evt.Marshal()) {
			return
		}
		lastSeq = evt.Seq
		seenAny = true
		if isTerminal(evt.Type) {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			if seenAny && evt.Seq <= lastSeq {
				continue
			}
			if !send(evt.Marshal()) {
				return
			}
			if isTerminal(evt.Type) {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
