package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/config"
	"github.com/sgclegal/consilium/internal/consilium"
	"github.com/sgclegal/consilium/internal/streaming"
)

// DeliberationHandler exposes the deliberation pipeline over HTTP: a
// blocking JSON endpoint and an SSE endpoint that streams stage progress.
type DeliberationHandler struct {
	pipeline *consilium.Pipeline
	hub      *streaming.Hub
	cfg      *config.Manager
	logger   *zap.Logger
}

func NewDeliberationHandler(pipeline *consilium.Pipeline, hub *streaming.Hub, cfg *config.Manager, logger *zap.Logger) *DeliberationHandler {
	return &DeliberationHandler{pipeline: pipeline, hub: hub, cfg: cfg, logger: logger}
}

func (h *DeliberationHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/deliberations", h.deliberate)
	mux.HandleFunc("POST /api/v1/deliberations/stream", h.deliberateStream)
}

func (h *DeliberationHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (consilium.DeliberationRequest, bool) {
	var req consilium.DeliberationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return req, false
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return req, false
	}
	return req, true
}

// deliberate runs the pipeline synchronously and returns the full result.
// Progress still flows through the hub, so /stream/sse subscribers can
// follow along.
func (h *DeliberationHandler) deliberate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	id := uuid.NewString()
	cfg := h.cfg.Config()
	ctx, cancel := context.WithTimeout(r.Context(), cfg.Streaming.GlobalDeadline)
	defer cancel()

	publish := func(evt streaming.Event) {
		evt.DeliberationID = id
		h.hub.Publish(ctx, evt)
	}

	result, err := h.pipeline.Run(ctx, id, req, publish)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "deliberation timed out")
		case errors.Is(err, consilium.ErrAllAgentsFailed):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// deliberateStream runs the pipeline under a streaming session and writes
// every progress event as an SSE frame, ending with the [DONE] marker.
func (h *DeliberationHandler) deliberateStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id := uuid.NewString()
	cfg := h.cfg.Config()

	// The session outlives the request context on purpose: its own
	// deadline governs the pipeline, and Abort handles client loss.
	sess := streaming.NewSession(context.Background(), id, h.hub, cfg.Streaming, h.logger)

	go func() {
		result, err := h.pipeline.Run(sess.Context(), id, req, sess.Publish)
		if err != nil {
			sess.Fail(err)
			return
		}
		sess.Complete(map[string]interface{}{"result": result})
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: connected\ndata: {\"deliberation_id\":%q}\n\n", id)
	flusher.Flush()

	clientGone := r.Context().Done()
	for {
		select {
		case evt, open := <-sess.Events():
			if !open {
				fmt.Fprintf(w, "data: %s\n\n", streaming.EndMarker)
				flusher.Flush()
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-clientGone:
			sess.Abort()
			for range sess.Events() {
			}
			h.logger.Info("Stream client disconnected",
				zap.String("deliberation_id", id))
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, evt.Marshal())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
