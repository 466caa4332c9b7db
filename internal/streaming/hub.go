package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/metrics"
)

// Event is one progress update on a deliberation stream.
type Event struct {
	DeliberationID string                 `json:"deliberation_id"`
	Type           string                 `json:"type"`
	AgentRole      string                 `json:"agent_role,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Seq            uint64                 `json:"seq"`
}

// Stage identifiers carried in Event.Type. The pipeline emits one event
// before entering each stage; heartbeat/timeout/error/complete are
// emitted by the session around it.
const (
	TypeStarting     = "starting"
	TypeGathering    = "gathering"
	TypeExtracting   = "extracting"
	TypeVerifying    = "verifying"
	TypeReviewing    = "reviewing"
	TypeSynthesizing = "synthesizing"
	TypeHeartbeat    = "heartbeat"
	TypeTimeout      = "timeout"
	TypeError        = "error"
	TypeComplete     = "complete"
)

// EndMarker terminates every stream exactly once, after the terminal event.
const EndMarker = "[DONE]"

// Marshal returns the event's JSON for SSE/WS frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Hub is the in-memory pub/sub fabric between running deliberations and
// their SSE/WebSocket subscribers. Each deliberation gets a replay ring so
// a reconnecting client can resume from its last seen sequence number.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int

	rdb    redis.UniversalClient // optional mirror, nil to disable
	logger *zap.Logger
}

// NewHub constructs a hub. rdb may be nil; when set, every published event
// is mirrored into a Redis stream for external consumers.
func NewHub(ringCapacity int, rdb redis.UniversalClient, logger *zap.Logger) *Hub {
	if ringCapacity <= 0 {
		ringCapacity = 256
	}
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    ringCapacity,
		rdb:         rdb,
		logger:      logger,
	}
}

// Subscribe registers a channel for one deliberation's events. The caller
// must drain it and call Unsubscribe when done.
func (h *Hub) Subscribe(deliberationID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[deliberationID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		h.subscribers[deliberationID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(deliberationID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[deliberationID]; ok {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(h.subscribers, deliberationID)
		}
	}
}

// Publish assigns the event its sequence number, records it for replay and
// fans it out without blocking. Slow subscribers lose events; the replay
// ring is their recovery path.
func (h *Hub) Publish(ctx context.Context, evt Event) {
	h.mu.Lock()
	rg := h.history[evt.DeliberationID]
	if rg == nil {
		rg = newRing(h.capacity)
		h.history[evt.DeliberationID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	// Fan-out stays under the lock so Unsubscribe cannot close a channel
	// mid-send. The sends never block.
	for ch := range h.subscribers[evt.DeliberationID] {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()

	metrics.EventsPublished.Inc()

	if h.rdb != nil {
		h.mirror(ctx, evt)
	}
}

// ReplaySince returns recorded events with Seq > since, best effort within
// the ring capacity.
func (h *Hub) ReplaySince(deliberationID string, since uint64) []Event {
	h.mu.RLock()
	rg := h.history[deliberationID]
	h.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// History returns every retained event for a deliberation in order. Fresh
// observers use this; ReplaySince is for resuming from a known sequence.
func (h *Hub) History(deliberationID string) []Event {
	h.mu.RLock()
	rg := h.history[deliberationID]
	h.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.all()
}

// Forget drops the replay history for a finished deliberation.
func (h *Hub) Forget(deliberationID string) {
	h.mu.Lock()
	delete(h.history, deliberationID)
	h.mu.Unlock()
}

func (h *Hub) mirror(ctx context.Context, evt Event) {
	key := "consilium:events:" + evt.DeliberationID
	err := h.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: int64(h.capacity),
		Approx: true,
		Values: map[string]interface{}{"event": string(evt.Marshal())},
	}).Err()
	if err != nil {
		h.logger.Warn("Redis event mirror failed",
			zap.String("deliberation_id", evt.DeliberationID), zap.Error(err))
	}
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) all() []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
