package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/config"
	"github.com/sgclegal/consilium/internal/metrics"
)

// Session ties one running deliberation to one progress consumer. It owns
// the delivery channel, keeps the stream alive with heartbeats, enforces
// the global deadline, and guarantees that events reach the consumer in
// publish order with a terminal event (complete, error or timeout) last.
type Session struct {
	id     string
	hub    *Hub
	cfg    config.StreamingConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	in        chan Event
	out       chan Event
	term      chan Event
	abandoned chan struct{}

	start    time.Time
	deadline time.Time

	termOnce    sync.Once
	abandonOnce sync.Once
}

// NewSession starts the session clock immediately. The returned session's
// Context carries the global deadline; run the pipeline under it so that
// deadline expiry cancels all in-flight work.
func NewSession(parent context.Context, id string, hub *Hub, cfg config.StreamingConfig, logger *zap.Logger) *Session {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	start := time.Now()
	ctx, cancel := context.WithDeadline(parent, start.Add(cfg.GlobalDeadline))

	s := &Session{
		id:        id,
		hub:       hub,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		in:        make(chan Event, cfg.Buffer),
		out:       make(chan Event, cfg.Buffer),
		term:      make(chan Event, 1),
		abandoned: make(chan struct{}),
		start:     start,
		deadline:  start.Add(cfg.GlobalDeadline),
	}
	metrics.StreamsActive.Inc()
	go s.run()
	return s
}

// Context is the pipeline's context: cancelled at the global deadline or
// when the session is aborted.
func (s *Session) Context() context.Context { return s.ctx }

// Events is the consumer side. It closes after the terminal event; the
// transport writes its end marker on close.
func (s *Session) Events() <-chan Event { return s.out }

// Publish enqueues one pipeline event. Blocks when the consumer falls a
// full buffer behind, so a live consumer sees every event; cancellation
// unblocks publishers.
func (s *Session) Publish(evt Event) {
	evt.DeliberationID = s.id
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case s.in <- evt:
	case <-s.ctx.Done():
	}
}

// Complete ends the stream with a complete event carrying the payload.
// If the global deadline already fired the terminal event is a timeout
// regardless; buffered events still flush first either way.
func (s *Session) Complete(payload map[string]interface{}) {
	s.finish(Event{Type: TypeComplete, Message: "deliberation complete", Payload: payload})
}

// Fail ends the stream with an error event.
func (s *Session) Fail(err error) {
	s.finish(Event{Type: TypeError, Message: err.Error()})
}

// Abort marks the consumer gone (client disconnect) and cancels the
// pipeline. Pending deliveries stop blocking; hub subscribers are
// unaffected.
func (s *Session) Abort() {
	s.abandonOnce.Do(func() {
		close(s.abandoned)
		s.cancel()
	})
}

func (s *Session) finish(evt Event) {
	s.termOnce.Do(func() {
		evt.DeliberationID = s.id
		evt.Timestamp = time.Now()
		s.term <- evt
	})
}

// run is the only goroutine that writes to out, which makes the ordering
// and single-close guarantees trivial.
func (s *Session) run() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer func() {
		s.cancel()
		close(s.out)
		metrics.StreamsActive.Dec()
	}()

	for {
		select {
		case evt := <-s.in:
			s.deliver(evt)
			// Heartbeats mark inactivity, so a fresh event restarts the
			// idle clock.
			ticker.Reset(s.cfg.HeartbeatInterval)

		case <-ticker.C:
			metrics.HeartbeatsEmitted.Inc()
			s.deliver(Event{
				DeliberationID: s.id,
				Type:           TypeHeartbeat,
				Message:        "processing",
				Payload: map[string]interface{}{
					"elapsed_seconds": int(time.Since(s.start).Seconds()),
				},
				Timestamp: time.Now(),
			})

		case evt := <-s.term:
			s.drain()
			s.deliver(evt)
			return

		case <-s.ctx.Done():
			select {
			case <-s.abandoned:
				// Client disconnect. The initiating consumer is gone, but
				// hub observers still need the buffered events and a
				// terminal marker before their streams can close.
				s.drain()
				s.hub.Publish(context.Background(), Event{
					DeliberationID: s.id,
					Type:           TypeError,
					Message:        "deliberation cancelled by the caller",
					Timestamp:      time.Now(),
				})
				return
			default:
			}
			// Deadline or upstream cancellation. Flush whatever the
			// pipeline managed to publish, then emit the terminal event.
			s.drain()
			evt := Event{
				DeliberationID: s.id,
				Type:           TypeTimeout,
				Message:        "deliberation exceeded the global deadline",
				Payload: map[string]interface{}{
					"deadline_seconds": int(s.cfg.GlobalDeadline.Seconds()),
				},
				Timestamp: time.Now(),
			}
			if time.Now().Before(s.deadline) {
				evt.Type = TypeError
				evt.Message = "deliberation cancelled"
				evt.Payload = nil
			}
			s.deliver(evt)
			s.logger.Warn("Stream ended by cancellation",
				zap.String("deliberation_id", s.id),
				zap.String("terminal", evt.Type),
				zap.Duration("deadline", s.cfg.GlobalDeadline))
			return
		}
	}
}

// drain forwards events already buffered in the pipeline channel. By the
// time a terminal event is signalled the pipeline has stopped publishing,
// so emptying the buffer captures everything in order.
func (s *Session) drain() {
	for {
		select {
		case evt := <-s.in:
			s.deliver(evt)
		default:
			return
		}
	}
}

// deliver fans the event out to the hub (external subscribers, replay ring,
// optional Redis mirror) and to the session consumer. The send blocks until
// the consumer catches up; only an explicit Abort releases it early, so a
// live consumer never loses an event.
func (s *Session) deliver(evt Event) {
	s.hub.Publish(context.Background(), evt)
	select {
	case s.out <- evt:
	case <-s.abandoned:
	}
}
