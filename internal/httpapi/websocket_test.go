package httpapi

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgclegal/consilium/internal/streaming"
)

func TestWebSocketObserver(t *testing.T) {
	srv, hub := testServer(t)

	// Seed history as a finished deliberation would.
	ctx := context.Background()
	hub.Publish(ctx, streaming.Event{DeliberationID: "d-ws", Type: streaming.TypeStarting})
	hub.Publish(ctx, streaming.Event{DeliberationID: "d-ws", Type: streaming.TypeGathering, Message: "opinion received"})
	hub.Publish(ctx, streaming.Event{DeliberationID: "d-ws", Type: streaming.TypeComplete})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?deliberation_id=d-ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var types []string
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt streaming.Event
		require.NoError(t, json.Unmarshal(payload, &evt))
		types = append(types, evt.Type)
	}

	assert.Equal(t, []string{
		streaming.TypeStarting,
		streaming.TypeGathering,
		streaming.TypeComplete,
	}, types)
}

func TestWebSocketResumesFromLastEventID(t *testing.T) {
	srv, hub := testServer(t)

	ctx := context.Background()
	hub.Publish(ctx, streaming.Event{DeliberationID: "d-ws2", Type: streaming.TypeStarting})
	hub.Publish(ctx, streaming.Event{DeliberationID: "d-ws2", Type: streaming.TypeVerifying})
	hub.Publish(ctx, streaming.Event{DeliberationID: "d-ws2", Type: streaming.TypeComplete})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?deliberation_id=d-ws2&last_event_id=0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var seqs []uint64
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt streaming.Event
		require.NoError(t, json.Unmarshal(payload, &evt))
		seqs = append(seqs, evt.Seq)
	}
	assert.Equal(t, []uint64{1, 2}, seqs, "seq 0 already seen by the client")
}
