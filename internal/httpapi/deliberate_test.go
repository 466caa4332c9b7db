package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/citations"
	"github.com/sgclegal/consilium/internal/config"
	"github.com/sgclegal/consilium/internal/consilium"
	"github.com/sgclegal/consilium/internal/llm"
	"github.com/sgclegal/consilium/internal/streaming"
	"github.com/sgclegal/consilium/internal/verify"
)

type stubLLM struct{}

func (stubLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	content := "Заключение со ссылкой на дело А40-1/2024."
	if strings.Contains(req.System, "Оцени") {
		content = `{"scores": [{"role": "expert", "score": 8}]}`
	}
	return &llm.Response{Content: content, TokensUsed: 7}, nil
}

func testServer(t *testing.T) (*httptest.Server, *streaming.Hub) {
	t.Helper()
	cfg := &config.Config{
		Deliberation: config.DeliberationConfig{
			Agents:           []config.Agent{{Role: "expert", Model: "m"}},
			ReviewModel:      "m",
			SynthesisModel:   "m",
			PerCallTimeout:   5 * time.Second,
			SynthesisTimeout: 5 * time.Second,
		},
		Verification: config.VerificationConfig{Concurrency: 2},
		Streaming: config.StreamingConfig{
			HeartbeatInterval: time.Hour,
			GlobalDeadline:    time.Minute,
			Buffer:            16,
			RingCapacity:      64,
		},
	}
	manager := config.NewManager(cfg, nil, zap.NewNop())
	hub := streaming.NewHub(cfg.Streaming.RingCapacity, nil, zap.NewNop())
	engine := verify.NewEngine(nil, nil, 2, zap.NewNop())
	pipeline := consilium.NewPipeline(stubLLM{}, citations.NewPatternExtractor(), engine, manager, zap.NewNop())

	mux := http.NewServeMux()
	NewDeliberationHandler(pipeline, hub, manager, zap.NewNop()).Register(mux)
	NewStreamHandler(hub, zap.NewNop()).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub
}

func TestDeliberateBlocking(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/deliberations", "application/json",
		strings.NewReader(`{"question": "Можно ли снизить неустойку?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result consilium.DeliberationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, consilium.StatusCompleted, result.Status)
	assert.NotEmpty(t, result.ID)
	assert.NotEmpty(t, result.Synthesis)
	require.Len(t, result.Opinions, 1)
	assert.Equal(t, "expert", result.Opinions[0].AgentRole)
	require.NotEmpty(t, result.Citations)
	assert.Equal(t, "А40-1/2024", result.Citations[0].Citation.Number)
}

func TestDeliberateRejectsBadInput(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/deliberations", "application/json",
		strings.NewReader(`{"question": ""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/deliberations", "application/json",
		strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// sseFrames reads event/data frames until the stream closes.
func sseFrames(t *testing.T, body *bufio.Reader) (types []string, datas []string) {
	t.Helper()
	var eventType string
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return types, datas
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			types = append(types, eventType)
			datas = append(datas, strings.TrimPrefix(line, "data: "))
			eventType = ""
		}
	}
}

func TestDeliberateStreamEndsWithDone(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/deliberations/stream", "application/json",
		strings.NewReader(`{"question": "q"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	types, datas := sseFrames(t, bufio.NewReader(resp.Body))
	require.NotEmpty(t, datas)

	assert.Equal(t, "connected", types[0])
	assert.Equal(t, streaming.EndMarker, datas[len(datas)-1])

	// A complete event precedes the end marker; stage events precede it.
	assert.Equal(t, streaming.TypeComplete, types[len(types)-2])
	joined := strings.Join(types, ",")
	assert.Contains(t, joined, streaming.TypeStarting)
	assert.Contains(t, joined, streaming.TypeSynthesizing)
}

func TestStreamSSEReplayAfterCompletion(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/deliberations/stream", "application/json",
		strings.NewReader(`{"question": "q"}`))
	require.NoError(t, err)
	_, datas := sseFrames(t, bufio.NewReader(resp.Body))
	resp.Body.Close()
	require.NotEmpty(t, datas)

	// Recover the deliberation id from the connected frame.
	var hello struct {
		DeliberationID string `json:"deliberation_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(datas[0]), &hello))

	// A late observer replays the full history and gets [DONE].
	resp, err = http.Get(srv.URL + "/stream/sse?deliberation_id=" + hello.DeliberationID)
	require.NoError(t, err)
	defer resp.Body.Close()
	types, replayed := sseFrames(t, bufio.NewReader(resp.Body))
	require.NotEmpty(t, replayed)
	assert.Equal(t, streaming.EndMarker, replayed[len(replayed)-1])
	assert.Contains(t, strings.Join(types, ","), streaming.TypeComplete)
}

func TestStreamSSERequiresID(t *testing.T) {
	srv, _ := testServer(t)
	resp, err := http.Get(srv.URL + "/stream/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
