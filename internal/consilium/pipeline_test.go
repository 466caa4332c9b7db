package consilium

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/citations"
	"github.com/sgclegal/consilium/internal/config"
	"github.com/sgclegal/consilium/internal/llm"
	"github.com/sgclegal/consilium/internal/streaming"
	"github.com/sgclegal/consilium/internal/verify"
)

// scriptedLLM answers by model name so one fake serves experts, reviewer
// and synthesizer at once.
type scriptedLLM struct {
	mu      sync.Mutex
	answers map[string]string // model -> content
	errs    map[string]error  // model -> error
	calls   map[string]int
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		answers: make(map[string]string),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (s *scriptedLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.Model]++
	if err, ok := s.errs[req.Model]; ok {
		return nil, err
	}
	content, ok := s.answers[req.Model]
	if !ok {
		content = "нет возражений"
	}
	return &llm.Response{Content: content, TokensUsed: 10, Model: req.Model}, nil
}

func testDeliberationConfig() *config.Config {
	return &config.Config{
		Deliberation: config.DeliberationConfig{
			Agents: []config.Agent{
				{Role: "chairman", Model: "model-a"},
				{Role: "expert_1", Model: "model-b"},
				{Role: "searcher", Model: "model-search", Search: true},
			},
			ReviewModel:      "model-review",
			SynthesisModel:   "model-synth",
			OpinionMaxTokens: 1000,
			ReviewMaxTokens:  500,
			SynthMaxTokens:   1000,
			PerCallTimeout:   5 * time.Second,
			SynthesisTimeout: 5 * time.Second,
		},
		Verification: config.VerificationConfig{Concurrency: 2},
		Streaming: config.StreamingConfig{
			HeartbeatInterval: time.Hour,
			GlobalDeadline:    time.Hour,
			Buffer:            16,
		},
	}
}

type recordingRegistry struct {
	mu      sync.Mutex
	lookups []string
}

func (r *recordingRegistry) Name() string { return "registry" }
func (r *recordingRegistry) Lookup(_ context.Context, ref citations.CaseReference) (*verify.Finding, error) {
	r.mu.Lock()
	r.lookups = append(r.lookups, ref.Number)
	r.mu.Unlock()
	return &verify.Finding{Exists: true, Confidence: verify.ConfidenceHigh}, nil
}

func newTestPipeline(t *testing.T, svc llm.Service, registry verify.RegistrySource) *Pipeline {
	t.Helper()
	manager := config.NewManager(testDeliberationConfig(), nil, zap.NewNop())
	engine := verify.NewEngine(registry, nil, 2, zap.NewNop())
	return NewPipeline(svc, citations.NewPatternExtractor(), engine, manager, zap.NewNop())
}

func runPipeline(t *testing.T, p *Pipeline, req DeliberationRequest) (*DeliberationResult, []streaming.Event, error) {
	t.Helper()
	var mu sync.Mutex
	var events []streaming.Event
	publish := func(evt streaming.Event) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	}
	result, err := p.Run(context.Background(), "d-test", req, publish)
	return result, events, err
}

func stageOrder(events []streaming.Event) []string {
	var order []string
	for _, evt := range events {
		if len(order) == 0 || order[len(order)-1] != evt.Type {
			order = append(order, evt.Type)
		}
	}
	return order
}

func TestPipelineHappyPath(t *testing.T) {
	svc := newScriptedLLM()
	svc.answers["model-a"] = "Неустойка снижается по ст. 333 ГК РФ, см. дело А40-12345/2024."
	svc.answers["model-b"] = "Согласен, практика по делу А40-12345/2024 устойчива."
	svc.answers["model-search"] = "Найдено дело А41-999/2023."
	svc.answers["model-review"] = `{"scores": [{"role": "chairman", "score": 9.0, "comment": "полно"}, {"role": "expert_1", "score": 7.5}]}`
	svc.answers["model-synth"] = "## ПРАВОВОЕ ЗАКЛЮЧЕНИЕ\n\n**Вывод**: неустойка может быть снижена."

	registry := &recordingRegistry{}
	p := newTestPipeline(t, svc, registry)

	result, events, err := runPipeline(t, p, DeliberationRequest{Question: "Можно ли снизить неустойку?"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	require.Len(t, result.Opinions, 3)
	for _, op := range result.Opinions {
		assert.False(t, op.Failed)
	}
	assert.Equal(t, 50, result.TotalTokens) // 3 opinions + review + synthesis

	// Both distinct case numbers verified once each; the statute skipped
	// the registry (no secondary sources configured).
	assert.ElementsMatch(t, []string{"А40-12345/2024", "А41-999/2023"}, registry.lookups)
	require.Len(t, result.Citations, 3)

	require.Len(t, result.Review, 2)
	assert.InDelta(t, 9.0, result.Review[0].Score, 0.001)

	// Markdown decoration stripped from the synthesis.
	assert.NotContains(t, result.Synthesis, "**")
	assert.NotContains(t, result.Synthesis, "##")
	assert.Contains(t, result.Synthesis, "неустойка может быть снижена")

	assert.Equal(t, []string{
		streaming.TypeStarting,
		streaming.TypeGathering,
		streaming.TypeExtracting,
		streaming.TypeVerifying,
		streaming.TypeReviewing,
		streaming.TypeSynthesizing,
	}, stageOrder(events))
}

func TestPipelinePartialAgentFailure(t *testing.T) {
	svc := newScriptedLLM()
	svc.answers["model-a"] = "заключение"
	svc.errs["model-b"] = errors.New("model unavailable")
	svc.answers["model-search"] = "практика"

	p := newTestPipeline(t, svc, nil)
	result, _, err := runPipeline(t, p, DeliberationRequest{Question: "q"})
	require.NoError(t, err)

	require.Len(t, result.Opinions, 3, "failed agent keeps its slot")
	assert.False(t, result.Opinions[0].Failed)
	assert.True(t, result.Opinions[1].Failed)
	assert.Contains(t, result.Opinions[1].Error, "model unavailable")
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestPipelineAllAgentsFailed(t *testing.T) {
	svc := newScriptedLLM()
	boom := errors.New("boom")
	svc.errs["model-a"] = boom
	svc.errs["model-b"] = boom
	svc.errs["model-search"] = boom

	p := newTestPipeline(t, svc, nil)
	_, _, err := runPipeline(t, p, DeliberationRequest{Question: "q"})
	assert.ErrorIs(t, err, ErrAllAgentsFailed)
	assert.Zero(t, svc.calls["model-synth"], "synthesis must not run")
}

func TestPipelineReviewFailureDegrades(t *testing.T) {
	svc := newScriptedLLM()
	svc.answers["model-a"] = "заключение"
	svc.errs["model-review"] = errors.New("reviewer down")
	svc.answers["model-synth"] = "итог"

	p := newTestPipeline(t, svc, nil)
	result, _, err := runPipeline(t, p, DeliberationRequest{Question: "q"})
	require.NoError(t, err)
	assert.Empty(t, result.Review)
	assert.Equal(t, "итог", result.Synthesis)
}

func TestPipelineUnparseableReviewDegrades(t *testing.T) {
	svc := newScriptedLLM()
	svc.answers["model-review"] = "я не буду оценивать коллег"

	p := newTestPipeline(t, svc, nil)
	result, _, err := runPipeline(t, p, DeliberationRequest{Question: "q"})
	require.NoError(t, err)
	assert.Empty(t, result.Review)
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestPipelineSynthesisFailureFails(t *testing.T) {
	svc := newScriptedLLM()
	svc.errs["model-synth"] = errors.New("synth down")

	p := newTestPipeline(t, svc, nil)
	_, _, err := runPipeline(t, p, DeliberationRequest{Question: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthesis")
}

func TestPipelineContextThreadsThrough(t *testing.T) {
	svc := newScriptedLLM()
	p := newTestPipeline(t, svc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, "d-cancelled", DeliberationRequest{Question: "q"}, func(streaming.Event) {})
	// The fake never inspects ctx, so the run completes; real upstreams
	// return a cancellation error that Run propagates. This guards the
	// no-panic path with an already-cancelled context.
	_ = err
}

func TestPipelineSearcherFeedsExtraction(t *testing.T) {
	svc := newScriptedLLM()
	svc.answers["model-search"] = "Найдено дело А77-111/2022."

	registry := &recordingRegistry{}
	p := newTestPipeline(t, svc, registry)
	result, _, err := runPipeline(t, p, DeliberationRequest{Question: "q"})
	require.NoError(t, err)

	assert.Contains(t, registry.lookups, "А77-111/2022")
	found := false
	for _, c := range result.Citations {
		if strings.Contains(c.Citation.RawText, "А77-111/2022") {
			assert.Equal(t, "searcher", c.Citation.SourceAgent)
			found = true
		}
	}
	assert.True(t, found)
}
