package consilium

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/citations"
	"github.com/sgclegal/consilium/internal/config"
	"github.com/sgclegal/consilium/internal/llm"
	"github.com/sgclegal/consilium/internal/metrics"
	"github.com/sgclegal/consilium/internal/streaming"
	"github.com/sgclegal/consilium/internal/tracing"
	"github.com/sgclegal/consilium/internal/verify"
)

// ErrAllAgentsFailed means not a single panelist produced an opinion;
// nothing downstream can run.
var ErrAllAgentsFailed = errors.New("all agents failed to produce an opinion")

const expertSystemPrompt = `Ты - опытный юрист, участник юридического консилиума. Дай развёрнутое правовое заключение по вопросу: нормы права, судебная практика с номерами дел, риски и рекомендации. Пиши по-русски, ссылайся на конкретные статьи и дела.`

const searcherSystemPrompt = `Ты - помощник юриста с доступом к поиску. Найди актуальную судебную практику по вопросу: номера дел, суды, даты, краткая суть каждого решения. Не давай собственного заключения, только найденные материалы со ссылками.`

const reviewSystemPrompt = `Ты - председатель юридического консилиума. Оцени заключения коллег по 10-балльной шкале. Верни ТОЛЬКО валидный JSON: {"scores": [{"role": "...", "score": 0-10, "comment": "..."}]}`

const synthesisSystemPrompt = `Ты - председатель юридического консилиума. Подготовь итоговое правовое заключение на основе мнений коллег, оценок и результатов проверки цитат. Непроверенные дела (NOT_FOUND) не упоминай, отменённые нормы (REPEALED) отмечай как недействующие. Пиши связным текстом без markdown-разметки.`

// Pipeline runs one deliberation end to end: gather opinions in parallel,
// extract and verify citations, peer-review, synthesize. Stage events go
// to the publish callback before each stage begins.
type Pipeline struct {
	llm       llm.Service
	extractor citations.Extractor
	verifier  *verify.Engine
	cfg       *config.Manager
	logger    *zap.Logger
}

func NewPipeline(svc llm.Service, extractor citations.Extractor, verifier *verify.Engine, cfg *config.Manager, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		llm:       svc,
		extractor: extractor,
		verifier:  verifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes the pipeline under ctx. Cancellation is honored between and
// within stages; the returned result is non-nil exactly when err is nil.
func (p *Pipeline) Run(ctx context.Context, id string, req DeliberationRequest, publish func(streaming.Event)) (*DeliberationResult, error) {
	cfg := p.cfg.Deliberation()
	started := time.Now()
	metrics.DeliberationsStarted.Inc()

	result := &DeliberationResult{
		ID:        id,
		Question:  req.Question,
		StartedAt: started,
	}

	publish(streaming.Event{Type: streaming.TypeStarting, Message: "deliberation accepted",
		Payload: map[string]interface{}{"agents": len(cfg.Agents)}})

	// Stage 1: opinions in parallel.
	publish(streaming.Event{Type: streaming.TypeGathering,
		Message: fmt.Sprintf("querying %d panelists", len(cfg.Agents))})
	opinions, err := p.gather(ctx, cfg, req, publish)
	if err != nil {
		return nil, p.fail(result, err)
	}
	result.Opinions = opinions
	for _, op := range opinions {
		result.TotalTokens += op.TokensUsed
	}

	// Stage 2: citation extraction over all successful opinions, the
	// searcher's material included.
	publish(streaming.Event{Type: streaming.TypeExtracting, Message: "extracting citations"})
	refs := p.extract(ctx, opinions)

	// Stage 3: verification.
	publish(streaming.Event{Type: streaming.TypeVerifying,
		Message: fmt.Sprintf("verifying %d citations", len(refs))})
	result.Citations = p.verifyStage(ctx, refs)

	// Stage 4: peer review. Best effort; a failed review degrades to an
	// unscored synthesis rather than failing the deliberation.
	publish(streaming.Event{Type: streaming.TypeReviewing, Message: "peer review"})
	scores, reviewTokens := p.review(ctx, cfg, req, opinions)
	result.Review = scores
	result.TotalTokens += reviewTokens

	// Stage 5: synthesis. This one is load-bearing.
	publish(streaming.Event{Type: streaming.TypeSynthesizing, Message: "synthesizing conclusion"})
	synthesis, tokens, err := p.synthesize(ctx, cfg, req, result)
	if err != nil {
		return nil, p.fail(result, fmt.Errorf("synthesis: %w", err))
	}
	result.Synthesis = synthesis
	result.TotalTokens += tokens

	result.Status = StatusCompleted
	result.CompletedAt = time.Now()
	metrics.DeliberationsCompleted.WithLabelValues(StatusCompleted).Inc()
	p.logger.Info("Deliberation completed",
		zap.String("deliberation_id", id),
		zap.Duration("elapsed", result.CompletedAt.Sub(started)),
		zap.Int("total_tokens", result.TotalTokens),
		zap.Int("citations", len(result.Citations)))
	return result, nil
}

func (p *Pipeline) fail(result *DeliberationResult, err error) error {
	status := StatusFailed
	if errors.Is(err, context.DeadlineExceeded) {
		status = StatusTimedOut
	}
	metrics.DeliberationsCompleted.WithLabelValues(status).Inc()
	p.logger.Error("Deliberation failed",
		zap.String("deliberation_id", result.ID),
		zap.String("status", status),
		zap.Error(err))
	return err
}

// gather fans one Generate call out per configured agent. Every agent gets
// its own slot so partial failure never reorders or drops results.
func (p *Pipeline) gather(ctx context.Context, cfg config.DeliberationConfig, req DeliberationRequest, publish func(streaming.Event)) ([]Opinion, error) {
	stageStart := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("gathering").Observe(time.Since(stageStart).Seconds())
	}()

	ctx, span := tracing.StartStageSpan(ctx, "gathering")
	defer span.End()

	opinions := make([]Opinion, len(cfg.Agents))
	var wg sync.WaitGroup
	for i, agent := range cfg.Agents {
		wg.Add(1)
		go func(i int, agent config.Agent) {
			defer wg.Done()
			opinions[i] = p.askAgent(ctx, cfg, agent, req, publish)
		}(i, agent)
	}
	wg.Wait()

	failed := 0
	for _, op := range opinions {
		if op.Failed {
			failed++
		}
	}
	if failed == len(opinions) {
		return nil, ErrAllAgentsFailed
	}
	return opinions, nil
}

func (p *Pipeline) askAgent(ctx context.Context, cfg config.DeliberationConfig, agent config.Agent, req DeliberationRequest, publish func(streaming.Event)) Opinion {
	op := Opinion{AgentRole: agent.Role, AgentName: agent.Name, Model: agent.Model}

	system := expertSystemPrompt
	if agent.Search {
		system = searcherSystemPrompt
	}
	prompt := req.Question
	if req.Context != "" {
		prompt = "Контекст:\n" + req.Context + "\n\nВопрос:\n" + req.Question
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.PerCallTimeout)
	defer cancel()

	resp, err := p.llm.Generate(callCtx, llm.Request{
		Model:           agent.Model,
		System:          system,
		Prompt:          prompt,
		MaxTokens:       cfg.OpinionMaxTokens,
		ReasoningEffort: agent.Reasoning,
	})
	if err != nil {
		op.Failed = true
		op.Error = err.Error()
		metrics.AgentOpinions.WithLabelValues(agent.Role, "failed").Inc()
		p.logger.Warn("Agent failed",
			zap.String("role", agent.Role),
			zap.String("model", agent.Model),
			zap.Error(err))
		publish(streaming.Event{Type: streaming.TypeGathering, AgentRole: agent.Role,
			Message: "agent failed: " + err.Error()})
		return op
	}

	op.Content = resp.Content
	op.TokensUsed = resp.TokensUsed
	metrics.AgentOpinions.WithLabelValues(agent.Role, "ok").Inc()
	publish(streaming.Event{Type: streaming.TypeGathering, AgentRole: agent.Role,
		Message: "opinion received",
		Payload: map[string]interface{}{"tokens": resp.TokensUsed}})
	return op
}

func (p *Pipeline) extract(ctx context.Context, opinions []Opinion) []citations.CaseReference {
	stageStart := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("extracting").Observe(time.Since(stageStart).Seconds())
	}()

	ctx, span := tracing.StartStageSpan(ctx, "extracting")
	defer span.End()

	var refs []citations.CaseReference
	for _, op := range opinions {
		if op.Failed {
			continue
		}
		found, err := p.extractor.Extract(ctx, op.Content)
		if err != nil {
			p.logger.Warn("Citation extraction failed for one opinion",
				zap.String("role", op.AgentRole), zap.Error(err))
			continue
		}
		for i := range found {
			found[i].SourceAgent = op.AgentRole
		}
		refs = append(refs, found...)
	}
	return citations.Dedupe(refs)
}

func (p *Pipeline) verifyStage(ctx context.Context, refs []citations.CaseReference) []verify.Result {
	stageStart := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("verifying").Observe(time.Since(stageStart).Seconds())
	}()

	ctx, span := tracing.StartStageSpan(ctx, "verifying")
	defer span.End()

	if len(refs) == 0 {
		return nil
	}
	return p.verifier.VerifyAll(ctx, refs)
}

type reviewPayload struct {
	Scores []ReviewScore `json:"scores"`
}

func (p *Pipeline) review(ctx context.Context, cfg config.DeliberationConfig, req DeliberationRequest, opinions []Opinion) ([]ReviewScore, int) {
	stageStart := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("reviewing").Observe(time.Since(stageStart).Seconds())
	}()

	ctx, span := tracing.StartStageSpan(ctx, "reviewing")
	defer span.End()

	var b strings.Builder
	fmt.Fprintf(&b, "Вопрос: %s\n\n", req.Question)
	for _, op := range opinions {
		if op.Failed || op.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "=== Заключение (%s) ===\n%s\n\n", op.AgentRole, op.Content)
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.PerCallTimeout)
	defer cancel()

	resp, err := p.llm.Generate(callCtx, llm.Request{
		Model:     cfg.ReviewModel,
		System:    reviewSystemPrompt,
		Prompt:    b.String(),
		MaxTokens: cfg.ReviewMaxTokens,
	})
	if err != nil {
		p.logger.Warn("Peer review failed, continuing without scores", zap.Error(err))
		return nil, 0
	}

	raw := resp.Content
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		raw = raw[start : end+1]
	}
	var payload reviewPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		p.logger.Warn("Peer review returned unparseable scores", zap.Error(err))
		return nil, resp.TokensUsed
	}
	return payload.Scores, resp.TokensUsed
}

func (p *Pipeline) synthesize(ctx context.Context, cfg config.DeliberationConfig, req DeliberationRequest, result *DeliberationResult) (string, int, error) {
	stageStart := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("synthesizing").Observe(time.Since(stageStart).Seconds())
	}()

	ctx, span := tracing.StartStageSpan(ctx, "synthesizing")
	defer span.End()

	var b strings.Builder
	fmt.Fprintf(&b, "Вопрос: %s\n\n", req.Question)
	if req.Context != "" {
		fmt.Fprintf(&b, "Контекст: %s\n\n", req.Context)
	}
	for _, op := range result.Opinions {
		if op.Failed || op.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "=== Заключение (%s) ===\n%s\n\n", op.AgentRole, op.Content)
	}
	if len(result.Review) > 0 {
		b.WriteString("=== Оценки председателя ===\n")
		for _, score := range result.Review {
			fmt.Fprintf(&b, "%s: %.1f %s\n", score.Role, score.Score, score.Comment)
		}
		b.WriteString("\n")
	}
	if len(result.Citations) > 0 {
		b.WriteString("=== Проверка цитат ===\n")
		for _, c := range result.Citations {
			fmt.Fprintf(&b, "%s: %s (%s)", c.Citation.RawText, c.Status, c.Confidence)
			if c.ActualInfo != "" {
				fmt.Fprintf(&b, " %s", c.ActualInfo)
			}
			b.WriteString("\n")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.SynthesisTimeout)
	defer cancel()

	resp, err := p.llm.Generate(callCtx, llm.Request{
		Model:     cfg.SynthesisModel,
		System:    synthesisSystemPrompt,
		Prompt:    b.String(),
		MaxTokens: cfg.SynthMaxTokens,
	})
	if err != nil {
		return "", 0, err
	}
	return CleanMarkdown(resp.Content), resp.TokensUsed, nil
}
