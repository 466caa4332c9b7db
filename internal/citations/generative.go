package citations

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/llm"
)

const extractionSystemPrompt = `Ты - помощник юриста. Извлеки из текста все упоминания судебных дел и нормативных актов.
Верни ТОЛЬКО валидный JSON без пояснений, в формате:
{"citations": [{"kind": "case|statute|instrument", "raw_text": "...", "number": "...", "court": "...", "date": "...", "act_type": "...", "act_name": "...", "article": "...", "part": "...", "paragraph": "...", "summary": "..."}]}
Если упоминаний нет, верни {"citations": []}.`

// GenerativeExtractor asks a language model to pull citations out of free
// text. It is strictly best effort: any generation or parse failure yields
// an empty list, never an error, so a flaky extraction model cannot sink
// the deliberation.
type GenerativeExtractor struct {
	svc       llm.Service
	model     string
	maxTokens int
	logger    *zap.Logger
}

func NewGenerativeExtractor(svc llm.Service, model string, maxTokens int, logger *zap.Logger) *GenerativeExtractor {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &GenerativeExtractor{svc: svc, model: model, maxTokens: maxTokens, logger: logger}
}

type extractionPayload struct {
	Citations []CaseReference `json:"citations"`
}

func (e *GenerativeExtractor) Extract(ctx context.Context, text string) ([]CaseReference, error) {
	resp, err := e.svc.Generate(ctx, llm.Request{
		Model:     e.model,
		System:    extractionSystemPrompt,
		Prompt:    text,
		MaxTokens: e.maxTokens,
	})
	if err != nil {
		e.logger.Warn("Generative extraction failed, returning no citations", zap.Error(err))
		return nil, nil
	}

	raw := extractJSONObject(resp.Content)
	if raw == "" {
		e.logger.Warn("Generative extraction produced no JSON object",
			zap.Int("response_len", len(resp.Content)))
		return nil, nil
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		e.logger.Warn("Generative extraction produced unparseable JSON", zap.Error(err))
		return nil, nil
	}

	refs := payload.Citations[:0:0]
	for _, ref := range payload.Citations {
		if ref.Kind == "" {
			ref.Kind = KindCase
		}
		refs = append(refs, ref)
	}
	return Dedupe(refs), nil
}

// extractJSONObject returns the outermost {...} block in s. Models often
// wrap JSON in prose or markdown fences despite instructions.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

var _ Extractor = (*GenerativeExtractor)(nil)

// CombinedExtractor runs the pattern pass first and supplements it with
// generative results, deduplicating across both.
type CombinedExtractor struct {
	pattern    *PatternExtractor
	generative *GenerativeExtractor
}

func NewCombinedExtractor(pattern *PatternExtractor, generative *GenerativeExtractor) *CombinedExtractor {
	return &CombinedExtractor{pattern: pattern, generative: generative}
}

func (e *CombinedExtractor) Extract(ctx context.Context, text string) ([]CaseReference, error) {
	refs, _ := e.pattern.Extract(ctx, text)
	extra, _ := e.generative.Extract(ctx, text)
	return Dedupe(append(refs, extra...)), nil
}

var _ Extractor = (*CombinedExtractor)(nil)
