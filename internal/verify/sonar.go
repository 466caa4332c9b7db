package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/citations"
	"github.com/sgclegal/consilium/internal/llm"
)

const sonarCasePrompt = `Проверь существование судебного дела. Верни ТОЛЬКО валидный JSON:
{"exists": true|false, "confidence": "low|medium|high", "sources": ["url", ...], "actual_info": "краткая сводка"}
Дело: %s`

const sonarStatutePrompt = `Проверь существование и актуальность нормы права. Верни ТОЛЬКО валидный JSON:
{"exists": true|false, "confidence": "low|medium|high", "status": "current|amended|repealed", "sources": ["url", ...], "actual_info": "краткая сводка изменений, если есть"}
Норма: %s`

// SonarSource verifies citations through a search-capable language model.
// The model is asked for a strict JSON verdict; anything it returns that
// does not parse counts as a source failure.
type SonarSource struct {
	svc    llm.Service
	model  string
	logger *zap.Logger
}

func NewSonarSource(svc llm.Service, model string, logger *zap.Logger) *SonarSource {
	return &SonarSource{svc: svc, model: model, logger: logger}
}

func (s *SonarSource) Name() string { return "sonar" }

type sonarVerdict struct {
	Exists     bool     `json:"exists"`
	Confidence string   `json:"confidence"`
	Status     string   `json:"status"`
	Sources    []string `json:"sources"`
	ActualInfo string   `json:"actual_info"`
}

func (s *SonarSource) Check(ctx context.Context, ref citations.CaseReference) (*Finding, error) {
	prompt := fmt.Sprintf(sonarCasePrompt, ref.RawText)
	if ref.Kind == citations.KindStatute {
		prompt = fmt.Sprintf(sonarStatutePrompt, ref.RawText)
	}

	resp, err := s.svc.Generate(ctx, llm.Request{
		Model:     s.model,
		Prompt:    prompt,
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	raw := resp.Content
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		raw = raw[start : end+1]
	}
	var verdict sonarVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, fmt.Errorf("%w: unparseable verdict: %v", ErrSourceUnavailable, err)
	}

	finding := &Finding{
		Exists:     verdict.Exists,
		Confidence: ParseConfidence(verdict.Confidence),
		ActualInfo: verdict.ActualInfo,
	}
	for _, link := range verdict.Sources {
		if link != "" {
			finding.Evidence = append(finding.Evidence, Evidence{Link: link})
		}
	}
	// Lifecycle verdicts only apply to statutes; a model hallucinating
	// "repealed" for a court case is ignored.
	if ref.Kind == citations.KindStatute && verdict.Exists {
		switch strings.ToLower(verdict.Status) {
		case "amended":
			finding.Override = StatusAmended
		case "repealed":
			finding.Override = StatusRepealed
		}
	}
	return finding, nil
}

var _ SecondarySource = (*SonarSource)(nil)
