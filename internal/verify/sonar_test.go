package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/citations"
	"github.com/sgclegal/consilium/internal/llm"
)

type fakeLLM struct {
	content string
	err     error
}

func (f *fakeLLM) Generate(context.Context, llm.Request) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content}, nil
}

func TestSonarCheckCase(t *testing.T) {
	svc := &fakeLLM{content: `По результатам поиска:
{"exists": true, "confidence": "high", "sources": ["https://kad.arbitr.ru/card/1"], "actual_info": "дело рассмотрено АС Москвы"}`}
	src := NewSonarSource(svc, "perplexity/sonar-pro-search", zap.NewNop())

	f, err := src.Check(context.Background(), caseRef("А40-1/2024"))
	require.NoError(t, err)
	assert.True(t, f.Exists)
	assert.Equal(t, ConfidenceHigh, f.Confidence)
	require.Len(t, f.Evidence, 1)
	assert.Empty(t, f.Override)
}

func TestSonarCheckStatuteRepealed(t *testing.T) {
	svc := &fakeLLM{content: `{"exists": true, "confidence": "high", "status": "repealed", "sources": [], "actual_info": "утратила силу"}`}
	src := NewSonarSource(svc, "m", zap.NewNop())

	ref := citations.CaseReference{Kind: citations.KindStatute, RawText: "ст. 100 УК РФ"}
	f, err := src.Check(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StatusRepealed, f.Override)
}

func TestSonarLifecycleIgnoredForCases(t *testing.T) {
	svc := &fakeLLM{content: `{"exists": true, "confidence": "medium", "status": "repealed"}`}
	src := NewSonarSource(svc, "m", zap.NewNop())

	f, err := src.Check(context.Background(), caseRef("А40-1/2024"))
	require.NoError(t, err)
	assert.Empty(t, f.Override)
}

func TestSonarMalformedIsUnavailable(t *testing.T) {
	svc := &fakeLLM{content: "не могу проверить"}
	src := NewSonarSource(svc, "m", zap.NewNop())

	_, err := src.Check(context.Background(), caseRef("А40-1/2024"))
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestSonarGenerateErrorIsUnavailable(t *testing.T) {
	svc := &fakeLLM{err: errors.New("upstream down")}
	src := NewSonarSource(svc, "m", zap.NewNop())

	_, err := src.Check(context.Background(), caseRef("А40-1/2024"))
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}
