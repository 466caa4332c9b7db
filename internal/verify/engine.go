package verify

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sgclegal/consilium/internal/citations"
	"github.com/sgclegal/consilium/internal/metrics"
	"github.com/sgclegal/consilium/internal/tracing"
)

// Status is the verification verdict attached to a citation.
type Status string

const (
	StatusVerified     Status = "VERIFIED"
	StatusLikelyExists Status = "LIKELY_EXISTS"
	StatusNotFound     Status = "NOT_FOUND"
	StatusAmended      Status = "AMENDED"  // statute exists but has been amended
	StatusRepealed     Status = "REPEALED" // statute no longer in force
)

// Confidence is an ordered scale; combining findings keeps the maximum.
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "none"
	}
}

// ParseConfidence is lenient: anything unrecognized is none.
func ParseConfidence(s string) Confidence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ConfidenceLow
	case "medium":
		return ConfidenceMedium
	case "high":
		return ConfidenceHigh
	default:
		return ConfidenceNone
	}
}

// Evidence is one supporting link with optional context.
type Evidence struct {
	Link    string `json:"link"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Finding is one source's answer about one citation.
type Finding struct {
	Exists     bool
	Confidence Confidence
	// Override carries a statute lifecycle verdict (AMENDED/REPEALED)
	// when the source knows it; empty means derive from Exists+Confidence.
	Override   Status
	Evidence   []Evidence
	ActualInfo string
}

// ErrSourceUnavailable marks transient source failures (timeouts, transport
// errors, open breakers). The engine skips the source and keeps going.
var ErrSourceUnavailable = errors.New("verification source unavailable")

// RegistrySource is the authoritative case registry. A positive answer is
// final and short-circuits all secondary sources.
type RegistrySource interface {
	Name() string
	Lookup(ctx context.Context, ref citations.CaseReference) (*Finding, error)
}

// SecondarySource is a best-effort corroborating source.
type SecondarySource interface {
	Name() string
	Check(ctx context.Context, ref citations.CaseReference) (*Finding, error)
}

// Result is the combined verdict for one citation.
type Result struct {
	Citation   citations.CaseReference `json:"citation"`
	Status     Status                  `json:"status"`
	Confidence string                  `json:"confidence"`
	Evidence   []Evidence              `json:"evidence,omitempty"`
	Sources    []string                `json:"sources,omitempty"`
	ActualInfo string                  `json:"actual_info,omitempty"`
}

// Engine fans citation checks out across the registry and the configured
// secondary sources and folds the findings into one verdict per citation.
type Engine struct {
	registry RegistrySource
	sources  []SecondarySource
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

func NewEngine(registry RegistrySource, sources []SecondarySource, concurrency int, logger *zap.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Engine{
		registry: registry,
		sources:  sources,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		logger:   logger,
	}
}

// Verify resolves one citation. Sources never fail the verification as a
// whole: an unavailable source is logged, counted and skipped, and a
// citation no source could confirm comes back NOT_FOUND.
func (e *Engine) Verify(ctx context.Context, ref citations.CaseReference) Result {
	if e.registry != nil && ref.Kind == citations.KindCase {
		srcCtx, span := tracing.StartSourceSpan(ctx, e.registry.Name())
		finding, err := e.registry.Lookup(srcCtx, ref)
		span.End()
		switch {
		case err != nil:
			metrics.VerificationSourceErrors.WithLabelValues(e.registry.Name()).Inc()
			e.logger.Warn("Registry lookup failed, falling back to secondary sources",
				zap.String("citation", ref.NormalizedKey()), zap.Error(err))
		case finding.Exists:
			// Authoritative hit: done.
			res := Result{
				Citation:   ref,
				Status:     StatusVerified,
				Confidence: ConfidenceHigh.String(),
				Evidence:   dedupeEvidence(finding.Evidence),
				Sources:    []string{e.registry.Name()},
				ActualInfo: finding.ActualInfo,
			}
			metrics.CitationsVerified.WithLabelValues(string(res.Status), e.registry.Name()).Inc()
			return res
		}
	}

	findings, sources := e.checkSecondaries(ctx, ref)
	res := combine(ref, findings, sources)
	source := "none"
	if len(res.Sources) > 0 {
		source = res.Sources[0]
	}
	metrics.CitationsVerified.WithLabelValues(string(res.Status), source).Inc()
	return res
}

// checkSecondaries queries every secondary source concurrently and returns
// the findings that arrived, paired with the source names that produced them.
func (e *Engine) checkSecondaries(ctx context.Context, ref citations.CaseReference) ([]Finding, []string) {
	type answer struct {
		finding *Finding
		source  string
	}

	answers := make([]answer, len(e.sources))
	var wg sync.WaitGroup
	for i, src := range e.sources {
		wg.Add(1)
		go func(i int, src SecondarySource) {
			defer wg.Done()
			srcCtx, span := tracing.StartSourceSpan(ctx, src.Name())
			defer span.End()
			finding, err := src.Check(srcCtx, ref)
			if err != nil {
				metrics.VerificationSourceErrors.WithLabelValues(src.Name()).Inc()
				e.logger.Warn("Secondary source failed",
					zap.String("source", src.Name()),
					zap.String("citation", ref.NormalizedKey()),
					zap.Error(err))
				return
			}
			answers[i] = answer{finding: finding, source: src.Name()}
		}(i, src)
	}
	wg.Wait()

	var findings []Finding
	var sources []string
	for _, a := range answers {
		if a.finding == nil {
			continue
		}
		findings = append(findings, *a.finding)
		sources = append(sources, a.source)
	}
	return findings, sources
}

// combine folds secondary findings into one verdict: the highest-confidence
// positive finding wins, evidence is unioned, and a lifecycle override from
// the winning finding replaces the derived status.
func combine(ref citations.CaseReference, findings []Finding, sources []string) Result {
	res := Result{Citation: ref, Status: StatusNotFound, Confidence: ConfidenceNone.String()}

	best := -1
	bestConf := ConfidenceNone
	exists := false
	var evidence []Evidence
	for i, f := range findings {
		if !f.Exists {
			continue
		}
		exists = true
		evidence = append(evidence, f.Evidence...)
		if f.Confidence > bestConf || best < 0 {
			best = i
			bestConf = f.Confidence
		}
	}
	if !exists {
		return res
	}

	winner := findings[best]
	res.Confidence = bestConf.String()
	res.Evidence = dedupeEvidence(evidence)
	res.ActualInfo = winner.ActualInfo

	// Winning source first, the rest in query order.
	res.Sources = append(res.Sources, sources[best])
	for i, s := range sources {
		if i != best && findings[i].Exists {
			res.Sources = append(res.Sources, s)
		}
	}

	switch {
	case winner.Override != "":
		res.Status = winner.Override
	case bestConf >= ConfidenceMedium:
		res.Status = StatusVerified
	default:
		res.Status = StatusLikelyExists
	}
	return res
}

// VerifyAll verifies each citation once per normalized key, with at most
// the configured number of citations in flight. Result order follows the
// input order of the first occurrence of each key.
func (e *Engine) VerifyAll(ctx context.Context, refs []citations.CaseReference) []Result {
	unique := citations.Dedupe(refs)
	results := make([]Result, len(unique))

	var wg sync.WaitGroup
	for i, ref := range unique {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			// Cancelled mid-batch: mark the rest unresolved.
			for j := i; j < len(unique); j++ {
				results[j] = Result{Citation: unique[j], Status: StatusNotFound, Confidence: ConfidenceNone.String()}
			}
			break
		}
		wg.Add(1)
		go func(i int, ref citations.CaseReference) {
			defer wg.Done()
			defer e.sem.Release(1)
			results[i] = e.Verify(ctx, ref)
		}(i, ref)
	}
	wg.Wait()
	return results
}

func dedupeEvidence(in []Evidence) []Evidence {
	seen := make(map[string]struct{}, len(in))
	out := make([]Evidence, 0, len(in))
	for _, ev := range in {
		if ev.Link == "" {
			continue
		}
		if _, dup := seen[ev.Link]; dup {
			continue
		}
		seen[ev.Link] = struct{}{}
		out = append(out, ev)
	}
	return out
}
