package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/citations"
	"github.com/sgclegal/consilium/internal/config"
)

const customSearchEndpoint = "https://www.googleapis.com/customsearch/v1"

// priorityDomains are the legal databases whose hits count as strong
// corroboration. Anything else is at best a medium-confidence match.
var priorityDomains = []string{
	"sudact.ru",
	"kad.arbitr.ru",
	"ras.arbitr.ru",
	"consultant.ru",
	"garant.ru",
	"vsrf.ru",
	"pravo.gov.ru",
}

// WebSearchSource corroborates citations through a programmable web search.
type WebSearchSource struct {
	httpClient *http.Client
	apiKey     string
	cx         string
	logger     *zap.Logger
}

func NewWebSearchSource(cfg config.SourceConfig, logger *zap.Logger) *WebSearchSource {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebSearchSource{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     cfg.APIKey,
		cx:         cfg.CX,
		logger:     logger,
	}
}

func (s *WebSearchSource) Name() string { return "websearch" }

type searchItem struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	Items []searchItem `json:"items"`
}

func (s *WebSearchSource) Check(ctx context.Context, ref citations.CaseReference) (*Finding, error) {
	q := url.Values{}
	q.Set("key", s.apiKey)
	q.Set("cx", s.cx)
	q.Set("q", searchQuery(ref))
	q.Set("num", "10")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, customSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: search returned status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode search response: %v", ErrSourceUnavailable, err)
	}

	return gradeResults(ref, parsed), nil
}

// gradeResults maps search hits to a confidence grade: an exact match on a
// priority legal database is high, an exact match elsewhere is medium, and
// partial matches are low.
func gradeResults(ref citations.CaseReference, parsed searchResponse) *Finding {
	want := ref.NormalizedKey()
	finding := &Finding{}

	for _, item := range parsed.Items {
		exact := want != "" && strings.Contains(
			citations.NormalizeKey(item.Title+item.Snippet), want)

		conf := ConfidenceLow
		if exact {
			conf = ConfidenceMedium
			if onPriorityDomain(item.Link) {
				conf = ConfidenceHigh
			}
		}
		if conf > finding.Confidence {
			finding.Confidence = conf
		}
		if exact || onPriorityDomain(item.Link) {
			finding.Evidence = append(finding.Evidence, Evidence{
				Link:    item.Link,
				Title:   item.Title,
				Snippet: item.Snippet,
			})
		}
	}

	finding.Exists = finding.Confidence > ConfidenceNone && len(parsed.Items) > 0
	if !finding.Exists {
		return &Finding{Exists: false}
	}
	return finding
}

func onPriorityDomain(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range priorityDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func searchQuery(ref citations.CaseReference) string {
	switch ref.Kind {
	case citations.KindCase:
		return fmt.Sprintf("дело %q", ref.Number)
	case citations.KindStatute:
		return ref.RawText + " действующая редакция"
	default:
		return ref.RawText
	}
}

var _ SecondarySource = (*WebSearchSource)(nil)
