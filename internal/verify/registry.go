package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/sgclegal/consilium/internal/circuitbreaker"
	"github.com/sgclegal/consilium/internal/citations"
	"github.com/sgclegal/consilium/internal/config"
)

// RegistryClient looks arbitration case numbers up in the official
// registry API. The registry keys its JSON in Russian and returns one
// object per matched registration number.
type RegistryClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *circuitbreaker.Breaker
	logger     *zap.Logger
}

func NewRegistryClient(cfg config.RegistryConfig, breaker *circuitbreaker.Breaker, logger *zap.Logger) *RegistryClient {
	return &RegistryClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		breaker:    breaker,
		logger:     logger,
	}
}

func (c *RegistryClient) Name() string { return "registry" }

type registryCase struct {
	Number string `json:"РегНомер"`
	Court  string `json:"Суд"`
	Date   string `json:"Дата"`
	Judge  string `json:"Судья"`
	Status string `json:"Статус"`
	URL    string `json:"Url"`
}

// Lookup resolves one case number. A clean "no such case" answer returns a
// non-nil Finding with Exists false; transport trouble, non-2xx statuses
// and an open breaker all surface as ErrSourceUnavailable.
func (c *RegistryClient) Lookup(ctx context.Context, ref citations.CaseReference) (*Finding, error) {
	number := ref.Number
	if number == "" {
		number = ref.RawText
	}

	var finding *Finding
	err := c.breaker.Execute(ctx, func() error {
		f, err := c.lookupOnce(ctx, number)
		if err != nil {
			return err
		}
		finding = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return finding, nil
}

func (c *RegistryClient) lookupOnce(ctx context.Context, number string) (*Finding, error) {
	q := url.Values{}
	q.Set("regn", number)
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Finding{Exists: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	// The payload is keyed by registration number; an empty object means
	// the case is unknown.
	var payload map[string]registryCase
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	entry, ok := matchEntry(payload, number)
	if !ok {
		return &Finding{Exists: false}, nil
	}

	finding := &Finding{
		Exists:     true,
		Confidence: ConfidenceHigh,
		ActualInfo: describeCase(entry),
	}
	if entry.URL != "" {
		finding.Evidence = append(finding.Evidence, Evidence{
			Link:  entry.URL,
			Title: entry.Court,
		})
	}
	return finding, nil
}

// matchEntry tolerates the registry echoing the number in either script.
func matchEntry(payload map[string]registryCase, number string) (registryCase, bool) {
	want := citations.NormalizeKey(number)
	for key, entry := range payload {
		if citations.NormalizeKey(key) == want {
			return entry, true
		}
	}
	return registryCase{}, false
}

func describeCase(entry registryCase) string {
	parts := make([]string, 0, 4)
	if entry.Court != "" {
		parts = append(parts, entry.Court)
	}
	if entry.Date != "" {
		parts = append(parts, "от "+entry.Date)
	}
	if entry.Judge != "" {
		parts = append(parts, "судья "+entry.Judge)
	}
	if entry.Status != "" {
		parts = append(parts, entry.Status)
	}
	return strings.Join(parts, ", ")
}

var _ RegistrySource = (*RegistryClient)(nil)
