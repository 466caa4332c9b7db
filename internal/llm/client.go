package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sgclegal/consilium/internal/config"
	"github.com/sgclegal/consilium/internal/metrics"
	"github.com/sgclegal/consilium/internal/tracing"
)

// Service is the text-generation capability consumed by the pipeline,
// the generative extractor and the sonar verification source.
type Service interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Request is one prompt for one model.
type Request struct {
	Model           string
	System          string
	Prompt          string
	MaxTokens       int
	ReasoningEffort string // "high"/"medium"/"low", empty to omit
}

// Response carries the generated text and token accounting.
type Response struct {
	Content    string
	TokensUsed int
	Model      string
}

// Client talks to an OpenRouter-compatible chat-completions API. It is
// constructed once at the dependency-injection root and shared; the rate
// limiter and HTTP client apply across all concurrent callers.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	maxAttempts int
	backoffBase time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger
}

func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := cfg.BackoffBase
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		maxAttempts: maxAttempts,
		backoffBase: backoff,
		limiter:     limiter,
		logger:      logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
	Reasoning *reasoning    `json:"reasoning,omitempty"`
}

type reasoning struct {
	Effort string `json:"effort"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate runs one chat completion with bounded exponential backoff on
// retryable failures. Client-error-class failures propagate immediately.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	var lastErr *Error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoffBase << (attempt - 2)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, newError(KindTimeout, 0, "cancelled during backoff: %v", ctx.Err())
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, newError(KindTimeout, 0, "cancelled waiting for rate limiter: %v", err)
			}
		}

		resp, err := c.doOnce(ctx, req)
		if err == nil {
			metrics.LLMCalls.WithLabelValues(req.Model, "ok").Inc()
			metrics.LLMTokensUsed.Observe(float64(resp.TokensUsed))
			return resp, nil
		}
		var lerr *Error
		if !errors.As(err, &lerr) {
			lerr = newError(KindUnknown, 0, "%v", err)
		}
		metrics.LLMCalls.WithLabelValues(req.Model, lerr.Kind.String()).Inc()
		if !lerr.Retryable() || ctx.Err() != nil {
			return nil, lerr
		}
		if attempt < c.maxAttempts {
			c.logger.Warn("Text generation attempt failed, retrying",
				zap.String("model", req.Model),
				zap.Int("attempt", attempt),
				zap.String("kind", lerr.Kind.String()),
				zap.Error(lerr),
			)
		}
		lastErr = lerr
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, req Request) (*Response, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.ReasoningEffort != "" {
		body.Reasoning = &reasoning{Effort: req.ReasoningEffort}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, newError(KindClientError, 0, "marshal request: %v", err)
	}

	ctx, span := tracing.StartLLMSpan(ctx, req.Model)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, newError(KindClientError, 0, "create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, newError(KindTimeout, 0, "request timed out after %s", time.Since(start).Round(time.Millisecond))
		}
		return nil, newError(KindServerError, 0, "request failed: %v", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, newError(KindMalformed, httpResp.StatusCode, "decode response: %v", err)
	}
	if parsed.Error != nil {
		return nil, newError(KindServerError, httpResp.StatusCode, "upstream error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, newError(KindMalformed, httpResp.StatusCode, "response contains no choices")
	}

	return &Response{
		Content:    parsed.Choices[0].Message.Content,
		TokensUsed: parsed.Usage.TotalTokens,
		Model:      req.Model,
	}, nil
}

func classifyStatus(resp *http.Response) *Error {
	msg := readErrorBody(resp.Body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return newError(KindRateLimited, resp.StatusCode, "%s", msg)
	case resp.StatusCode == http.StatusRequestTimeout:
		return newError(KindTimeout, resp.StatusCode, "%s", msg)
	case resp.StatusCode >= 500:
		return newError(KindServerError, resp.StatusCode, "%s", msg)
	default:
		return newError(KindClientError, resp.StatusCode, "%s", msg)
	}
}

// readErrorBody extracts a readable message from an error response,
// tolerating both {"error":{"message":...}} and {"error":"..."} shapes.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no error body"
	}
	var withObj struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &withObj) == nil && withObj.Error.Message != "" {
		return withObj.Error.Message
	}
	var withStr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &withStr) == nil && withStr.Error != "" {
		return withStr.Error
	}
	return string(raw)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var _ Service = (*Client)(nil)
