// Package llmgateway implements the LLM Gateway (spec §4.1): it hides model
// identity from callers behind three operations, owns one long-lived client
// per model tier, and enforces a per-call timeout plus a per-process token
// budget on the small tier and on the shared large/vision tiers.
package llmgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/example/expense-core/internal/apperr"
)

// Tier names the three model tiers the gateway offers, never surfaced to
// callers beyond this package.
type Tier string

const (
	TierSmall  Tier = "small"
	TierLarge  Tier = "large"
	TierVision Tier = "vision"
)

// Result is the normalized record every gateway operation returns on
// success (spec: "{value, usage, elapsed_ms}").
type Result struct {
	Value     json.RawMessage
	Usage     Usage
	ElapsedMS int64
}

// Usage mirrors the upstream token accounting for the call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Config configures a Gateway.
type Config struct {
	APIKey  string
	BaseURL string
	Small   string
	Large   string
	Vision  string
	// SmallTimeout/LargeTimeout/VisionTimeout bound each tier's per-call
	// latency independently (spec §5): the small tier answers a cheap
	// classification call, the large and vision tiers carry heavier
	// completions and images, so they get materially larger budgets.
	SmallTimeout  time.Duration
	LargeTimeout  time.Duration
	VisionTimeout time.Duration
	// SmallTokenBudget/LargeTokenBudget bound the per-process token spend
	// for each tier; 0 disables the budget.
	SmallTokenBudget int
	LargeTokenBudget int
}

// Gateway owns one long-lived client per model tier and meters latency and
// token spend. All operations return apperr with Kind one of
// UpstreamTimeout, RateLimited, UpstreamInvalid, UpstreamUnavailable.
type Gateway struct {
	client *openai.Client
	cfg    Config

	smallBudget *rate.Limiter
	largeBudget *rate.Limiter
}

// New builds a Gateway from cfg. Token budgets are modeled as a token
// bucket refilling once per minute to cfg.*TokenBudget, giving callers a
// per-process ceiling on heavy-tier spend without needing a shared store.
func New(cfg Config) *Gateway {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	gw := &Gateway{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
	if cfg.SmallTokenBudget > 0 {
		gw.smallBudget = rate.NewLimiter(rate.Limit(float64(cfg.SmallTokenBudget)/60.0), cfg.SmallTokenBudget)
	}
	if cfg.LargeTokenBudget > 0 {
		gw.largeBudget = rate.NewLimiter(rate.Limit(float64(cfg.LargeTokenBudget)/60.0), cfg.LargeTokenBudget)
	}
	return gw
}

// ClassifySmall runs prompt against the small tier, requiring the response
// to match schema.
func (g *Gateway) ClassifySmall(ctx context.Context, prompt string, schema json.RawMessage) (*Result, error) {
	return g.complete(ctx, TierSmall, g.cfg.Small, prompt, nil, schema, g.smallBudget)
}

// AnalyzeLarge runs prompt (optionally with images) against the large tier.
func (g *Gateway) AnalyzeLarge(ctx context.Context, prompt string, images []string, schema json.RawMessage) (*Result, error) {
	return g.complete(ctx, TierLarge, g.cfg.Large, prompt, images, schema, g.largeBudget)
}

// ExtractVision runs prompt with imageSet against the vision tier, forcing
// the response to match schema (used by the OCR Pipeline's heavy mode).
func (g *Gateway) ExtractVision(ctx context.Context, imageSet []string, prompt string, schema json.RawMessage) (*Result, error) {
	return g.complete(ctx, TierVision, g.cfg.Vision, prompt, imageSet, schema, g.largeBudget)
}

func (g *Gateway) complete(ctx context.Context, tier Tier, model, prompt string, images []string, schema json.RawMessage, budget *rate.Limiter) (*Result, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, g.timeoutFor(tier))
	defer cancel()

	if budget != nil {
		// Best-effort budget reservation: don't block the call waiting for
		// tokens to refill, fail fast with RateLimited instead.
		if !budget.AllowN(time.Now(), estimateTokens(prompt)) {
			return nil, apperr.Newf(apperr.RateLimited, "%s tier token budget exhausted", tier)
		}
	}

	content := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
	for _, img := range images {
		content = append(content, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: img},
		})
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, MultiContent: content},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "structured_output",
				Schema: schema,
				Strict: true,
			},
		},
	}

	var resp openai.ChatCompletionResponse
	operation := func() error {
		r, err := g.client.CreateChatCompletion(callCtx, req)
		if err != nil {
			return classifyUpstreamErr(err)
		}
		resp = r
		return nil
	}

	// Retry once with exponential backoff on rate_limited; never retry on
	// invalid_response (spec §4.1).
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)
	err := backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if apperr.Is(err, apperr.RateLimited) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, callCtx))

	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if callCtx.Err() != nil {
			return nil, apperr.Wrap(apperr.UpstreamTimeout, fmt.Sprintf("%s tier call timed out", tier), err)
		}
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.UpstreamInvalid, "empty response from model")
	}

	raw := json.RawMessage(resp.Choices[0].Message.Content)
	if !json.Valid(raw) {
		return nil, apperr.New(apperr.UpstreamInvalid, "model response was not valid JSON")
	}

	return &Result{
		Value: raw,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		ElapsedMS: elapsed,
	}, nil
}

// timeoutFor returns tier's configured per-call timeout, defaulting to 10s
// for the small tier and 45s for the large/vision tiers when unset.
func (g *Gateway) timeoutFor(tier Tier) time.Duration {
	switch tier {
	case TierSmall:
		if g.cfg.SmallTimeout > 0 {
			return g.cfg.SmallTimeout
		}
		return 10 * time.Second
	case TierVision:
		if g.cfg.VisionTimeout > 0 {
			return g.cfg.VisionTimeout
		}
		return 45 * time.Second
	default:
		if g.cfg.LargeTimeout > 0 {
			return g.cfg.LargeTimeout
		}
		return 45 * time.Second
	}
}

// estimateTokens is a rough whitespace-token count, good enough for budget
// reservation purposes (the gateway is not trying to match the upstream
// tokenizer exactly, only to bound spend).
func estimateTokens(prompt string) int {
	n := 1
	for _, r := range prompt {
		if r == ' ' || r == '\n' || r == '\t' {
			n++
		}
	}
	return n
}

func classifyUpstreamErr(err error) error {
	var apiErr *openai.APIError
	if asAPIError(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return apperr.Wrap(apperr.RateLimited, "upstream rate limited", err)
		case 408:
			return apperr.Wrap(apperr.UpstreamTimeout, "upstream request timed out", err)
		}
		if apiErr.HTTPStatusCode >= 500 {
			return apperr.Wrap(apperr.UpstreamUnavailable, "upstream unavailable", err)
		}
		return apperr.Wrap(apperr.UpstreamInvalid, "upstream rejected request", err)
	}
	return apperr.Wrap(apperr.UpstreamUnavailable, "upstream call failed", err)
}

func asAPIError(err error, target **openai.APIError) bool {
	if e, ok := err.(*openai.APIError); ok {
		*target = e
		return true
	}
	return false
}
