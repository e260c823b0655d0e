// Package provider implements the completion endpoint against an
// OpenAI-compatible chat API.
package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	openai "github.com/sashabaranov/go-openai"

	"inference_server/config"
	"inference_server/core/domain"
	"inference_server/core/port/out"
	"inference_server/pkg/httputil"
	"inference_server/pkg/logger"
	"inference_server/pkg/metrics"
)

// =============================================================================
// Adapter
// =============================================================================

// OpenAIAdapter executes composed calls with retries, timeout, circuit
// breaking and usage accounting. It returns *domain.EndpointError on failure
// with the retry budget already spent.
type OpenAIAdapter struct {
	client      *openai.Client
	pricing     config.PricingTable
	collector   *metrics.Collector
	breaker     *gobreaker.CircuitBreaker
	maxRetries  int
	baseBackoff time.Duration
	timeout     time.Duration
	log         zerolog.Logger
}

func NewOpenAI(cfg *config.Config, collector *metrics.Collector) *OpenAIAdapter {
	log := logger.Component("endpoint")

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{
		Transport: &captureTransport{base: httputil.EndpointTransport()},
	}

	a := &OpenAIAdapter{
		client:      openai.NewClientWithConfig(clientCfg),
		pricing:     cfg.Pricing,
		collector:   collector,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		timeout:     cfg.Timeout,
		log:         log,
	}

	if cfg.BreakerEnabled {
		a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "inference-endpoint",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.ConsecutiveFailures > 5 ||
					(counts.Requests >= 10 && failureRatio >= 0.6)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state changed")
			},
		})
	}

	return a
}

// Complete runs one composed call with up to maxRetries attempts. Backoff
// doubles per attempt; a server-advised retry delay replaces the local
// backoff when present. Client faults other than rate refusal end the call
// immediately.
func (a *OpenAIAdapter) Complete(ctx context.Context, spec out.CompletionSpec) (*out.CompletionResult, error) {
	var lastErr *domain.EndpointError

	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			delay := a.baseBackoff * time.Duration(1<<(attempt-1))
			if lastErr.Kind == domain.ErrKindRateLimited && lastErr.RetryAfter > 0 {
				delay = lastErr.RetryAfter
			}
			a.log.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("reason", string(lastErr.Kind)).
				Msg("retrying endpoint call")

			select {
			case <-ctx.Done():
				return nil, &domain.EndpointError{Kind: domain.ErrKindCancelled, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		result, endErr := a.attempt(ctx, spec)
		if endErr == nil {
			result.Attempts = attempt + 1
			a.collector.RecordUsage(result.TotalTokens, result.CostEstimate)
			return result, nil
		}

		lastErr = endErr
		lastErr.Attempts = attempt + 1
		if !endErr.Kind.Retryable() {
			return nil, endErr
		}
	}

	a.log.Warn().
		Str("model", spec.Model).
		Str("kind", string(lastErr.Kind)).
		Int("attempts", lastErr.Attempts).
		Msg("endpoint call failed after retries")
	return nil, lastErr
}

func (a *OpenAIAdapter) attempt(ctx context.Context, spec out.CompletionSpec) (*out.CompletionResult, *domain.EndpointError) {
	holder := &retryAfterHolder{}
	callCtx := context.WithValue(ctx, retryAfterKey{}, holder)
	callCtx, cancel := context.WithTimeout(callCtx, a.timeout)
	defer cancel()

	resp, err := a.execute(callCtx, buildRequest(spec))
	if err != nil {
		return nil, classifyError(err, holder.delay())
	}

	if len(resp.Choices) == 0 {
		return nil, &domain.EndpointError{Kind: domain.ErrKindServerError, Err: errors.New("empty choices")}
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if spec.JSONMode {
		content = stripJSONFences(content)
		if !validJSONObject(content) {
			return nil, &domain.EndpointError{Kind: domain.ErrKindParseError, Err: errors.New("reply is not a JSON object")}
		}
	}

	model := resp.Model
	if model == "" {
		model = spec.Model
	}

	return &out.CompletionResult{
		Content:          content,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostEstimate:     a.pricing.Cost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}

// execute routes the call through the breaker when enabled. Caller mistakes
// (4xx other than rate refusal) stay out of the breaker's failure counts.
func (a *OpenAIAdapter) execute(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if a.breaker == nil {
		return a.client.CreateChatCompletion(ctx, req)
	}

	var clientFault error
	v, err := a.breaker.Execute(func() (any, error) {
		resp, callErr := a.client.CreateChatCompletion(ctx, req)
		if callErr != nil && isClientFault(callErr) {
			clientFault = callErr
			return resp, nil
		}
		return resp, callErr
	})
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if clientFault != nil {
		return openai.ChatCompletionResponse{}, clientFault
	}
	return v.(openai.ChatCompletionResponse), nil
}

// =============================================================================
// Request Construction
// =============================================================================

// reasoningModelPrefixes lists model families that reject max_tokens and
// want max_completion_tokens instead.
var reasoningModelPrefixes = []string{"o1", "o3", "gpt-5"}

func usesCompletionTokenParam(model string) bool {
	for _, prefix := range reasoningModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func buildRequest(spec out.CompletionSpec) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, len(spec.Messages))
	for i, m := range spec.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	req := openai.ChatCompletionRequest{
		Model:       spec.Model,
		Messages:    messages,
		Temperature: spec.Temperature,
	}
	if usesCompletionTokenParam(spec.Model) {
		req.MaxCompletionTokens = spec.MaxTokens
	} else {
		req.MaxTokens = spec.MaxTokens
	}
	if spec.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

// =============================================================================
// Error Classification
// =============================================================================

func classifyError(err error, retryAfter time.Duration) *domain.EndpointError {
	// An open breaker is an upstream health statement, not a caller fault.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.EndpointError{Kind: domain.ErrKindServerError, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, retryAfter, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, retryAfter, err)
	}

	if errors.Is(err, context.Canceled) {
		return &domain.EndpointError{Kind: domain.ErrKindCancelled, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.EndpointError{Kind: domain.ErrKindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.EndpointError{Kind: domain.ErrKindTimeout, Err: err}
	}

	return &domain.EndpointError{Kind: domain.ErrKindServerError, Err: err}
}

func classifyStatus(status int, retryAfter time.Duration, err error) *domain.EndpointError {
	switch {
	case status == http.StatusTooManyRequests:
		return &domain.EndpointError{Kind: domain.ErrKindRateLimited, Status: status, RetryAfter: retryAfter, Err: err}
	case status == http.StatusRequestTimeout:
		return &domain.EndpointError{Kind: domain.ErrKindTimeout, Status: status, Err: err}
	case status >= 500:
		return &domain.EndpointError{Kind: domain.ErrKindServerError, Status: status, Err: err}
	case status >= 400:
		return &domain.EndpointError{Kind: domain.ErrKindClientError, Status: status, Err: err}
	default:
		return &domain.EndpointError{Kind: domain.ErrKindServerError, Status: status, Err: err}
	}
}

func isClientFault(err error) bool {
	status := 0
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.HTTPStatusCode
	} else {
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			status = reqErr.HTTPStatusCode
		}
	}
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// =============================================================================
// Retry-After Capture
// =============================================================================

type retryAfterKey struct{}

type retryAfterHolder struct {
	nanos atomic.Int64
}

func (h *retryAfterHolder) delay() time.Duration {
	return time.Duration(h.nanos.Load())
}

// captureTransport lifts Retry-After off rate-refusal responses into the
// holder carried by the request context. go-openai does not expose response
// headers, so the capture has to happen at the transport seam.
type captureTransport struct {
	base http.RoundTripper
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusTooManyRequests {
		return resp, err
	}
	holder, ok := req.Context().Value(retryAfterKey{}).(*retryAfterHolder)
	if !ok {
		return resp, nil
	}
	if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
		holder.nanos.Store(int64(d))
	}
	return resp, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// =============================================================================
// Content Validation
// =============================================================================

func stripJSONFences(s string) string {
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func validJSONObject(s string) bool {
	var obj map[string]any
	return json.Unmarshal([]byte(s), &obj) == nil
}
