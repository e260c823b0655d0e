package out

import (
	"context"

	"inference_server/core/domain"
)

// CompletionSpec is one fully composed upstream call. The composer owns the
// prompt shape; the endpoint adapter owns transport, retries and accounting.
type CompletionSpec struct {
	Model       string
	Messages    []domain.ChatMessage
	Temperature float32
	MaxTokens   int
	// JSONMode asks the endpoint for a JSON object reply and makes the
	// adapter verify the content decodes before reporting success.
	JSONMode bool
}

// CompletionResult is the usable outcome of a completed call.
type CompletionResult struct {
	Content          string  `json:"content"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostEstimate     float64 `json:"cost_estimate"`
	Attempts         int     `json:"attempts"`
}

// CompletionEndpoint executes composed calls against the model provider.
// Failures come back as *domain.EndpointError with the retry policy already
// exhausted; callers never retry on top of this.
type CompletionEndpoint interface {
	Complete(ctx context.Context, spec CompletionSpec) (*CompletionResult, error)
}
