// Package domain holds the request/response model of the inference pipeline.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RequestType selects the composition strategy for a request.
type RequestType string

const (
	TypeClassification  RequestType = "classification"
	TypeTaskExtraction  RequestType = "task_extraction"
	TypeDraftGeneration RequestType = "draft_generation"
	TypeGeneric         RequestType = "generic"
)

// RequestTypes lists the closed set in partition order.
var RequestTypes = []RequestType{
	TypeClassification,
	TypeTaskExtraction,
	TypeDraftGeneration,
	TypeGeneric,
}

// Bundled reports whether multiple requests of this type merge into one
// endpoint call. Draft and generic requests always fan out one call each.
func (t RequestType) Bundled() bool {
	return t == TypeClassification || t == TypeTaskExtraction
}

// Priority bounds. Values outside the range are clamped on admission.
const (
	PriorityMin     = 1
	PriorityMax     = 10
	PriorityDefault = 5
)

// ClampPriority normalizes a priority into [PriorityMin, PriorityMax].
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// ErrorKind is the terminal failure taxonomy surfaced through Response.Error.
type ErrorKind string

const (
	ErrKindRateLimited    ErrorKind = "rate_limited"
	ErrKindTimeout        ErrorKind = "timeout"
	ErrKindServerError    ErrorKind = "server_error"
	ErrKindClientError    ErrorKind = "client_error"
	ErrKindParseError     ErrorKind = "parse_error"
	ErrKindMissingInBatch ErrorKind = "missing_in_batch_response"
	ErrKindCancelled      ErrorKind = "cancelled"
)

// Retryable reports whether the endpoint client may retry after this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindRateLimited, ErrKindTimeout, ErrKindServerError:
		return true
	}
	return false
}

// EndpointError carries a classified upstream failure.
type EndpointError struct {
	Kind       ErrorKind
	Status     int           // HTTP status when applicable
	RetryAfter time.Duration // server-advised delay, zero when absent
	Attempts   int           // calls made before giving up
	Err        error
}

func (e *EndpointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("endpoint %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("endpoint %s", e.Kind)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// Callback is the one-shot sink a caller attaches to a request. It is invoked
// with exactly one Response and may block; it runs outside all internal locks.
type Callback func(*Response)

// Request is one unit of admitted work.
type Request struct {
	ID          string         `json:"id"`
	Type        RequestType    `json:"type"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	SubmittedAt time.Time      `json:"submitted_at"`
	// RetryCount is stamped at delivery with the upstream attempts made
	// beyond the first for the call that settled this request.
	RetryCount int    `json:"retry_count"`
	DedupKey   string `json:"dedup_key"`

	callback  Callback
	delivered sync.Once
}

var requestSeq atomic.Uint64

// NewRequest builds an admitted request. The id is derived from the type, the
// payload fingerprint and the admission instant; a process-local sequence
// disambiguates same-nanosecond duplicates.
func NewRequest(t RequestType, payload map[string]any, priority int, cb Callback) *Request {
	now := time.Now()
	dedup := FingerprintPayload(t, payload)
	seq := requestSeq.Add(1)

	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%d", t, dedup, now.UnixNano(), seq))

	return &Request{
		ID:          hex.EncodeToString(sum[:16]),
		Type:        t,
		Payload:     payload,
		Priority:    ClampPriority(priority),
		SubmittedAt: now,
		DedupKey:    dedup,
		callback:    cb,
	}
}

// Age returns how long the request has been waiting at instant now.
func (r *Request) Age(now time.Time) time.Duration {
	return now.Sub(r.SubmittedAt)
}

// Take claims delivery and hands back the callback. Only the first call wins;
// later calls return (nil, false). The winner invokes the callback (recovering
// panics) and performs the terminal accounting for the request.
func (r *Request) Take() (Callback, bool) {
	var cb Callback
	first := false
	r.delivered.Do(func() {
		first = true
		cb = r.callback
	})
	return cb, first
}

// Response is the terminal outcome of a request. Exactly one of Data or Error
// is set: success carries data, failure carries the error kind.
type Response struct {
	RequestID        string         `json:"request_id"`
	Success          bool           `json:"success"`
	Data             map[string]any `json:"data,omitempty"`
	Error            string         `json:"error,omitempty"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	TokensUsed       int            `json:"tokens_used"`
	CostEstimate     float64        `json:"cost_estimate"`
}

// SuccessResponse builds a successful terminal response.
func SuccessResponse(requestID string, data map[string]any, elapsed time.Duration, tokens int, cost float64) *Response {
	return &Response{
		RequestID:        requestID,
		Success:          true,
		Data:             data,
		ProcessingTimeMs: float64(elapsed.Microseconds()) / 1000.0,
		TokensUsed:       tokens,
		CostEstimate:     cost,
	}
}

// FailureResponse builds a failed terminal response.
func FailureResponse(requestID string, kind ErrorKind, elapsed time.Duration) *Response {
	return &Response{
		RequestID:        requestID,
		Success:          false,
		Error:            string(kind),
		ProcessingTimeMs: float64(elapsed.Microseconds()) / 1000.0,
	}
}
