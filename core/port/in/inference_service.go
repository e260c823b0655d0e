package in

import (
	"inference_server/core/domain"
	"inference_server/pkg/metrics"
)

// InferenceService is the admission surface of the engine. Both the HTTP
// handlers and the stream consumer talk to the processor through it.
type InferenceService interface {
	// Submit admits one request and returns its id. On a dedup cache hit the
	// callback fires synchronously with the cached response and the returned
	// id is the id recorded in that cached response, not a fresh one.
	Submit(t domain.RequestType, payload map[string]any, priority int, cb domain.Callback) (string, error)

	// SubmitBulk admits same-type requests in order. It stops at the first
	// admission failure and returns the ids admitted so far with the error.
	SubmitBulk(t domain.RequestType, payloads []map[string]any, priority int) ([]string, error)

	// GetMetrics samples the live gauges and returns a consistent snapshot.
	GetMetrics() metrics.Snapshot

	// ClearCaches empties the response and bundle caches. Counters keep
	// accruing; only cached content is dropped.
	ClearCaches()
}
