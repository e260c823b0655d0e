package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inference_server/config"
	"inference_server/core/compose"
	"inference_server/core/domain"
	"inference_server/core/port/out"
	"inference_server/pkg/cache"
	"inference_server/pkg/logger"
	"inference_server/pkg/metrics"
	"inference_server/pkg/ratelimit"
)

// worker runs one released batch end to end: partition by type, compose,
// acquire rate admission, call the endpoint, decompose, deliver. Every
// request in the batch reaches exactly one terminal response before Run
// returns, whatever the endpoint does.
type worker struct {
	composer    *compose.Composer
	endpoint    out.CompletionEndpoint
	limiter     *ratelimit.Limiter
	respCache   *cache.Cache[*domain.Response]
	bundleCache *cache.Cache[*out.CompletionResult] // nil when disabled
	collector   *metrics.Collector
	batchSize   int
	log         zerolog.Logger
}

func newWorker(
	cfg *config.Config,
	endpoint out.CompletionEndpoint,
	limiter *ratelimit.Limiter,
	respCache *cache.Cache[*domain.Response],
	bundleCache *cache.Cache[*out.CompletionResult],
	collector *metrics.Collector,
) *worker {
	return &worker{
		composer:    compose.New(cfg.Model, cfg.DraftModel),
		endpoint:    endpoint,
		limiter:     limiter,
		respCache:   respCache,
		bundleCache: bundleCache,
		collector:   collector,
		batchSize:   cfg.BatchSize,
		log:         logger.Component("batch_worker"),
	}
}

// Run executes one batch. Type groups run sequentially; inside a group,
// bundled types make one call per bundle while draft and generic requests
// fan out concurrently up to batchSize calls.
func (w *worker) Run(ctx context.Context, b Batch) {
	log := w.log.With().
		Int64("batch_id", b.ID).
		Int("priority", b.Priority).
		Int("size", len(b.Requests)).
		Logger()
	log.Debug().Msg("batch started")

	for _, t := range domain.RequestTypes {
		group := filterType(b.Requests, t)
		if len(group) == 0 {
			continue
		}
		if t.Bundled() {
			w.runBundled(ctx, log, t, group)
		} else {
			w.runFanOut(ctx, log, t, group)
		}
	}

	log.Debug().Msg("batch finished")
}

func (w *worker) runBundled(ctx context.Context, log zerolog.Logger, t domain.RequestType, group []*domain.Request) {
	for _, bundle := range w.composer.Compose(t, group) {
		w.execBundle(ctx, log, bundle)
	}
}

func (w *worker) runFanOut(ctx context.Context, log zerolog.Logger, t domain.RequestType, group []*domain.Request) {
	sem := make(chan struct{}, w.batchSize)
	var wg sync.WaitGroup

	for _, bundle := range w.composer.Compose(t, group) {
		sem <- struct{}{}
		wg.Add(1)
		go func(bd compose.Bundle) {
			defer wg.Done()
			defer func() { <-sem }()
			w.execBundle(ctx, log, bd)
		}(bundle)
	}
	wg.Wait()
}

// execBundle drives one composed call through rate admission, the endpoint
// and decomposition. A bundle cache hit skips admission and the call.
func (w *worker) execBundle(ctx context.Context, log zerolog.Logger, b compose.Bundle) {
	start := time.Now()

	if w.bundleCache != nil {
		if cached, ok := w.bundleCache.Get(b.Fingerprint); ok {
			log.Debug().
				Str("type", string(b.Type)).
				Int("requests", len(b.Requests)).
				Msg("bundle cache hit")
			for i, resp := range w.composer.Decompose(b, cached, time.Since(start)) {
				if w.deliver(b.Requests[i], resp) {
					w.collector.RecordCacheHit()
				}
			}
			return
		}
	}

	if ctx.Err() != nil {
		w.failBundle(b, domain.ErrKindCancelled, 0, time.Since(start))
		return
	}
	if err := w.limiter.Acquire(ctx); err != nil {
		w.failBundle(b, domain.ErrKindCancelled, 0, time.Since(start))
		return
	}

	result, err := w.endpoint.Complete(ctx, b.Spec)
	elapsed := time.Since(start)
	if err != nil {
		kind := classifyFailure(err)
		log.Warn().
			Err(err).
			Str("type", string(b.Type)).
			Int("requests", len(b.Requests)).
			Str("error_kind", string(kind)).
			Msg("bundle call failed")
		w.failBundle(b, kind, retriesOf(err), elapsed)
		return
	}

	if w.bundleCache != nil {
		w.bundleCache.Put(b.Fingerprint, result, 0)
	}

	retries := max(0, result.Attempts-1)
	for i, resp := range w.composer.Decompose(b, result, elapsed) {
		b.Requests[i].RetryCount = retries
		w.deliver(b.Requests[i], resp)
	}
	w.collector.RecordBatch(len(b.Requests), elapsed)
}

// failBundle delivers one failure of the given kind to every request in the
// bundle. Requests that already reached a terminal response are skipped.
func (w *worker) failBundle(b compose.Bundle, kind domain.ErrorKind, retries int, elapsed time.Duration) {
	for _, req := range b.Requests {
		req.RetryCount = retries
		w.deliver(req, domain.FailureResponse(req.ID, kind, elapsed))
	}
}

// cancelAll delivers a cancelled response to every request that has not yet
// reached a terminal outcome. Shutdown uses it on the queued backlog and on
// batches that never got a worker slot.
func (w *worker) cancelAll(reqs []*domain.Request) {
	now := time.Now()
	for _, req := range reqs {
		w.deliver(req, domain.FailureResponse(req.ID, domain.ErrKindCancelled, req.Age(now)))
	}
}

// deliver fires the terminal response for req exactly once, then performs the
// request's terminal accounting: successful responses go to the dedup cache,
// failures bump the error counter. It reports whether this call won delivery.
func (w *worker) deliver(req *domain.Request, resp *domain.Response) bool {
	cb, first := req.Take()
	if !first {
		return false
	}
	// Accounting lands before the callback so a caller reacting to the
	// response observes the cache entry and counters already updated.
	if resp.Success {
		w.respCache.Put(req.DedupKey, resp, 0)
	} else {
		w.collector.RecordError()
	}
	if cb != nil {
		w.invoke(cb, resp, req.ID)
	}
	return true
}

// invoke runs a caller-supplied callback outside all locks, recovering panics
// so one bad sink cannot take the worker down or skip its siblings.
func (w *worker) invoke(cb domain.Callback, resp *domain.Response, requestID string) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().
				Str("request_id", requestID).
				Interface("panic", r).
				Msg("request callback panicked")
		}
	}()
	cb(resp)
}

// classifyFailure maps an endpoint failure onto the error taxonomy surfaced
// through Response.Error.
func classifyFailure(err error) domain.ErrorKind {
	var endErr *domain.EndpointError
	if errors.As(err, &endErr) {
		return endErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return domain.ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrKindTimeout
	}
	return domain.ErrKindServerError
}

// retriesOf extracts the attempts made beyond the first from a failed call.
func retriesOf(err error) int {
	var endErr *domain.EndpointError
	if errors.As(err, &endErr) {
		return max(0, endErr.Attempts-1)
	}
	return 0
}

func filterType(reqs []*domain.Request, t domain.RequestType) []*domain.Request {
	var group []*domain.Request
	for _, r := range reqs {
		if r.Type == t {
			group = append(group, r)
		}
	}
	return group
}
