package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inference_server/config"
	"inference_server/core/domain"
	"inference_server/core/port/in"
	"inference_server/core/port/out"
	"inference_server/pkg/cache"
	"inference_server/pkg/logger"
	"inference_server/pkg/metrics"
	"inference_server/pkg/ratelimit"
	"inference_server/pkg/snowflake"
)

// ErrProcessorStopped is returned by Submit once Stop has run. Hosts map it
// to a 503-style refusal at their boundary.
var ErrProcessorStopped = errors.New("processor stopped")

// scanInterval is the idle poll period of the scan loop. It bounds how late a
// time-based release can fire when no submit wakes the loop earlier.
const scanInterval = 100 * time.Millisecond

// Processor owns the pipeline lifecycle: admission and dedup lookup, the scan
// loop that asks the strategy for releasable batches, and the bounded pool of
// workers executing them.
type Processor struct {
	cfg         *config.Config
	queue       *Queue
	strategy    Strategy
	worker      *worker
	collector   *metrics.Collector
	respCache   *cache.Cache[*domain.Response]
	bundleCache *cache.Cache[*out.CompletionResult] // nil when disabled
	limiter     *ratelimit.Limiter
	ids         *snowflake.Generator
	log         zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	sem      chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int32

	mu      sync.Mutex
	started bool
	stopped bool
}

var _ in.InferenceService = (*Processor)(nil)

// Option tweaks processor construction.
type Option func(*Processor)

// WithLimiter substitutes the rate limiter, for hosts that share one limiter
// across processors and for tests that shrink the windows.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(p *Processor) { p.limiter = l }
}

// NewProcessor wires the pipeline around an endpoint implementation. The
// configuration must already be validated.
func NewProcessor(cfg *config.Config, endpoint out.CompletionEndpoint, collector *metrics.Collector, opts ...Option) (*Processor, error) {
	strategy, err := NewStrategy(cfg.Strategy, cfg.BatchSize, cfg.BatchTimeout)
	if err != nil {
		return nil, err
	}
	ids, err := snowflake.NewGenerator(snowflake.NodeFromString(cfg.WorkerID))
	if err != nil {
		return nil, err
	}

	p := &Processor{
		cfg:       cfg,
		queue:     NewQueue(cfg.MaxQueueSize),
		strategy:  strategy,
		collector: collector,
		respCache: cache.New[*domain.Response](cfg.CacheMaxEntries, cfg.CacheTTL),
		limiter:   ratelimit.New(cfg.RequestsPerMinute, cfg.RequestsPerHour),
		ids:       ids,
		log:       logger.Component("processor"),
		wake:      make(chan struct{}, 1),
		sem:       make(chan struct{}, cfg.MaxConcurrentBatches),
	}
	if cfg.BundleCacheEnabled {
		p.bundleCache = cache.New[*out.CompletionResult](cfg.CacheMaxEntries, cfg.CacheTTL)
	}
	for _, opt := range opts {
		opt(p)
	}

	p.worker = newWorker(cfg, endpoint, p.limiter, p.respCache, p.bundleCache, collector)
	return p, nil
}

// Start launches the scan loop. Calling it again, or after Stop, is a no-op.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go p.scanLoop()

	p.log.Info().
		Str("strategy", p.strategy.Name()).
		Int("batch_size", p.cfg.BatchSize).
		Int("max_concurrent_batches", p.cfg.MaxConcurrentBatches).
		Msg("processor started")
}

// Stop shuts the pipeline down: the scan loop exits, in-flight workers run to
// their terminal deliveries (cancelled at their next suspension point), and
// the queued backlog fails with cancelled. Safe to call more than once.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	backlog := p.queue.Close()
	p.worker.cancelAll(backlog)

	p.respCache.Close()
	if p.bundleCache != nil {
		p.bundleCache.Close()
	}

	p.log.Info().Int("cancelled", len(backlog)).Msg("processor stopped")
}

// Submit admits one request. The callback receives exactly one Response. On
// a dedup cache hit the callback fires synchronously with the cached response
// and the returned id is the one recorded in that response.
func (p *Processor) Submit(t domain.RequestType, payload map[string]any, priority int, cb domain.Callback) (string, error) {
	if err := domain.ValidatePayload(t, payload); err != nil {
		return "", err
	}

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return "", ErrProcessorStopped
	}

	dedupKey := domain.FingerprintPayload(t, payload)
	if cached, ok := p.respCache.Get(dedupKey); ok {
		p.collector.RecordSubmit()
		p.collector.RecordDedupHit()
		if cb != nil {
			p.invokeCached(cb, cached)
		}
		return cached.RequestID, nil
	}

	req := domain.NewRequest(t, payload, priority, cb)
	if err := p.queue.Enqueue(req); err != nil {
		if errors.Is(err, ErrQueueClosed) {
			return "", ErrProcessorStopped
		}
		return "", err
	}
	p.collector.RecordSubmit()

	// Wake the scan loop when this enqueue made the bucket releasable, so
	// size-triggered batches do not wait out the idle tick.
	if p.queue.Releasable(time.Now(), p.strategy, req.Priority) {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}

	return req.ID, nil
}

// SubmitBulk folds Submit over payloads sharing one type and priority. It
// stops at the first failed admission and returns the ids admitted so far.
func (p *Processor) SubmitBulk(t domain.RequestType, payloads []map[string]any, priority int) ([]string, error) {
	ids := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		id, err := p.Submit(t, payload, priority, nil)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetMetrics returns a point-in-time snapshot including queue and cache
// gauges.
func (p *Processor) GetMetrics() metrics.Snapshot {
	g := metrics.Gauges{
		PendingRequests: p.queue.Depth(),
		DedupCacheSize:  p.respCache.Len(),
		InFlightBatches: int(p.inFlight.Load()),
	}
	if p.bundleCache != nil {
		g.CacheSize = p.bundleCache.Len()
	}
	return p.collector.Snapshot(g)
}

// ClearCaches empties the response and bundle caches. Counters keep accruing.
func (p *Processor) ClearCaches() {
	p.respCache.Clear()
	if p.bundleCache != nil {
		p.bundleCache.Clear()
	}
	p.log.Info().Msg("caches cleared")
}

// RateStats exposes the limiter windows, for status surfaces.
func (p *Processor) RateStats() ratelimit.Stats {
	return p.limiter.Stats()
}

func (p *Processor) scanLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.dispatch()
	}
}

// dispatch releases every batch the strategy allows right now and hands each
// one to its own worker. Waiting for a worker slot blocks the scan loop,
// which is the backpressure bounding concurrent batches.
func (p *Processor) dispatch() {
	for _, b := range p.queue.ScanForRelease(time.Now(), p.strategy) {
		b.ID = p.nextBatchID()

		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			p.worker.cancelAll(b.Requests)
			continue
		}

		p.inFlight.Add(1)
		p.wg.Add(1)
		go func(batch Batch) {
			defer p.wg.Done()
			defer p.inFlight.Add(-1)
			defer func() { <-p.sem }()
			p.worker.Run(p.ctx, batch)
		}(b)
	}
}

func (p *Processor) nextBatchID() int64 {
	id, err := p.ids.Generate()
	if err != nil {
		// Clock skew. The id only correlates log lines, zero is tolerable.
		p.log.Warn().Err(err).Msg("batch id generation failed")
		return 0
	}
	return id
}

// invokeCached fires a dedup-hit callback on the submitter's goroutine,
// recovering panics like any other callback invocation.
func (p *Processor) invokeCached(cb domain.Callback, resp *domain.Response) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Str("request_id", resp.RequestID).
				Interface("panic", r).
				Msg("dedup callback panicked")
		}
	}()
	cb(resp)
}
