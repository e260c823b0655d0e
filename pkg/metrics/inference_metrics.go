package metrics

import (
	"sync"
	"time"
)

// =============================================================================
// Pipeline Collector
// =============================================================================

// Collector accumulates pipeline counters. All fields are guarded by one
// mutex; derived averages use an incremental mean so no sample history is
// retained beyond the latency window.
type Collector struct {
	mu sync.Mutex

	totalRequests int64
	totalBatches  int64
	totalTokens   int64
	totalCost     float64
	cacheHits     int64
	dedupHits     int64
	errors        int64

	avgBatchSize float64
	avgLatencyMs float64

	latency   *LatencyTracker
	startedAt time.Time
}

// NewCollector creates a collector with a latency window of windowSize samples.
func NewCollector(windowSize int) *Collector {
	return &Collector{
		latency:   NewLatencyTracker(windowSize),
		startedAt: time.Now(),
	}
}

// RecordSubmit counts one accepted submission, deduplicated hits included.
func (c *Collector) RecordSubmit() {
	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()
}

// RecordDedupHit counts a submission short-circuited by the response cache.
func (c *Collector) RecordDedupHit() {
	c.mu.Lock()
	c.dedupHits++
	c.mu.Unlock()
}

// RecordCacheHit counts a bundle served from the prompt cache.
func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

// RecordBatch counts one dispatched batch and folds its size and wall time
// into the running means.
func (c *Collector) RecordBatch(size int, elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000.0

	c.mu.Lock()
	c.totalBatches++
	n := float64(c.totalBatches)
	c.avgBatchSize += (float64(size) - c.avgBatchSize) / n
	c.avgLatencyMs += (ms - c.avgLatencyMs) / n
	c.mu.Unlock()

	c.latency.Record(elapsed)
}

// RecordUsage adds endpoint token consumption and its cost estimate.
func (c *Collector) RecordUsage(tokens int, cost float64) {
	c.mu.Lock()
	c.totalTokens += int64(tokens)
	c.totalCost += cost
	c.mu.Unlock()
}

// RecordError counts one request that reached a terminal failure.
func (c *Collector) RecordError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Gauges carries point-in-time depths sampled by the caller at snapshot time.
type Gauges struct {
	PendingRequests int
	CacheSize       int
	DedupCacheSize  int
	InFlightBatches int
}

// Snapshot is a point-in-time copy of every counter plus the sampled gauges.
type Snapshot struct {
	TotalRequests   int64        `json:"total_requests"`
	TotalBatches    int64        `json:"total_batches"`
	TotalTokens     int64        `json:"total_tokens"`
	TotalCost       float64      `json:"total_cost"`
	CacheHits       int64        `json:"cache_hits"`
	DedupHits       int64        `json:"dedup_hits"`
	Errors          int64        `json:"errors"`
	AvgBatchSize    float64      `json:"avg_batch_size"`
	AvgLatencyMs    float64      `json:"avg_latency_ms"`
	PendingRequests int          `json:"pending_requests"`
	CacheSize       int          `json:"cache_size"`
	DedupCacheSize  int          `json:"dedup_cache_size"`
	InFlightBatches int          `json:"in_flight_batches"`
	UptimeSeconds   float64      `json:"uptime_seconds"`
	Latency         LatencyStats `json:"latency"`
}

// Snapshot copies the counters under the lock and merges the caller's gauges.
// Later mutations never affect a returned snapshot.
func (c *Collector) Snapshot(g Gauges) Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		TotalRequests:   c.totalRequests,
		TotalBatches:    c.totalBatches,
		TotalTokens:     c.totalTokens,
		TotalCost:       c.totalCost,
		CacheHits:       c.cacheHits,
		DedupHits:       c.dedupHits,
		Errors:          c.errors,
		AvgBatchSize:    c.avgBatchSize,
		AvgLatencyMs:    c.avgLatencyMs,
		PendingRequests: g.PendingRequests,
		CacheSize:       g.CacheSize,
		DedupCacheSize:  g.DedupCacheSize,
		InFlightBatches: g.InFlightBatches,
		UptimeSeconds:   time.Since(c.startedAt).Seconds(),
	}
	c.mu.Unlock()

	snap.Latency = c.latency.Stats()
	return snap
}

// Reset zeroes every counter and drops the latency window.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.totalRequests = 0
	c.totalBatches = 0
	c.totalTokens = 0
	c.totalCost = 0
	c.cacheHits = 0
	c.dedupHits = 0
	c.errors = 0
	c.avgBatchSize = 0
	c.avgLatencyMs = 0
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.latency.Reset()
}
