// Package batch implements the dispatch pipeline: the priority queue, the
// release strategies, the batch worker and the processor that owns them all.
package batch

import (
	"errors"
	"sync"
	"time"

	"inference_server/core/domain"
)

// ErrQueueFull is surfaced synchronously from Submit when the optional
// admission ceiling is configured and reached.
var ErrQueueFull = errors.New("queue full")

// ErrQueueClosed is returned by Enqueue once the queue has been closed for
// shutdown. The processor maps it to ErrProcessorStopped at its boundary.
var ErrQueueClosed = errors.New("queue closed")

// Batch is a released group of same-priority requests handed to one worker.
// Types may still be mixed at this point; the worker partitions them.
type Batch struct {
	ID       int64
	Priority int
	Requests []*domain.Request
}

// Queue groups pending requests into priority buckets that preserve FIFO
// order internally. One mutex guards every bucket; critical sections touch
// only bucket heads and counters.
type Queue struct {
	mu      sync.Mutex
	buckets [domain.PriorityMax + 1][]*domain.Request
	depth   int
	maxSize int // 0 = unbounded
	closed  bool
}

// NewQueue builds a queue with an optional admission ceiling. maxSize <= 0
// disables the ceiling.
func NewQueue(maxSize int) *Queue {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Queue{maxSize: maxSize}
}

// Enqueue appends the request to its priority bucket.
func (q *Queue) Enqueue(req *domain.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.maxSize > 0 && q.depth >= q.maxSize {
		return ErrQueueFull
	}
	q.buckets[req.Priority] = append(q.buckets[req.Priority], req)
	q.depth++
	return nil
}

// Depth returns the number of queued requests across all buckets.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// BucketLen returns the number of requests waiting at one priority.
func (q *Queue) BucketLen(priority int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buckets[domain.ClampPriority(priority)])
}

// ScanForRelease walks buckets from highest priority to lowest and cuts
// releasable batches off bucket heads according to the strategy. FIFO order
// inside a bucket survives the cut and batches never mix priorities.
func (q *Queue) ScanForRelease(now time.Time, s Strategy) []Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	var released []Batch
	for p := domain.PriorityMax; p >= domain.PriorityMin; p-- {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}

		for _, n := range s.Cuts(len(bucket), bucket[0].Age(now), p) {
			if n <= 0 || n > len(bucket) {
				break
			}
			released = append(released, Batch{Priority: p, Requests: bucket[:n:n]})
			bucket = bucket[n:]
			q.depth -= n
		}

		if len(bucket) == 0 {
			bucket = nil // drop the backing array once the bucket empties
		}
		q.buckets[p] = bucket
	}
	return released
}

// Releasable reports whether the strategy would cut at least one batch from
// the given bucket right now. Submit uses it to decide whether the scan loop
// should wake early instead of waiting out the idle tick.
func (q *Queue) Releasable(now time.Time, s Strategy, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	bucket := q.buckets[domain.ClampPriority(priority)]
	if len(bucket) == 0 {
		return false
	}
	return len(s.Cuts(len(bucket), bucket[0].Age(now), priority)) > 0
}

// DrainAll removes and returns every queued request, highest priority first.
func (q *Queue) DrainAll() []*domain.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked()
}

// Close marks the queue closed for admission and returns the backlog in one
// sweep. Enqueue fails with ErrQueueClosed from then on, which is what makes
// shutdown race-free: no request can slip in after the backlog is failed.
func (q *Queue) Close() []*domain.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return q.drainLocked()
}

func (q *Queue) drainLocked() []*domain.Request {
	drained := make([]*domain.Request, 0, q.depth)
	for p := domain.PriorityMax; p >= domain.PriorityMin; p-- {
		drained = append(drained, q.buckets[p]...)
		q.buckets[p] = nil
	}
	q.depth = 0
	return drained
}
