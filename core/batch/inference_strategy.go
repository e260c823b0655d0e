package batch

import (
	"fmt"
	"time"

	"inference_server/config"
)

// Strategy decides how many requests to cut off a bucket head during one scan
// pass. Implementations are pure functions of the bucket length, the age of
// the bucket's oldest request and the bucket priority, so a scan never blocks
// on anything but the queue mutex.
//
// Cuts returns consecutive batch sizes, applied front to back. An empty
// result leaves the bucket untouched this pass.
type Strategy interface {
	Name() string
	Cuts(bucketLen int, oldestAge time.Duration, priority int) []int
}

// NewStrategy maps a configured strategy name to its implementation.
func NewStrategy(name string, batchSize int, batchTimeout time.Duration) (Strategy, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	switch name {
	case config.StrategySizeBased:
		return sizeBased{batchSize: batchSize}, nil
	case config.StrategyTimeBased:
		return timeBased{batchSize: batchSize, batchTimeout: batchTimeout}, nil
	case config.StrategyHybrid:
		return hybrid{batchSize: batchSize, batchTimeout: batchTimeout}, nil
	case config.StrategyPriority:
		return byPriority{batchSize: batchSize}, nil
	default:
		return nil, fmt.Errorf("unknown batching strategy %q", name)
	}
}

// sizeBased releases repeated full batches and leaves residuals queued. A
// trickle that never reaches batchSize waits indefinitely under this
// strategy; hosts that need liveness pick hybrid or time_based.
type sizeBased struct {
	batchSize int
}

func (s sizeBased) Name() string { return config.StrategySizeBased }

func (s sizeBased) Cuts(bucketLen int, _ time.Duration, _ int) []int {
	return fullCuts(bucketLen, s.batchSize, false)
}

// timeBased releases at most one batch per bucket per scan, once the oldest
// request has waited at least batchTimeout.
type timeBased struct {
	batchSize    int
	batchTimeout time.Duration
}

func (s timeBased) Name() string { return config.StrategyTimeBased }

func (s timeBased) Cuts(bucketLen int, oldestAge time.Duration, _ int) []int {
	if bucketLen == 0 || oldestAge < s.batchTimeout {
		return nil
	}
	return []int{min(bucketLen, s.batchSize)}
}

// hybrid prefers a full batch and falls back to an aged partial one. At most
// one batch per bucket per scan.
type hybrid struct {
	batchSize    int
	batchTimeout time.Duration
}

func (s hybrid) Name() string { return config.StrategyHybrid }

func (s hybrid) Cuts(bucketLen int, oldestAge time.Duration, _ int) []int {
	if bucketLen >= s.batchSize {
		return []int{s.batchSize}
	}
	if bucketLen > 0 && oldestAge >= s.batchTimeout {
		return []int{bucketLen}
	}
	return nil
}

// byPriority grades buckets by urgency class. High buckets (>= 8) drain
// completely including the trailing partial batch, mid buckets (5..7) release
// one batch once half a batch is waiting, low buckets wait for full batches.
type byPriority struct {
	batchSize int
}

func (s byPriority) Name() string { return config.StrategyPriority }

func (s byPriority) Cuts(bucketLen int, _ time.Duration, priority int) []int {
	switch {
	case priority >= 8:
		return fullCuts(bucketLen, s.batchSize, true)
	case priority >= 5:
		if bucketLen >= max(1, s.batchSize/2) {
			return []int{min(bucketLen, s.batchSize)}
		}
		return nil
	default:
		return fullCuts(bucketLen, s.batchSize, false)
	}
}

// fullCuts slices a bucket into consecutive batchSize cuts, optionally
// keeping the trailing partial cut.
func fullCuts(bucketLen, batchSize int, withRemainder bool) []int {
	if bucketLen == 0 || (!withRemainder && bucketLen < batchSize) {
		return nil
	}

	cuts := make([]int, 0, bucketLen/batchSize+1)
	for bucketLen >= batchSize {
		cuts = append(cuts, batchSize)
		bucketLen -= batchSize
	}
	if withRemainder && bucketLen > 0 {
		cuts = append(cuts, bucketLen)
	}
	return cuts
}
