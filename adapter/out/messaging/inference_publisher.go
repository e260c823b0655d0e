// Package messaging publishes engine output over Redis: terminal responses
// onto a capped stream and metrics snapshots under a TTL key.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/redis/go-redis/v9"

	"inference_server/core/domain"
	"inference_server/core/port/out"
	"inference_server/pkg/metrics"
)

const (
	// resultStreamMaxLen caps the result stream so slow readers cannot grow
	// Redis without bound. Approximate trimming keeps XADD O(1).
	resultStreamMaxLen = 10000

	metricsKeyPrefix = "inference:metrics:"
	metricsKeyTTL    = 5 * time.Minute
)

// Publisher writes responses and snapshots for downstream consumers.
type Publisher struct {
	client   *redis.Client
	stream   string
	workerID string
}

// NewPublisher creates a Publisher writing results to the given stream.
func NewPublisher(client *redis.Client, stream, workerID string) *Publisher {
	return &Publisher{client: client, stream: stream, workerID: workerID}
}

// PublishResult appends one terminal response to the result stream.
func (p *Publisher) PublishResult(ctx context.Context, resp *domain.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: resultStreamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.stream, err)
	}
	return nil
}

// PublishMetrics stores the snapshot under a per-worker key. The TTL makes
// a crashed worker's stats disappear instead of going stale.
func (p *Publisher) PublishMetrics(ctx context.Context, snap metrics.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := metricsKeyPrefix + p.workerID
	if err := p.client.Set(ctx, key, data, metricsKeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to store metrics under %s: %w", key, err)
	}
	return nil
}

var (
	_ out.ResultPublisher  = (*Publisher)(nil)
	_ out.MetricsPublisher = (*Publisher)(nil)
)
