package out

import (
	"context"

	"inference_server/core/domain"
	"inference_server/pkg/metrics"
)

// ResultPublisher pushes terminal responses to the result stream so that
// stream-submitted jobs can be consumed by other services.
type ResultPublisher interface {
	PublishResult(ctx context.Context, resp *domain.Response) error
}

// MetricsPublisher exposes the live snapshot to external readers, typically
// under a shared cache key with a short TTL.
type MetricsPublisher interface {
	PublishMetrics(ctx context.Context, snap metrics.Snapshot) error
}

// MetricsStore persists periodic snapshots for after-the-fact inspection.
type MetricsStore interface {
	SaveSnapshot(ctx context.Context, workerID string, snap metrics.Snapshot) error
}
