// Package persistence stores periodic metrics snapshots in Postgres for
// after-the-fact inspection. Only aggregates land here; request payloads and
// in-flight state never touch the database.
package persistence

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"inference_server/core/port/out"
	"inference_server/pkg/apperr"
	"inference_server/pkg/metrics"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS inference_metrics_snapshots (
	id               BIGSERIAL PRIMARY KEY,
	worker_id        TEXT NOT NULL,
	total_requests   BIGINT NOT NULL,
	total_batches    BIGINT NOT NULL,
	total_tokens     BIGINT NOT NULL,
	total_cost       DOUBLE PRECISION NOT NULL,
	cache_hits       BIGINT NOT NULL,
	dedup_hits       BIGINT NOT NULL,
	errors           BIGINT NOT NULL,
	avg_batch_size   DOUBLE PRECISION NOT NULL,
	avg_latency_ms   DOUBLE PRECISION NOT NULL,
	p50_latency_ms   DOUBLE PRECISION NOT NULL,
	p95_latency_ms   DOUBLE PRECISION NOT NULL,
	p99_latency_ms   DOUBLE PRECISION NOT NULL,
	pending_requests INT NOT NULL,
	uptime_seconds   DOUBLE PRECISION NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_inference_metrics_snapshots_worker
	ON inference_metrics_snapshots (worker_id, created_at DESC);
`

// MetricsStore persists snapshots into inference_metrics_snapshots.
type MetricsStore struct {
	db *sqlx.DB
}

// NewMetricsStore ensures the snapshot table exists and returns the store.
func NewMetricsStore(db *sqlx.DB) (*MetricsStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, snapshotSchema); err != nil {
		return nil, apperr.DatabaseError("ensure snapshot schema", err)
	}
	return &MetricsStore{db: db}, nil
}

// SaveSnapshot inserts one snapshot row.
func (s *MetricsStore) SaveSnapshot(ctx context.Context, workerID string, snap metrics.Snapshot) error {
	query := `
		INSERT INTO inference_metrics_snapshots (
			worker_id, total_requests, total_batches, total_tokens, total_cost,
			cache_hits, dedup_hits, errors, avg_batch_size, avg_latency_ms,
			p50_latency_ms, p95_latency_ms, p99_latency_ms, pending_requests,
			uptime_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.db.ExecContext(ctx, query,
		workerID,
		snap.TotalRequests,
		snap.TotalBatches,
		snap.TotalTokens,
		snap.TotalCost,
		snap.CacheHits,
		snap.DedupHits,
		snap.Errors,
		snap.AvgBatchSize,
		snap.AvgLatencyMs,
		snap.Latency.P50Ms,
		snap.Latency.P95Ms,
		snap.Latency.P99Ms,
		snap.PendingRequests,
		snap.UptimeSeconds,
	)
	if err != nil {
		return apperr.DatabaseError("insert metrics snapshot", err)
	}
	return nil
}

var _ out.MetricsStore = (*MetricsStore)(nil)
