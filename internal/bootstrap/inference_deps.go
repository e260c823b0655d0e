// Package bootstrap assembles the runtime from configuration: the shared
// dependency set, the engine with its optional stream and snapshot side-cars,
// and the optional HTTP surface.
package bootstrap

import (
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"inference_server/adapter/out/messaging"
	"inference_server/adapter/out/persistence"
	"inference_server/adapter/out/provider"
	"inference_server/config"
	"inference_server/core/batch"
	"inference_server/infra/database"
	"inference_server/pkg/logger"
	"inference_server/pkg/metrics"
)

// latencyWindow bounds how many recent batch latencies feed the percentile
// figures in snapshots.
const latencyWindow = 1024

// Dependencies holds everything main and the HTTP surface share. Optional
// backends stay nil when their URL is missing or unreachable; only the
// processor itself is allowed to fail construction.
type Dependencies struct {
	Config    *config.Config
	DB        *sqlx.DB
	Redis     *redis.Client
	Collector *metrics.Collector
	Endpoint  *provider.OpenAIAdapter
	Processor *batch.Processor

	Publisher    *messaging.Publisher
	MetricsStore *persistence.MetricsStore
}

// NewDependencies wires the engine. The returned cleanup closes backends in
// reverse construction order; call it once, after the engine has stopped.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	log := logger.Component("bootstrap")
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("postgres unavailable, metrics snapshots disabled")
		} else {
			deps.DB = db
			cleanups = append(cleanups, func() { db.Close() })

			store, err := persistence.NewMetricsStore(db)
			if err != nil {
				log.Warn().Err(err).Msg("metrics schema setup failed, snapshots disabled")
			} else {
				deps.MetricsStore = store
			}
		}
	}

	if cfg.RedisURL != "" {
		client, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, stream ingestion disabled")
		} else {
			deps.Redis = client
			cleanups = append(cleanups, func() { client.Close() })
			deps.Publisher = messaging.NewPublisher(client, cfg.ResultStream, cfg.WorkerID)
		}
	}

	deps.Collector = metrics.NewCollector(latencyWindow)
	deps.Endpoint = provider.NewOpenAI(cfg, deps.Collector)

	proc, err := batch.NewProcessor(cfg, deps.Endpoint, deps.Collector)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Processor = proc

	log.Info().
		Str("worker_id", cfg.WorkerID).
		Str("strategy", cfg.Strategy).
		Bool("postgres", deps.DB != nil).
		Bool("redis", deps.Redis != nil).
		Msg("dependencies wired")

	return deps, cleanup, nil
}
