package bootstrap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inference_server/adapter/in/stream"
	"inference_server/config"
	"inference_server/core/batch"
	"inference_server/pkg/logger"
)

// snapshotTimeout caps one reporter round; a stalled backend must not block
// the next tick or shutdown.
const snapshotTimeout = 10 * time.Second

// Engine runs the processor plus its optional side-cars: the Redis Streams
// consumer and the periodic metrics snapshot reporter.
type Engine struct {
	deps     *Dependencies
	consumer *stream.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewEngine builds dependencies and wraps them into an engine. The returned
// cleanup closes backend connections; call it after Stop.
func NewEngine(cfg *config.Config) (*Engine, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewEngineWithDeps(deps), cleanup, nil
}

// NewEngineWithDeps assembles an engine over dependencies built elsewhere,
// so the HTTP surface and the stream consumer feed one shared processor.
func NewEngineWithDeps(deps *Dependencies) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		log:    logger.Component("engine"),
	}
	if deps.Redis != nil && deps.Publisher != nil {
		e.consumer = stream.NewConsumer(deps.Redis, deps.Config, deps.Processor, deps.Publisher)
	}
	return e
}

// Start brings up the processor, then the stream consumer and the snapshot
// reporter when their backends are configured. Non-blocking.
func (e *Engine) Start() {
	e.deps.Processor.Start()

	if e.consumer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.consumer.Run(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error().Err(err).Msg("stream consumer stopped")
			}
		}()
	}

	if e.deps.MetricsStore != nil || e.deps.Publisher != nil {
		e.wg.Add(1)
		go e.reportLoop()
	}

	e.log.Info().
		Bool("stream", e.consumer != nil).
		Bool("snapshots", e.deps.MetricsStore != nil).
		Msg("engine started")
}

// Stop cancels the side-cars first so no new work is admitted, then shuts
// the processor down, which fails still-queued requests as cancelled.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.deps.Processor.Stop()
	e.log.Info().Msg("engine stopped")
}

// Processor exposes the admission surface for in-process callers.
func (e *Engine) Processor() *batch.Processor {
	return e.deps.Processor
}

func (e *Engine) reportLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.deps.Config.MetricsSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.report()
		}
	}
}

func (e *Engine) report() {
	snap := e.deps.Processor.GetMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	if e.deps.MetricsStore != nil {
		if err := e.deps.MetricsStore.SaveSnapshot(ctx, e.deps.Config.WorkerID, snap); err != nil {
			e.log.Warn().Err(err).Msg("metrics snapshot save failed")
		}
	}
	if e.deps.Publisher != nil {
		if err := e.deps.Publisher.PublishMetrics(ctx, snap); err != nil {
			e.log.Warn().Err(err).Msg("metrics publish failed")
		}
	}
}
