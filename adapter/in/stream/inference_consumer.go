// Package stream ingests inference jobs from a Redis Stream consumer group
// and feeds them into the engine. Terminal responses flow back out through
// the result publisher, so upstream services never talk to the engine
// directly.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"inference_server/config"
	"inference_server/core/batch"
	"inference_server/core/domain"
	"inference_server/core/port/in"
	"inference_server/core/port/out"
	"inference_server/pkg/logger"
)

const (
	ingestWorkers   = 4
	ingestChanSize  = 64
	readBlock       = 5 * time.Second
	readCount       = 10
	publishTimeout  = 5 * time.Second
	reclaimInterval = 30 * time.Second
	reclaimIdle     = 2 * time.Minute
	maxDeliveries   = 3
)

// envelope is the wire shape of one stream job.
type envelope struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
}

// job carries one raw stream entry through the ingest pool. The entry stays
// pending in the group until handle acks it.
type job struct {
	id   string
	data []byte
}

// Consumer drains the request stream into the inference service. Admission
// acks the entry; a full queue leaves it pending so the reclaim pass retries
// it with backpressure instead of dropping it.
type Consumer struct {
	client    *redis.Client
	service   in.InferenceService
	publisher out.ResultPublisher
	stream    string
	group     string
	consumer  string
	log       zerolog.Logger

	grp *pool.WorkerGroup[job]
}

// NewConsumer wires a Consumer from config. The worker id doubles as the
// consumer name so pending entries identify their owner.
func NewConsumer(client *redis.Client, cfg *config.Config, svc in.InferenceService, pub out.ResultPublisher) *Consumer {
	return &Consumer{
		client:    client,
		service:   svc,
		publisher: pub,
		stream:    cfg.RequestStream,
		group:     cfg.ConsumerGroup,
		consumer:  cfg.WorkerID,
		log:       logger.Component("stream_consumer"),
	}
}

type ingestWorker struct {
	c *Consumer
}

func (w *ingestWorker) Do(ctx context.Context, j job) error {
	return w.c.handle(ctx, j)
}

// Run blocks reading the stream until ctx is cancelled. It owns the ingest
// pool lifecycle; on return all in-pool jobs have been handled or abandoned
// as pending for the next run.
func (c *Consumer) Run(ctx context.Context) error {
	c.ensureGroup(ctx)

	grp := pool.New[job](ingestWorkers, &ingestWorker{c: c}).
		WithWorkerChanSize(ingestChanSize).
		WithContinueOnError()
	if err := grp.Go(ctx); err != nil {
		return fmt.Errorf("failed to start ingest pool: %w", err)
	}
	c.grp = grp

	c.log.Info().
		Str("stream", c.stream).
		Str("group", c.group).
		Str("consumer", c.consumer).
		Msg("stream consumer started")

	go c.reclaimLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return c.shutdown()
			}
			c.log.Error().Err(err).Msg("error reading request stream")
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				raw, ok := msg.Values["data"].(string)
				if !ok {
					c.log.Warn().Str("id", msg.ID).Msg("entry has no data field, dropping")
					c.ack(ctx, msg.ID)
					continue
				}
				grp.Submit(job{id: msg.ID, data: []byte(raw)})
			}
		}
	}
}

func (c *Consumer) shutdown() error {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.grp.Close(closeCtx); err != nil {
		c.log.Warn().Err(err).Msg("error closing ingest pool")
	}
	c.log.Info().Msg("stream consumer stopped")
	return nil
}

// handle decodes and admits one entry. Ack rules:
//   - admitted or poison (undecodable, invalid): acked, never redelivered
//   - queue full or engine stopped: left pending for the reclaim pass
func (c *Consumer) handle(ctx context.Context, j job) error {
	var env envelope
	if err := json.Unmarshal(j.data, &env); err != nil {
		c.log.Warn().Err(err).Str("id", j.id).Msg("undecodable entry, dropping")
		c.ack(ctx, j.id)
		return nil
	}
	if env.Priority == 0 {
		env.Priority = domain.PriorityDefault
	}

	id, err := c.service.Submit(domain.RequestType(env.Type), env.Payload, env.Priority, c.publishCallback())
	if err != nil {
		if !retryableAdmission(err) {
			c.log.Warn().Err(err).Str("id", j.id).Str("type", env.Type).Msg("entry refused, dropping")
			c.ack(ctx, j.id)
			return nil
		}
		c.log.Warn().Err(err).Str("id", j.id).Msg("admission deferred, entry stays pending")
		return err
	}

	c.ack(ctx, j.id)
	c.log.Debug().Str("id", j.id).Str("request_id", id).Str("type", env.Type).Msg("entry admitted")
	return nil
}

// publishCallback forwards the terminal response to the result stream. It
// runs on engine worker goroutines, possibly after the consumer's own ctx is
// gone, so it carries its own deadline.
func (c *Consumer) publishCallback() domain.Callback {
	return func(resp *domain.Response) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := c.publisher.PublishResult(ctx, resp); err != nil {
			c.log.Error().Err(err).Str("request_id", resp.RequestID).Msg("failed to publish result")
		}
	}
}

// retryableAdmission reports whether a refused submit may succeed later.
func retryableAdmission(err error) bool {
	return errors.Is(err, batch.ErrQueueFull) || errors.Is(err, batch.ErrProcessorStopped)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		c.log.Error().Err(err).Str("id", id).Msg("error acknowledging entry")
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		c.log.Warn().Err(err).Str("stream", c.stream).Msg("error creating consumer group")
	}
}

// =============================================================================
// Pending reclaim
// =============================================================================

// reclaimLoop periodically re-handles entries another consumer (or a prior
// run) left pending. Entries past the delivery budget go to the dead letter
// stream instead of looping forever.
func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaimPending(ctx)
		}
	}
}

func (c *Consumer) reclaimPending(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Error().Err(err).Msg("error listing pending entries")
		}
		return
	}

	for _, p := range pending {
		if p.Idle < reclaimIdle {
			continue
		}

		if int(p.RetryCount) >= maxDeliveries {
			c.log.Warn().
				Str("id", p.ID).
				Int64("deliveries", p.RetryCount).
				Msg("entry exceeded delivery budget, moving to dead letter stream")
			if err := c.moveToDeadLetter(ctx, p.ID); err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error moving entry to dead letter stream")
				continue
			}
			c.ack(ctx, p.ID)
			continue
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  reclaimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming entry")
			continue
		}

		for _, msg := range claimed {
			raw, ok := msg.Values["data"].(string)
			if !ok {
				c.ack(ctx, msg.ID)
				continue
			}
			if err := c.handle(ctx, job{id: msg.ID, data: []byte(raw)}); err != nil {
				c.log.Warn().Err(err).Str("id", msg.ID).Msg("reclaimed entry deferred again")
			}
		}
	}
}

// moveToDeadLetter copies the entry onto dlq:<stream> with failure metadata.
func (c *Consumer) moveToDeadLetter(ctx context.Context, msgID string) error {
	entries, err := c.client.XRange(ctx, c.stream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("failed to read entry for dead letter stream: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("entry %s not found in stream %s", msgID, c.stream)
	}

	values := map[string]interface{}{
		"original_stream": c.stream,
		"original_id":     msgID,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.consumer,
		"group":           c.group,
	}
	for k, v := range entries[0].Values {
		values["original_"+k] = v
	}

	err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "dlq:" + c.stream,
		ID:     "*",
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to dead letter stream: %w", err)
	}
	return nil
}
