package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"mailworker/core/domain"
	"mailworker/pkg/logger"
)

// JobHandler processes decoded jobs from the streams.
type JobHandler interface {
	Handle(ctx context.Context, job *domain.SyncJob) error
}

// =============================================================================
// Consumer - XREADGROUP 기반 스트림 소비자
// =============================================================================

type Consumer struct {
	client   *redis.Client
	group    string
	consumer string
	streams  []string
	handler  JobHandler
	log      *logger.Logger

	batchSize            int
	blockDuration        time.Duration
	pendingCheckInterval time.Duration
	pendingIdleTime      time.Duration
	maxRetries           int
}

type ConsumerConfig struct {
	Group    string
	Consumer string
	Streams  []string
	Handler  JobHandler

	BatchSize            int
	BlockDuration        time.Duration
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxRetries           int
}

func NewConsumer(client *redis.Client, cfg *ConsumerConfig) *Consumer {
	c := &Consumer{
		client:               client,
		group:                cfg.Group,
		consumer:             cfg.Consumer,
		streams:              cfg.Streams,
		handler:              cfg.Handler,
		log:                  logger.WithField("component", "job_consumer"),
		batchSize:            cfg.BatchSize,
		blockDuration:        cfg.BlockDuration,
		pendingCheckInterval: cfg.PendingCheckInterval,
		pendingIdleTime:      cfg.PendingIdleTime,
		maxRetries:           cfg.MaxRetries,
	}
	if c.batchSize == 0 {
		c.batchSize = 10
	}
	if c.blockDuration == 0 {
		c.blockDuration = 5 * time.Second
	}
	if c.pendingCheckInterval == 0 {
		c.pendingCheckInterval = 30 * time.Second
	}
	if c.pendingIdleTime == 0 {
		c.pendingIdleTime = 2 * time.Minute
	}
	if c.maxRetries == 0 {
		c.maxRetries = 3
	}
	return c
}

func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("[Consumer.Run] starting: group=%s consumer=%s streams=%v", c.group, c.consumer, c.streams)

	for _, stream := range c.streams {
		c.createConsumerGroup(ctx, stream)
	}

	go c.processPendingMessages(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := c.readMessages(ctx)
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.log.WithError(err).Error("[Consumer.Run] read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				if err := c.processMessage(ctx, stream.Stream, msg, 0); err != nil {
					c.log.WithError(err).Error("[Consumer.Run] job failed: stream=%s id=%s", stream.Stream, msg.ID)
					continue
				}
				if err := c.client.XAck(ctx, stream.Stream, c.group, msg.ID).Err(); err != nil {
					c.log.WithError(err).Error("[Consumer.Run] ack failed: stream=%s id=%s", stream.Stream, msg.ID)
				}
			}
		}
	}
}

// processPendingMessages reclaims jobs whose consumer died mid-flight.
func (c *Consumer) processPendingMessages(ctx context.Context) {
	ticker := time.NewTicker(c.pendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.claimAndProcessPending(ctx)
		}
	}
}

func (c *Consumer) claimAndProcessPending(ctx context.Context) {
	for _, stream := range c.streams {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if err != redis.Nil {
				c.log.WithError(err).Error("[Consumer.claimAndProcessPending] pending query failed: stream=%s", stream)
			}
			continue
		}

		for _, p := range pending {
			if p.Idle < c.pendingIdleTime {
				continue
			}
			if int(p.RetryCount) > c.maxRetries {
				c.log.Warn("[Consumer.claimAndProcessPending] retries exhausted, moving to DLQ: stream=%s id=%s retries=%d", stream, p.ID, p.RetryCount)
				if err := c.moveToDeadLetterQueue(ctx, stream, p.ID); err != nil {
					c.log.WithError(err).Error("[Consumer.claimAndProcessPending] DLQ move failed: id=%s", p.ID)
				}
				c.client.XAck(ctx, stream, c.group, p.ID)
				continue
			}

			claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.pendingIdleTime,
				Messages: []string{p.ID},
			}).Result()
			if err != nil {
				c.log.WithError(err).Error("[Consumer.claimAndProcessPending] claim failed: id=%s", p.ID)
				continue
			}

			for _, msg := range claimed {
				if err := c.processMessage(ctx, stream, msg, int(p.RetryCount)); err != nil {
					c.log.WithError(err).Error("[Consumer.claimAndProcessPending] redelivery failed: stream=%s id=%s", stream, msg.ID)
					continue
				}
				if err := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
					c.log.WithError(err).Error("[Consumer.claimAndProcessPending] ack failed: id=%s", msg.ID)
				}
			}
		}
	}
}

func (c *Consumer) createConsumerGroup(ctx context.Context, stream string) {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		c.log.WithError(err).Warn("[Consumer.createConsumerGroup] stream=%s", stream)
	}
}

func (c *Consumer) readMessages(ctx context.Context) ([]redis.XStream, error) {
	if len(c.streams) == 0 {
		return nil, nil
	}
	// Stream order is priority order: send drains before sync, sync:high
	// before sync.
	args := make([]string, len(c.streams)*2)
	for i, stream := range c.streams {
		args[i] = stream
		args[len(c.streams)+i] = ">"
	}
	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  args,
		Count:    int64(c.batchSize),
		Block:    c.blockDuration,
	}).Result()
}

func (c *Consumer) processMessage(ctx context.Context, stream string, msg redis.XMessage, retryCount int) error {
	data, ok := msg.Values["data"]
	if !ok {
		return fmt.Errorf("invalid message format: missing data field")
	}
	dataStr, ok := data.(string)
	if !ok {
		return fmt.Errorf("invalid message format: data is not a string")
	}

	var job domain.SyncJob
	if err := json.Unmarshal([]byte(dataStr), &job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	job.RetryCount = retryCount

	// Release the dedupe key before running so a fresh change arriving while
	// this job executes can enqueue a follow-up.
	if job.ID != "" {
		c.client.Del(ctx, dedupePrefix+job.ID)
	}
	return c.handler.Handle(ctx, &job)
}

// moveToDeadLetterQueue copies the exhausted message to dlq:{stream} with
// failure metadata before it gets acked away.
func (c *Consumer) moveToDeadLetterQueue(ctx context.Context, stream string, msgID string) error {
	messages, err := c.client.XRange(ctx, stream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("read message for DLQ: %w", err)
	}
	if len(messages) == 0 {
		return fmt.Errorf("message %s not found in stream %s", msgID, stream)
	}

	msg := messages[0]
	dlqData := map[string]interface{}{
		"original_stream": stream,
		"original_id":     msgID,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.consumer,
		"group":           c.group,
	}
	for k, v := range msg.Values {
		dlqData["original_"+k] = v
	}

	_, err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "dlq:" + stream,
		Values: dlqData,
	}).Result()
	if err != nil {
		return fmt.Errorf("add message to DLQ: %w", err)
	}
	c.log.Info("[Consumer.moveToDeadLetterQueue] moved: stream=%s id=%s", stream, msgID)
	return nil
}
