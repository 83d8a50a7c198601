// Package messaging provides the Redis Streams job queue.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/logger"
)

// Stream names. The consumer lists them in priority order: send first,
// then high-priority sync, then the rest.
const (
	StreamSend     = "mail:send"
	StreamSyncHigh = "mail:sync:high"
	StreamSync     = "mail:sync"
	StreamHydrate  = "mail:hydrate"
	StreamScan     = "mail:scan"
	StreamRules    = "mail:rules"
)

// AllStreams - consumer가 구독하는 전체 스트림, 우선순위 순
var AllStreams = []string{StreamSend, StreamSyncHigh, StreamSync, StreamHydrate, StreamScan, StreamRules}

// ConsumerGroup - producer와 consumer가 공유하는 Redis consumer group 이름
const ConsumerGroup = "mailworker"

const (
	dedupePrefix = "job:dedupe:"
	dedupeTTL    = 10 * time.Minute

	workerAliveKey = "workers:alive"

	// How recently a pending entry must have been delivered for it to count
	// as proof of a live worker when the heartbeat key is unreadable.
	recentDeliveryWindow = 30 * time.Second
)

// =============================================================================
// JobProducer - out.JobQueue 구현
// =============================================================================

type JobProducer struct {
	client *redis.Client
	states out.SyncStateRepository
	log    *logger.Logger
}

func NewJobProducer(client *redis.Client, states out.SyncStateRepository) *JobProducer {
	return &JobProducer{
		client: client,
		states: states,
		log:    logger.WithField("component", "job_producer"),
	}
}

// EnqueueSyncWithOptions refuses to stack work: no job goes out while a
// healthy claim runs the mailbox or while no worker heartbeat is alive.
func (p *JobProducer) EnqueueSyncWithOptions(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string, opts domain.SyncJobOptions) (bool, error) {
	healthy, err := p.states.HasHealthyClaim(ctx, connectorID, mailbox)
	if err != nil {
		return false, err
	}
	if healthy {
		return false, nil
	}

	alive, err := p.client.Exists(ctx, workerAliveKey).Result()
	if err != nil {
		// Heartbeat key unreadable - fall back to recent pending deliveries
		// as evidence a worker is processing.
		p.log.WithError(err).Warn("[JobProducer.EnqueueSyncWithOptions] heartbeat check failed, falling back to pending entries")
		if p.hasRecentPendingDelivery(ctx) {
			alive = 1
		}
	}
	if alive == 0 {
		p.log.Warn("[JobProducer.EnqueueSyncWithOptions] no live worker, skipping: connector=%d mailbox=%s", connectorID, mailbox)
		return false, nil
	}

	stream := StreamSync
	if opts.Priority == domain.JobPriorityHigh {
		stream = StreamSyncHigh
	}
	payload, err := json.Marshal(opts)
	if err != nil {
		return false, err
	}
	job := &domain.SyncJob{
		ID:          fmt.Sprintf("sync:%d:%s", connectorID, mailbox),
		Type:        domain.JobMailSync,
		UserID:      userID,
		ConnectorID: connectorID,
		Mailbox:     mailbox,
		Priority:    opts.Priority,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	published, err := p.publishDeduped(ctx, stream, job)
	if err != nil {
		return false, err
	}
	if published {
		if err := p.states.EnsureExists(ctx, connectorID, mailbox); err != nil {
			p.log.WithError(err).Warn("[JobProducer.EnqueueSyncWithOptions] state ensure failed: connector=%d", connectorID)
		} else {
			queued := domain.SyncStatusQueued
			if err := p.states.SetState(ctx, connectorID, mailbox, domain.SyncStatePatch{Status: &queued}); err != nil {
				p.log.WithError(err).Warn("[JobProducer.EnqueueSyncWithOptions] queued mark failed: connector=%d", connectorID)
			}
		}
	}
	return published, nil
}

// hasRecentPendingDelivery reports whether any stream has a pending entry
// delivered inside the recent window. XPENDING Idle is time since the last
// delivery, so a small Idle means a consumer read the entry moments ago.
func (p *JobProducer) hasRecentPendingDelivery(ctx context.Context) bool {
	for _, stream := range AllStreams {
		pending, err := p.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  ConsumerGroup,
			Start:  "-",
			End:    "+",
			Count:  10,
		}).Result()
		if err != nil {
			continue
		}
		if anyRecentDelivery(pending, recentDeliveryWindow) {
			return true
		}
	}
	return false
}

// anyRecentDelivery - XPENDING Idle은 마지막 전달 이후 경과 시간
func anyRecentDelivery(entries []redis.XPendingExt, window time.Duration) bool {
	for _, entry := range entries {
		if entry.Idle <= window {
			return true
		}
	}
	return false
}

func (p *JobProducer) EnqueueSend(ctx context.Context, userID uuid.UUID, payload domain.SendJobPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	job := &domain.SyncJob{
		ID:        fmt.Sprintf("send:%s:%s", userID, payload.IdempotencyKey),
		Type:      domain.JobMailSend,
		UserID:    userID,
		Priority:  domain.JobPriorityHigh,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	_, err = p.publishDeduped(ctx, StreamSend, job)
	return err
}

func (p *JobProducer) EnqueueAttachmentScan(ctx context.Context, userID uuid.UUID, messageID, attachmentID int64) error {
	raw, err := json.Marshal(domain.ScanJobPayload{MessageID: messageID, AttachmentID: attachmentID})
	if err != nil {
		return err
	}
	job := &domain.SyncJob{
		ID:        fmt.Sprintf("scan:%d:%d", messageID, attachmentID),
		Type:      domain.JobAttachmentScan,
		UserID:    userID,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	_, err = p.publishDeduped(ctx, StreamScan, job)
	return err
}

func (p *JobProducer) EnqueueRulesReplay(ctx context.Context, userID uuid.UUID, connectorID int64, payload domain.RulesReplayPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ruleKey := "*"
	if payload.RuleID != nil {
		ruleKey = fmt.Sprintf("%d", *payload.RuleID)
	}
	job := &domain.SyncJob{
		ID:          fmt.Sprintf("rules:%s:%d:%s", userID, connectorID, ruleKey),
		Type:        domain.JobRulesReplay,
		UserID:      userID,
		ConnectorID: connectorID,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = p.publishDeduped(ctx, StreamRules, job)
	return err
}

func (p *JobProducer) EnqueueGmailHydration(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string) error {
	job := &domain.SyncJob{
		ID:          fmt.Sprintf("gmail-hydrate:%d:%s", connectorID, mailbox),
		Type:        domain.JobGmailHydrate,
		UserID:      userID,
		ConnectorID: connectorID,
		Mailbox:     mailbox,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := p.publishDeduped(ctx, StreamHydrate, job)
	return err
}

// publishDeduped guards the XADD with SET NX on the job key. A duplicate
// enqueue inside the dedupe window is a silent no-op; the consumer releases
// the key when it picks the job up, so completed work can be re-requested.
func (p *JobProducer) publishDeduped(ctx context.Context, stream string, job *domain.SyncJob) (bool, error) {
	acquired, err := p.client.SetNX(ctx, dedupePrefix+job.ID, "1", dedupeTTL).Result()
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		// Roll the dedupe key back so a retry is not locked out.
		p.client.Del(ctx, dedupePrefix+job.ID)
		return false, fmt.Errorf("publish to %s: %w", stream, err)
	}
	return true, nil
}

var _ out.JobQueue = (*JobProducer)(nil)
