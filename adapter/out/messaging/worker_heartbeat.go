package messaging

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"mailworker/pkg/logger"
)

// =============================================================================
// HeartbeatKeeper - 워커 생존 신호
// =============================================================================

// HeartbeatKeeper refreshes the shared liveness key the producer checks
// before enqueueing sync jobs. The key expires when every worker is gone,
// so syncs stop piling into a queue nobody drains.
type HeartbeatKeeper struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

func NewHeartbeatKeeper(client *redis.Client, ttl time.Duration) *HeartbeatKeeper {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &HeartbeatKeeper{
		client: client,
		ttl:    ttl,
		log:    logger.WithField("component", "worker_heartbeat"),
	}
}

func (k *HeartbeatKeeper) Run(ctx context.Context) {
	interval := k.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.beat(ctx)
		}
	}
}

func (k *HeartbeatKeeper) beat(ctx context.Context) {
	if err := k.client.Set(ctx, workerAliveKey, time.Now().UTC().Format(time.RFC3339), k.ttl).Err(); err != nil {
		k.log.WithError(err).Warn("[HeartbeatKeeper.beat] refresh failed")
	}
}
