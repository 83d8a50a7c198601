package out

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"mailworker/core/domain"
)

// JobQueue - 모든 비동기 작업의 enqueue 계약.
// 결정적 job key로 중복 발행을 막고, 살아있는 워커가 없으면 sync를
// 발행하지 않는다.
type JobQueue interface {
	// EnqueueSyncWithOptions returns false without enqueueing when a healthy
	// claim is already running or no worker heartbeat exists in the last 30s.
	// Job key: sync:{connectorId}:{mailbox}, mode preserve_run_at.
	EnqueueSyncWithOptions(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string, opts domain.SyncJobOptions) (bool, error)

	// EnqueueSend - key send:{userId}:{idempotencyKey}, unsafe_dedupe, 우선순위 최상
	EnqueueSend(ctx context.Context, userID uuid.UUID, payload domain.SendJobPayload) error

	// EnqueueAttachmentScan - key scan:{messageId}:{attachmentId}, unsafe_dedupe
	EnqueueAttachmentScan(ctx context.Context, userID uuid.UUID, messageID, attachmentID int64) error

	// EnqueueRulesReplay - key rules:{userId}:{connectorId}:{ruleId|*}
	EnqueueRulesReplay(ctx context.Context, userID uuid.UUID, connectorID int64, payload domain.RulesReplayPayload) error

	// EnqueueGmailHydration - key gmail-hydrate:{connectorId}:{mailbox}
	EnqueueGmailHydration(ctx context.Context, userID uuid.UUID, connectorID int64, mailbox string) error
}

// RulesEngine - 규칙 재생을 넘겨받는 외부 협력자
type RulesEngine interface {
	ReplayRules(ctx context.Context, userID uuid.UUID, connectorID int64, payload json.RawMessage) error
}
