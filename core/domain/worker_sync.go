package domain

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// =============================================================================
// Sync Status - (connector, mailbox) 단위 동기화 상태 머신
// =============================================================================

type SyncStatus string

const (
	SyncStatusIdle            SyncStatus = "idle"
	SyncStatusQueued          SyncStatus = "queued"
	SyncStatusSyncing         SyncStatus = "syncing"
	SyncStatusCancelRequested SyncStatus = "cancel_requested" // 외부에서 취소 요청
	SyncStatusCancelled       SyncStatus = "cancelled"
	SyncStatusCompleted       SyncStatus = "completed"
	SyncStatusError           SyncStatus = "error"
)

// SyncProgress - 한 번의 동기화에서 누적되는 카운터
type SyncProgress struct {
	Inserted          int `json:"inserted"`
	Updated           int `json:"updated"`
	ReconciledRemoved int `json:"reconciled_removed"`
	MetadataRefreshed int `json:"metadata_refreshed"`
}

// =============================================================================
// SyncState - claim/heartbeat lease를 포함한 메일함 동기화 상태
// =============================================================================

type SyncState struct {
	IncomingConnectorID int64        `json:"incoming_connector_id"`
	Mailbox             string       `json:"mailbox"`
	Status              SyncStatus   `json:"status"`
	UIDValidity         *uint32      `json:"uid_validity,omitempty"`
	LastSeenUID         uint32       `json:"last_seen_uid"`
	HighestUID          uint32       `json:"highest_uid"`
	Modseq              *uint64      `json:"modseq,omitempty"` // IMAP HIGHESTMODSEQ 또는 Gmail historyId
	LastFullReconcileAt *time.Time   `json:"last_full_reconcile_at,omitempty"`
	SyncStartedAt       *time.Time   `json:"sync_started_at,omitempty"`
	SyncCompletedAt     *time.Time   `json:"sync_completed_at,omitempty"`
	SyncError           *string      `json:"sync_error,omitempty"`
	Progress            SyncProgress `json:"sync_progress"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// SyncStatePatch - setSyncState로 쓰는 부분 업데이트. nil 필드는 건드리지 않는다.
type SyncStatePatch struct {
	Status              *SyncStatus
	UIDValidity         *uint32
	LastSeenUID         *uint32
	HighestUID          *uint32
	Modseq              *uint64
	ClearModseq         bool
	LastFullReconcileAt *time.Time
	ClearFullReconcile  bool
	SyncCompletedAt     *time.Time
	SyncError           *string
	ClearSyncError      bool
	Progress            *SyncProgress
}

// =============================================================================
// SyncOutcome - 드라이버 결과 (예외 대신 명시적 합 타입)
// =============================================================================

type SyncOutcomeKind string

const (
	SyncOutcomeCompleted      SyncOutcomeKind = "completed"
	SyncOutcomeCancelled      SyncOutcomeKind = "cancelled"
	SyncOutcomeAlreadyRunning SyncOutcomeKind = "already_running"
	SyncOutcomeTransient      SyncOutcomeKind = "transient"
	SyncOutcomeFatal          SyncOutcomeKind = "fatal"
)

type SyncOutcome struct {
	Kind     SyncOutcomeKind
	Progress SyncProgress
	Err      error
}

func SyncCompleted(p SyncProgress) SyncOutcome {
	return SyncOutcome{Kind: SyncOutcomeCompleted, Progress: p}
}

func SyncCancelled(p SyncProgress) SyncOutcome {
	return SyncOutcome{Kind: SyncOutcomeCancelled, Progress: p}
}

func SyncAlreadyRunning(p SyncProgress) SyncOutcome {
	return SyncOutcome{Kind: SyncOutcomeAlreadyRunning, Progress: p}
}

func SyncTransient(err error) SyncOutcome {
	return SyncOutcome{Kind: SyncOutcomeTransient, Err: err}
}

func SyncFatal(err error) SyncOutcome {
	return SyncOutcome{Kind: SyncOutcomeFatal, Err: err}
}

func (o SyncOutcome) Failed() bool {
	return o.Kind == SyncOutcomeTransient || o.Kind == SyncOutcomeFatal
}

// =============================================================================
// SyncJob - Redis Stream에 발행되는 작업
// =============================================================================

type JobType string

const (
	JobMailSync       JobType = "mail.sync"
	JobGmailHydrate   JobType = "mail.hydrate"
	JobMailSend       JobType = "mail.send"
	JobAttachmentScan JobType = "attachment.scan"
	JobRulesReplay    JobType = "rules.replay"
)

type SyncJob struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	UserID      uuid.UUID       `json:"user_id"`
	ConnectorID int64           `json:"connector_id,omitempty"`
	Mailbox     string          `json:"mailbox,omitempty"`
	Priority    JobPriority     `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SendJobPayload - mail.send 작업 본문
type SendJobPayload struct {
	IdentityID     int64       `json:"identity_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	Request        SendRequest `json:"request"`
}

// ScanJobPayload - attachment.scan 작업 본문
type ScanJobPayload struct {
	MessageID    int64 `json:"message_id"`
	AttachmentID int64 `json:"attachment_id"`
}

// RulesReplayPayload - rules.replay 작업 본문 (외부 규칙 엔진으로 전달)
type RulesReplayPayload struct {
	RuleID *int64 `json:"rule_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// SyncJobOptions - 잡 우선순위와 push webhook이 전달하는 historyId 힌트
type SyncJobOptions struct {
	Priority           JobPriority `json:"priority,omitempty"`
	GmailHistoryIDHint uint64      `json:"gmail_history_id_hint,omitempty"`
}
