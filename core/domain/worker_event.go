package domain

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// =============================================================================
// SyncEvent - 사용자별 단조 증가 이벤트 스트림 (append-only)
// =============================================================================

type SyncEventType string

const (
	EventMessageSynced       SyncEventType = "message_synced"
	EventMessageUpdated      SyncEventType = "message_updated"
	EventSyncCompleted       SyncEventType = "sync_completed"
	EventSyncCancelled       SyncEventType = "sync_cancelled"
	EventSyncCancelRequested SyncEventType = "sync_cancel_requested"
	EventSyncError           SyncEventType = "sync_error"
	EventSyncInfo            SyncEventType = "sync_info"
	EventMessageParsed       SyncEventType = "message_parsed"
)

// browserPushEventTypes - 브라우저 푸시로 팬아웃되는 타입 집합.
// message_parsed 등 내부 전용 이벤트는 제외.
var browserPushEventTypes = map[SyncEventType]bool{
	EventMessageSynced: true,
	EventSyncCompleted: true,
	EventSyncError:     true,
}

// IsBrowserPushable reports whether this event type fans out to push subscribers.
func (t SyncEventType) IsBrowserPushable() bool {
	return browserPushEventTypes[t]
}

type SyncEvent struct {
	ID                  int64           `json:"id"` // DB sequence - per-user 단조 증가
	UserID              uuid.UUID       `json:"user_id"`
	IncomingConnectorID int64           `json:"incoming_connector_id"`
	Type                SyncEventType   `json:"type"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// EventSignal - 리스너/웨이터 간에 오가는 NOTIFY 신호
type EventSignal struct {
	UserID  uuid.UUID `json:"userId"`
	EventID int64     `json:"eventId"`
}

// =============================================================================
// PushSubscription - 브라우저 푸시 구독 (endpoint는 https 전용, 유니크)
// =============================================================================

type PushSubscription struct {
	ID        int64     `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256DH    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent *string   `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
