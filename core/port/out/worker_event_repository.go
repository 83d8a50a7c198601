package out

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"mailworker/core/domain"
)

// SyncEventRepository - append-only 이벤트 저장소
type SyncEventRepository interface {
	// Insert stores the event, resolves the owning user from the connector,
	// fires NOTIFY on the shared channel and returns the new row.
	Insert(ctx context.Context, connectorID int64, eventType domain.SyncEventType, payload json.RawMessage) (*domain.SyncEvent, error)

	// List returns rows with id > since ordered ascending. since and limit
	// are already clamped by the caller.
	List(ctx context.Context, userID uuid.UUID, since int64, limit int) ([]*domain.SyncEvent, error)

	// DeleteBatchBefore deletes at most batchSize rows older than cutoff and
	// returns how many went away (DELETE .. RETURNING id).
	DeleteBatchBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}

// EventListener - 프로세스당 하나 띄우는 공유 LISTEN 루프
type EventListener interface {
	// Listen blocks delivering signals to handle until ctx ends. On
	// connection drop it invokes onDrop, backs off and reconnects.
	Listen(ctx context.Context, handle func(domain.EventSignal), onDrop func()) error
}

// BrowserPushSender - 웹푸시 팬아웃 (외부 협력자, best-effort)
type BrowserPushSender interface {
	Send(ctx context.Context, sub *domain.PushSubscription, event *domain.SyncEvent) error
}
