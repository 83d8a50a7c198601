package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailworker/core/domain"
)

// ReapedState - 유지보수가 회수한 stale claim 한 건
type ReapedState struct {
	IncomingConnectorID int64
	Mailbox             string
	UserID              uuid.UUID
}

// SyncStateRepository - (connector, mailbox) 동기화 상태 + claim lease 저장소
type SyncStateRepository interface {
	// Get returns the row or a not-found error.
	Get(ctx context.Context, connectorID int64, mailbox string) (*domain.SyncState, error)

	// EnsureExists inserts an idle row when none is present.
	EnsureExists(ctx context.Context, connectorID int64, mailbox string) error

	// TryClaim is the single-statement compare-and-set lease: it flips the
	// row to syncing only when no live claim exists (status not syncing, or
	// heartbeat older than heartbeatStale, or claim older than claimStale).
	// Returns true iff the row was updated.
	TryClaim(ctx context.Context, connectorID int64, mailbox string, progress domain.SyncProgress, lastSeenUID, highestUID uint32) (bool, error)

	// Touch refreshes updated_at only (heartbeat while syncing).
	Touch(ctx context.Context, connectorID int64, mailbox string) error

	// SetState writes only the fields carried by the patch.
	SetState(ctx context.Context, connectorID int64, mailbox string, patch domain.SyncStatePatch) error

	// GetStatus - 취소 체크용 경량 조회
	GetStatus(ctx context.Context, connectorID int64, mailbox string) (domain.SyncStatus, error)

	// HasHealthyClaim reports whether a syncing claim is inside both stale
	// windows (used by the enqueue guard).
	HasHealthyClaim(ctx context.Context, connectorID int64, mailbox string) (bool, error)

	// ReapStale marks syncing/queued/cancel_requested rows older than
	// claimStale as error in one UPDATE and returns them for event emission.
	ReapStale(ctx context.Context, claimStale time.Duration) ([]ReapedState, error)

	DeleteByConnector(ctx context.Context, connectorID int64) error
}
