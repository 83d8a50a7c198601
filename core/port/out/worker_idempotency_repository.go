package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailworker/core/domain"
)

// SendIdempotencyRepository - 발송 idempotency 원장
type SendIdempotencyRepository interface {
	// GetOrCreate inserts a pending row with a 24h TTL
	// (INSERT .. ON CONFLICT DO NOTHING) and returns the surviving row plus
	// whether this call created it.
	GetOrCreate(ctx context.Context, row *domain.SendIdempotency) (*domain.SendIdempotency, bool, error)

	// Claim flips pending/failed (or stale processing older than
	// staleAfter) to processing in a single guarded UPDATE, incrementing
	// attempts. Returns the row and whether the claim succeeded.
	Claim(ctx context.Context, userID uuid.UUID, key string, identityID int64, staleAfter time.Duration) (*domain.SendIdempotency, bool, error)

	FinalizeSuccess(ctx context.Context, userID uuid.UUID, key string, result *domain.SendResult) error
	FinalizeFailure(ctx context.Context, userID uuid.UUID, key string, message string) error

	// ListOutbox - pending/processing/failed 행을 updated_at DESC로
	ListOutbox(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.SendIdempotency, error)
}
