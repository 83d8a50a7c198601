package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailworker/core/domain"
)

// ConnectorRepository - 수신/발신 커넥터 및 identity 저장소
type ConnectorRepository interface {
	// ==========================================================================
	// Incoming
	// ==========================================================================
	GetIncoming(ctx context.Context, id int64) (*domain.IncomingConnector, error)
	GetIncomingOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.IncomingConnector, error)
	ListActiveIncoming(ctx context.Context) ([]*domain.IncomingConnector, error)
	// ListIncomingGmailByAddress resolves push webhook notifications, which
	// only carry the account email address.
	ListIncomingGmailByAddress(ctx context.Context, emailAddress string) ([]*domain.IncomingConnector, error)
	CreateIncoming(ctx context.Context, c *domain.IncomingConnector) error
	UpdateIncomingSyncSettings(ctx context.Context, id int64, s domain.SyncSettings) error

	// DeleteIncoming removes the connector and all dependent rows (oauth
	// states, idempotency, messages, sync states) in one transaction.
	DeleteIncoming(ctx context.Context, id int64) error

	// ==========================================================================
	// Outgoing & Identity
	// ==========================================================================
	GetOutgoing(ctx context.Context, id int64) (*domain.OutgoingConnector, error)
	CreateOutgoing(ctx context.Context, c *domain.OutgoingConnector) error
	GetIdentityOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.Identity, error)

	// ==========================================================================
	// OAuth token 필드 부분 업데이트
	// ==========================================================================
	// UpdateAuthTokens persists token fields only. nil accessToken clears the
	// stored token (revocation on invalid_grant).
	UpdateAuthTokens(ctx context.Context, kind domain.OAuthConnectorType, connectorID int64, accessToken *string, refreshToken *string, expiresAt *time.Time) error
}

// OAuthStateRepository - authorize state 저장소. 콜백은 single-shot 소비.
type OAuthStateRepository interface {
	Create(ctx context.Context, state *domain.OAuthState) error

	// ClaimState deletes and returns the row in one statement
	// (DELETE .. RETURNING). Storage errors fail closed.
	ClaimState(ctx context.Context, state uuid.UUID) (*domain.OAuthState, error)
}

// PushSubscriptionRepository - 브라우저 푸시 구독 저장소
type PushSubscriptionRepository interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.PushSubscription, error)
	Create(ctx context.Context, sub *domain.PushSubscription) error
	DeleteByEndpoint(ctx context.Context, userID uuid.UUID, endpoint string) error
}
