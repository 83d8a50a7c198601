package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailworker/core/domain"
)

// =============================================================================
// PushSubscriptionAdapter - 브라우저 푸시 구독
// =============================================================================

type PushSubscriptionAdapter struct {
	db *sqlx.DB
}

func NewPushSubscriptionAdapter(db *sqlx.DB) *PushSubscriptionAdapter {
	return &PushSubscriptionAdapter{db: db}
}

type pushSubscriptionEntity struct {
	ID        int64          `db:"id"`
	UserID    uuid.UUID      `db:"user_id"`
	Endpoint  string         `db:"endpoint"`
	P256DH    string         `db:"p256dh"`
	Auth      string         `db:"auth"`
	UserAgent sql.NullString `db:"user_agent"`
	CreatedAt time.Time      `db:"created_at"`
}

func (e *pushSubscriptionEntity) toDomain() *domain.PushSubscription {
	sub := &domain.PushSubscription{
		ID:        e.ID,
		UserID:    e.UserID,
		Endpoint:  e.Endpoint,
		P256DH:    e.P256DH,
		Auth:      e.Auth,
		CreatedAt: e.CreatedAt,
	}
	if e.UserAgent.Valid {
		sub.UserAgent = &e.UserAgent.String
	}
	return sub
}

func (a *PushSubscriptionAdapter) ListByUser(ctx context.Context, userID uuid.UUID) ([]*domain.PushSubscription, error) {
	var entities []pushSubscriptionEntity
	query := `SELECT * FROM push_subscriptions WHERE user_id = $1 ORDER BY created_at`
	if err := a.db.SelectContext(ctx, &entities, query, userID); err != nil {
		return nil, err
	}
	subs := make([]*domain.PushSubscription, len(entities))
	for i := range entities {
		subs[i] = entities[i].toDomain()
	}
	return subs, nil
}

// Create upserts on endpoint: a browser re-registering its subscription
// refreshes the keys instead of duplicating the row.
func (a *PushSubscriptionAdapter) Create(ctx context.Context, sub *domain.PushSubscription) error {
	query := `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, endpoint) DO UPDATE SET
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			user_agent = EXCLUDED.user_agent
		RETURNING id, created_at
	`
	var agent interface{}
	if sub.UserAgent != nil {
		agent = *sub.UserAgent
	}
	return a.db.QueryRowContext(ctx, query,
		sub.UserID, sub.Endpoint, sub.P256DH, sub.Auth, agent,
	).Scan(&sub.ID, &sub.CreatedAt)
}

func (a *PushSubscriptionAdapter) DeleteByEndpoint(ctx context.Context, userID uuid.UUID, endpoint string) error {
	query := `DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`
	_, err := a.db.ExecContext(ctx, query, userID, endpoint)
	return err
}
