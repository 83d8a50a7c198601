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
// OAuthStateAdapter - authorize state, 콜백에서 single-shot 소비
// =============================================================================

type OAuthStateAdapter struct {
	db *sqlx.DB
}

func NewOAuthStateAdapter(db *sqlx.DB) *OAuthStateAdapter {
	return &OAuthStateAdapter{db: db}
}

type oauthStateEntity struct {
	State            uuid.UUID     `db:"state"`
	UserID           uuid.UUID     `db:"user_id"`
	ConnectorType    string        `db:"connector_type"`
	ConnectorID      sql.NullInt64 `db:"connector_id"`
	ConnectorPayload []byte        `db:"connector_payload"`
	ExpiresAt        time.Time     `db:"expires_at"`
	CreatedAt        time.Time     `db:"created_at"`
}

func (e *oauthStateEntity) toDomain() *domain.OAuthState {
	state := &domain.OAuthState{
		State:            e.State,
		UserID:           e.UserID,
		ConnectorType:    domain.OAuthConnectorType(e.ConnectorType),
		ConnectorPayload: e.ConnectorPayload,
		ExpiresAt:        e.ExpiresAt,
		CreatedAt:        e.CreatedAt,
	}
	if e.ConnectorID.Valid {
		v := e.ConnectorID.Int64
		state.ConnectorID = &v
	}
	return state
}

func (a *OAuthStateAdapter) Create(ctx context.Context, state *domain.OAuthState) error {
	query := `
		INSERT INTO oauth_states (state, user_id, connector_type, connector_id, connector_payload, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	var payload interface{}
	if len(state.ConnectorPayload) > 0 {
		payload = []byte(state.ConnectorPayload)
	}
	return a.db.QueryRowContext(ctx, query,
		state.State, state.UserID, string(state.ConnectorType), state.ConnectorID, payload, state.ExpiresAt,
	).Scan(&state.CreatedAt)
}

// ClaimState deletes and returns the row atomically so a replayed callback
// can never reuse the state. Any storage error fails closed.
func (a *OAuthStateAdapter) ClaimState(ctx context.Context, state uuid.UUID) (*domain.OAuthState, error) {
	var entity oauthStateEntity
	query := `DELETE FROM oauth_states WHERE state = $1 RETURNING *`
	if err := a.db.GetContext(ctx, &entity, query, state); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain(), nil
}
