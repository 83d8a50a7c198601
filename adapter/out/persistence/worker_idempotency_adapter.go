package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailworker/core/domain"
)

// =============================================================================
// SendIdempotencyAdapter - 발송 idempotency 원장
// =============================================================================

type SendIdempotencyAdapter struct {
	db *sqlx.DB
}

func NewSendIdempotencyAdapter(db *sqlx.DB) *SendIdempotencyAdapter {
	return &SendIdempotencyAdapter{db: db}
}

type sendIdempotencyEntity struct {
	ID             int64          `db:"id"`
	UserID         uuid.UUID      `db:"user_id"`
	IdempotencyKey string         `db:"idempotency_key"`
	IdentityID     int64          `db:"identity_id"`
	RequestHash    string         `db:"request_hash"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	Result         []byte         `db:"result"`
	ErrorMessage   sql.NullString `db:"error_message"`
	ExpiresAt      time.Time      `db:"expires_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (e *sendIdempotencyEntity) toDomain() (*domain.SendIdempotency, error) {
	row := &domain.SendIdempotency{
		ID:             e.ID,
		UserID:         e.UserID,
		IdempotencyKey: e.IdempotencyKey,
		IdentityID:     e.IdentityID,
		RequestHash:    e.RequestHash,
		Status:         domain.SendStatus(e.Status),
		Attempts:       e.Attempts,
		ExpiresAt:      e.ExpiresAt,
		UpdatedAt:      e.UpdatedAt,
		CreatedAt:      e.CreatedAt,
	}
	if len(e.Result) > 0 {
		var result domain.SendResult
		if err := json.Unmarshal(e.Result, &result); err != nil {
			return nil, err
		}
		row.Result = &result
	}
	if e.ErrorMessage.Valid {
		row.ErrorMessage = &e.ErrorMessage.String
	}
	return row, nil
}

// GetOrCreate inserts the pending row, losing gracefully to a concurrent
// insert, then reads back whichever row survived.
func (a *SendIdempotencyAdapter) GetOrCreate(ctx context.Context, row *domain.SendIdempotency) (*domain.SendIdempotency, bool, error) {
	insert := `
		INSERT INTO send_idempotency (user_id, idempotency_key, identity_id, request_hash, status, expires_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
	`
	res, err := a.db.ExecContext(ctx, insert,
		row.UserID, row.IdempotencyKey, row.IdentityID, row.RequestHash, row.ExpiresAt,
	)
	if err != nil {
		return nil, false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	var entity sendIdempotencyEntity
	query := `SELECT * FROM send_idempotency WHERE user_id = $1 AND idempotency_key = $2`
	if err := a.db.GetContext(ctx, &entity, query, row.UserID, row.IdempotencyKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, ErrNotFound
		}
		return nil, false, err
	}
	stored, err := entity.toDomain()
	if err != nil {
		return nil, false, err
	}
	return stored, inserted == 1, nil
}

// Claim takes the row for delivery in one guarded UPDATE: pending and failed
// rows are claimable until the ledger row expires, a processing row only once
// its claim went stale.
func (a *SendIdempotencyAdapter) Claim(ctx context.Context, userID uuid.UUID, key string, identityID int64, staleAfter time.Duration) (*domain.SendIdempotency, bool, error) {
	query := `
		UPDATE send_idempotency SET
			status = 'processing',
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE user_id = $1 AND idempotency_key = $2 AND identity_id = $3
		  AND expires_at > NOW()
		  AND (
			status IN ('pending', 'failed')
			OR (status = 'processing' AND updated_at < NOW() - make_interval(secs => $4))
		  )
		RETURNING *
	`
	var entity sendIdempotencyEntity
	err := a.db.GetContext(ctx, &entity, query, userID, key, identityID, staleAfter.Seconds())
	if err == nil {
		row, derr := entity.toDomain()
		if derr != nil {
			return nil, false, derr
		}
		return row, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	// Claim lost - return the current row so the caller can branch on status.
	read := `SELECT * FROM send_idempotency WHERE user_id = $1 AND idempotency_key = $2`
	if err := a.db.GetContext(ctx, &entity, read, userID, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, ErrNotFound
		}
		return nil, false, err
	}
	row, err := entity.toDomain()
	if err != nil {
		return nil, false, err
	}
	return row, false, nil
}

func (a *SendIdempotencyAdapter) FinalizeSuccess(ctx context.Context, userID uuid.UUID, key string, result *domain.SendResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	query := `
		UPDATE send_idempotency SET
			status = 'succeeded', result = $3, error_message = NULL, updated_at = NOW()
		WHERE user_id = $1 AND idempotency_key = $2
	`
	_, err = a.db.ExecContext(ctx, query, userID, key, raw)
	return err
}

func (a *SendIdempotencyAdapter) FinalizeFailure(ctx context.Context, userID uuid.UUID, key string, message string) error {
	query := `
		UPDATE send_idempotency SET
			status = 'failed', error_message = $3, updated_at = NOW()
		WHERE user_id = $1 AND idempotency_key = $2
	`
	_, err := a.db.ExecContext(ctx, query, userID, key, message)
	return err
}

func (a *SendIdempotencyAdapter) ListOutbox(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.SendIdempotency, error) {
	var entities []sendIdempotencyEntity
	query := `
		SELECT * FROM send_idempotency
		WHERE user_id = $1 AND status IN ('pending', 'processing', 'failed')
		ORDER BY updated_at DESC
		LIMIT $2
	`
	if err := a.db.SelectContext(ctx, &entities, query, userID, limit); err != nil {
		return nil, err
	}
	rows := make([]*domain.SendIdempotency, 0, len(entities))
	for i := range entities {
		row, err := entities[i].toDomain()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
