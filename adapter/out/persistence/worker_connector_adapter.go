package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mailworker/core/domain"
	"mailworker/pkg/crypto"
)

// =============================================================================
// ConnectorAdapter - 수신/발신 커넥터 + identity 저장소
// =============================================================================

type ConnectorAdapter struct {
	db *sqlx.DB
}

func NewConnectorAdapter(db *sqlx.DB) *ConnectorAdapter {
	return &ConnectorAdapter{db: db}
}

// =============================================================================
// Auth JSON - 토큰/비밀번호는 at-rest 암호화
// =============================================================================

type authRecord struct {
	Type           string     `json:"type"`
	Username       string     `json:"username,omitempty"`
	Password       string     `json:"password,omitempty"`
	ClientID       string     `json:"client_id,omitempty"`
	AccessToken    string     `json:"access_token,omitempty"`
	RefreshToken   string     `json:"refresh_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Scope          string     `json:"scope,omitempty"`
}

func encodeAuth(a domain.AuthConfig) ([]byte, error) {
	rec := authRecord{
		Type:           string(a.Type),
		Username:       a.Username,
		ClientID:       a.ClientID,
		TokenExpiresAt: a.TokenExpiresAt,
		Scope:          a.Scope,
	}
	var err error
	if a.Password != "" {
		if rec.Password, err = crypto.Encrypt(a.Password); err != nil {
			return nil, err
		}
	}
	if a.AccessToken != "" {
		if rec.AccessToken, err = crypto.EncryptToken(a.AccessToken); err != nil {
			return nil, err
		}
	}
	if a.RefreshToken != "" {
		if rec.RefreshToken, err = crypto.EncryptToken(a.RefreshToken); err != nil {
			return nil, err
		}
	}
	return json.Marshal(rec)
}

func decodeAuth(raw []byte) (domain.AuthConfig, error) {
	var rec authRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.AuthConfig{}, err
	}
	a := domain.AuthConfig{
		Type:           domain.AuthType(rec.Type),
		Username:       rec.Username,
		ClientID:       rec.ClientID,
		TokenExpiresAt: rec.TokenExpiresAt,
		Scope:          rec.Scope,
	}
	var err error
	if rec.Password != "" {
		if a.Password, err = crypto.Decrypt(rec.Password); err != nil {
			return a, err
		}
	}
	if rec.AccessToken != "" {
		if a.AccessToken, err = crypto.DecryptToken(rec.AccessToken); err != nil {
			return a, err
		}
	}
	if rec.RefreshToken != "" {
		if a.RefreshToken, err = crypto.DecryptToken(rec.RefreshToken); err != nil {
			return a, err
		}
	}
	return a, nil
}

// =============================================================================
// Entities
// =============================================================================

type incomingConnectorEntity struct {
	ID           int64     `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	Provider     string    `db:"provider"`
	Host         sql.NullString `db:"host"`
	Port         sql.NullInt32  `db:"port"`
	TLS          string    `db:"tls"`
	EmailAddress string    `db:"email_address"`
	Auth         []byte    `db:"auth"`
	SyncSettings []byte    `db:"sync_settings"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (e *incomingConnectorEntity) toDomain() (*domain.IncomingConnector, error) {
	auth, err := decodeAuth(e.Auth)
	if err != nil {
		return nil, err
	}
	var settings domain.SyncSettings
	if len(e.SyncSettings) > 0 {
		if err := json.Unmarshal(e.SyncSettings, &settings); err != nil {
			return nil, err
		}
	}
	c := &domain.IncomingConnector{
		ID:           e.ID,
		UserID:       e.UserID,
		Provider:     domain.Provider(e.Provider),
		TLS:          domain.TLSMode(e.TLS),
		EmailAddress: e.EmailAddress,
		Auth:         auth,
		Sync:         settings,
		Status:       domain.ConnectorStatus(e.Status),
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
	if e.Host.Valid {
		c.Host = e.Host.String
	}
	if e.Port.Valid {
		c.Port = int(e.Port.Int32)
	}
	return c, nil
}

type outgoingConnectorEntity struct {
	ID          int64          `db:"id"`
	UserID      uuid.UUID      `db:"user_id"`
	Provider    string         `db:"provider"`
	Host        sql.NullString `db:"host"`
	Port        sql.NullInt32  `db:"port"`
	TLSMode     string         `db:"tls_mode"`
	FromAddress string         `db:"from_address"`
	Auth        []byte         `db:"auth"`
	SentCopy    []byte         `db:"sent_copy"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (e *outgoingConnectorEntity) toDomain() (*domain.OutgoingConnector, error) {
	auth, err := decodeAuth(e.Auth)
	if err != nil {
		return nil, err
	}
	var sentCopy domain.SentCopyBehavior
	if len(e.SentCopy) > 0 {
		if err := json.Unmarshal(e.SentCopy, &sentCopy); err != nil {
			return nil, err
		}
	}
	c := &domain.OutgoingConnector{
		ID:          e.ID,
		UserID:      e.UserID,
		Provider:    domain.Provider(e.Provider),
		TLSMode:     domain.TLSMode(e.TLSMode),
		FromAddress: e.FromAddress,
		Auth:        auth,
		SentCopy:    sentCopy,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.Host.Valid {
		c.Host = e.Host.String
	}
	if e.Port.Valid {
		c.Port = int(e.Port.Int32)
	}
	return c, nil
}

type identityEntity struct {
	ID                        int64          `db:"id"`
	UserID                    uuid.UUID      `db:"user_id"`
	DisplayName               string         `db:"display_name"`
	EmailAddress              string         `db:"email_address"`
	Signature                 sql.NullString `db:"signature"`
	ReplyTo                   sql.NullString `db:"reply_to"`
	OutgoingConnectorID       int64          `db:"outgoing_connector_id"`
	SentToIncomingConnectorID sql.NullInt64  `db:"sent_to_incoming_connector_id"`
	CreatedAt                 time.Time      `db:"created_at"`
	UpdatedAt                 time.Time      `db:"updated_at"`
}

func (e *identityEntity) toDomain() *domain.Identity {
	i := &domain.Identity{
		ID:                  e.ID,
		UserID:              e.UserID,
		DisplayName:         e.DisplayName,
		EmailAddress:        e.EmailAddress,
		OutgoingConnectorID: e.OutgoingConnectorID,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
	if e.Signature.Valid {
		i.Signature = &e.Signature.String
	}
	if e.ReplyTo.Valid {
		i.ReplyTo = &e.ReplyTo.String
	}
	if e.SentToIncomingConnectorID.Valid {
		v := e.SentToIncomingConnectorID.Int64
		i.SentToIncomingConnectorID = &v
	}
	return i
}

// =============================================================================
// Incoming
// =============================================================================

func (a *ConnectorAdapter) GetIncoming(ctx context.Context, id int64) (*domain.IncomingConnector, error) {
	var entity incomingConnectorEntity
	query := `SELECT * FROM incoming_connectors WHERE id = $1`
	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain()
}

func (a *ConnectorAdapter) GetIncomingOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.IncomingConnector, error) {
	var entity incomingConnectorEntity
	query := `SELECT * FROM incoming_connectors WHERE id = $1 AND user_id = $2`
	if err := a.db.GetContext(ctx, &entity, query, id, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain()
}

func (a *ConnectorAdapter) ListActiveIncoming(ctx context.Context) ([]*domain.IncomingConnector, error) {
	var entities []incomingConnectorEntity
	query := `SELECT * FROM incoming_connectors WHERE status = 'active' ORDER BY id`
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, err
	}
	conns := make([]*domain.IncomingConnector, 0, len(entities))
	for i := range entities {
		c, err := entities[i].toDomain()
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, nil
}

func (a *ConnectorAdapter) ListIncomingGmailByAddress(ctx context.Context, emailAddress string) ([]*domain.IncomingConnector, error) {
	var entities []incomingConnectorEntity
	query := `
		SELECT * FROM incoming_connectors
		WHERE provider = 'gmail' AND status = 'active' AND lower(email_address) = lower($1)
		ORDER BY id`
	if err := a.db.SelectContext(ctx, &entities, query, emailAddress); err != nil {
		return nil, err
	}
	conns := make([]*domain.IncomingConnector, 0, len(entities))
	for i := range entities {
		c, err := entities[i].toDomain()
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, nil
}

func (a *ConnectorAdapter) CreateIncoming(ctx context.Context, c *domain.IncomingConnector) error {
	auth, err := encodeAuth(c.Auth)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(c.Sync)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO incoming_connectors (
			user_id, provider, host, port, tls, email_address, auth, sync_settings, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	return a.db.QueryRowContext(ctx, query,
		c.UserID,
		string(c.Provider),
		toNullableString(c.Host),
		toNullableInt(c.Port),
		string(c.TLS),
		c.EmailAddress,
		auth,
		settings,
		string(c.Status),
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (a *ConnectorAdapter) UpdateIncomingSyncSettings(ctx context.Context, id int64, s domain.SyncSettings) error {
	settings, err := json.Marshal(s)
	if err != nil {
		return err
	}
	query := `UPDATE incoming_connectors SET sync_settings = $1, updated_at = NOW() WHERE id = $2`
	_, err = a.db.ExecContext(ctx, query, settings, id)
	return err
}

// DeleteIncoming removes the connector and every dependent row in one
// transaction so a failed delete never leaves orphans.
func (a *ConnectorAdapter) DeleteIncoming(ctx context.Context, id int64) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM attachments WHERE message_id IN (SELECT id FROM messages WHERE incoming_connector_id = $1)`,
		`DELETE FROM messages WHERE incoming_connector_id = $1`,
		`DELETE FROM sync_states WHERE incoming_connector_id = $1`,
		`DELETE FROM sync_events WHERE incoming_connector_id = $1`,
		`DELETE FROM oauth_states WHERE connector_type = 'incoming' AND connector_id = $1`,
		`DELETE FROM incoming_connectors WHERE id = $1`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// =============================================================================
// Outgoing & Identity
// =============================================================================

func (a *ConnectorAdapter) GetOutgoing(ctx context.Context, id int64) (*domain.OutgoingConnector, error) {
	var entity outgoingConnectorEntity
	query := `SELECT * FROM outgoing_connectors WHERE id = $1`
	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain()
}

func (a *ConnectorAdapter) CreateOutgoing(ctx context.Context, c *domain.OutgoingConnector) error {
	auth, err := encodeAuth(c.Auth)
	if err != nil {
		return err
	}
	sentCopy, err := json.Marshal(c.SentCopy)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO outgoing_connectors (
			user_id, provider, host, port, tls_mode, from_address, auth, sent_copy
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	return a.db.QueryRowContext(ctx, query,
		c.UserID,
		string(c.Provider),
		toNullableString(c.Host),
		toNullableInt(c.Port),
		string(c.TLSMode),
		c.FromAddress,
		auth,
		sentCopy,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (a *ConnectorAdapter) GetIdentityOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.Identity, error) {
	var entity identityEntity
	query := `SELECT * FROM identities WHERE id = $1 AND user_id = $2`
	if err := a.db.GetContext(ctx, &entity, query, id, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

// =============================================================================
// Token updates - auth JSON의 토큰 필드만 교체
// =============================================================================

// UpdateAuthTokens rewrites only the token fields under a row lock. A nil
// accessToken clears all token material (revocation path).
func (a *ConnectorAdapter) UpdateAuthTokens(ctx context.Context, kind domain.OAuthConnectorType, connectorID int64, accessToken *string, refreshToken *string, expiresAt *time.Time) error {
	table := "incoming_connectors"
	if kind == domain.OAuthConnectorOutgoing {
		table = "outgoing_connectors"
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw []byte
	if err := tx.QueryRowContext(ctx, `SELECT auth FROM `+table+` WHERE id = $1 FOR UPDATE`, connectorID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	var rec authRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}

	if accessToken == nil {
		rec.AccessToken = ""
		rec.RefreshToken = ""
		rec.TokenExpiresAt = nil
	} else {
		if rec.AccessToken, err = crypto.EncryptToken(*accessToken); err != nil {
			return err
		}
		if refreshToken != nil {
			if rec.RefreshToken, err = crypto.EncryptToken(*refreshToken); err != nil {
				return err
			}
		}
		rec.TokenExpiresAt = expiresAt
	}

	updated, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET auth = $1, updated_at = NOW() WHERE id = $2`, updated, connectorID); err != nil {
		return err
	}
	return tx.Commit()
}
