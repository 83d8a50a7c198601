package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AuthConfig - 커넥터 인증 설정 (password | oauth2)
// =============================================================================

type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// AuthConfig carries either password or OAuth2 credentials, discriminated by
// Type. Token fields are only meaningful for oauth2.
type AuthConfig struct {
	Type AuthType `json:"type"`

	// password
	Username string `json:"username,omitempty"`
	Password string `json:"-"`

	// oauth2
	ClientID       string     `json:"client_id,omitempty"`
	ClientSecret   string     `json:"-"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Scope          string     `json:"scope,omitempty"`
}

func (a AuthConfig) IsOAuth2() bool {
	return a.Type == AuthTypeOAuth2
}

// HasUsableAccessToken - access token이 있고 만료 전인지
func (a AuthConfig) HasUsableAccessToken(now time.Time) bool {
	if a.AccessToken == "" {
		return false
	}
	return a.TokenExpiresAt == nil || a.TokenExpiresAt.After(now)
}

// =============================================================================
// GmailPush - Pub/Sub watch 상태
// =============================================================================

type GmailPushStatus string

const (
	GmailPushStatusNone     GmailPushStatus = ""
	GmailPushStatusWatching GmailPushStatus = "watching"
	GmailPushStatusExpired  GmailPushStatus = "expired"
	GmailPushStatusError    GmailPushStatus = "error"
)

type GmailPush struct {
	Enabled         bool            `json:"enabled"`
	Status          GmailPushStatus `json:"status,omitempty"`
	HistoryID       uint64          `json:"history_id,omitempty"`
	Expiration      *time.Time      `json:"expiration,omitempty"`
	TopicName       string          `json:"topic_name,omitempty"`
	WebhookAudience string          `json:"webhook_audience,omitempty"`
}

// =============================================================================
// SyncSettings - 커넥터별 동기화 옵션
// =============================================================================

type SyncSettings struct {
	WatchMailboxes             []string  `json:"watch_mailboxes,omitempty"`
	UseIdle                    bool      `json:"use_idle"`
	GmailImap                  bool      `json:"gmail_imap"` // IMAP 커넥터지만 Gmail 서버
	GmailPush                  GmailPush `json:"gmail_push"`
	GmailAPIBootstrapped       bool      `json:"gmail_api_bootstrapped"`
	GmailBootstrapMetadataOnly bool      `json:"gmail_bootstrap_metadata_only"`
}

// =============================================================================
// IncomingConnector - 수신 메일함 커넥터
// =============================================================================

type IncomingConnector struct {
	ID           int64           `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	Provider     Provider        `json:"provider"`
	Host         string          `json:"host,omitempty"`
	Port         int             `json:"port,omitempty"`
	TLS          TLSMode         `json:"tls"`
	EmailAddress string          `json:"email_address"`
	Auth         AuthConfig      `json:"auth"`
	Sync         SyncSettings    `json:"sync"`
	Status       ConnectorStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsGmailLike - Gmail 라벨 체계를 쓰는 커넥터인지 (Gmail API 또는 Gmail-IMAP)
func (c *IncomingConnector) IsGmailLike() bool {
	return c.Provider == ProviderGmail || (c.Provider == ProviderIMAP && c.Sync.GmailImap)
}

// =============================================================================
// OutgoingConnector & Identity
// =============================================================================

type SentCopyMode string

const (
	SentCopyModeNone            SentCopyMode = ""
	SentCopyModeAppend          SentCopyMode = "imap_append"           // append 실패 = 발송 실패
	SentCopyModeAppendPreferred SentCopyMode = "imap_append_preferred" // append 실패해도 발송 성공
)

type SentCopyBehavior struct {
	Mode    SentCopyMode `json:"mode,omitempty"`
	Mailbox string       `json:"mailbox,omitempty"`
}

type OutgoingConnector struct {
	ID                   int64            `json:"id"`
	UserID               uuid.UUID        `json:"user_id"`
	Provider             Provider         `json:"provider"` // smtp | gmail
	Host                 string           `json:"host,omitempty"`
	Port                 int              `json:"port,omitempty"`
	TLSMode              TLSMode          `json:"tls_mode"`
	FromAddress          string           `json:"from_address"`
	Auth                 AuthConfig       `json:"auth"`
	FromEnvelopeDefaults map[string]string `json:"from_envelope_defaults,omitempty"`
	SentCopy             SentCopyBehavior `json:"sent_copy"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Identity - 발신자 신원. 참조하는 커넥터는 같은 사용자 소유여야 한다.
type Identity struct {
	ID                        int64     `json:"id"`
	UserID                    uuid.UUID `json:"user_id"`
	DisplayName               string    `json:"display_name"`
	EmailAddress              string    `json:"email_address"`
	Signature                 *string   `json:"signature,omitempty"`
	ReplyTo                   *string   `json:"reply_to,omitempty"`
	OutgoingConnectorID       int64     `json:"outgoing_connector_id"`
	SentToIncomingConnectorID *int64    `json:"sent_to_incoming_connector_id,omitempty"`
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}
