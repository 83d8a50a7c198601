package domain

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// OAuthConnectorType - authorize 흐름이 만들거나 재연결하는 커넥터 종류
type OAuthConnectorType string

const (
	OAuthConnectorIncoming OAuthConnectorType = "incoming"
	OAuthConnectorOutgoing OAuthConnectorType = "outgoing"
)

// OAuthState - authorize 시 발급, callback에서 single-shot으로 소비.
// 저장소 오류 시 fail closed (콜백 거부).
type OAuthState struct {
	State            uuid.UUID          `json:"state"`
	UserID           uuid.UUID          `json:"user_id"`
	ConnectorType    OAuthConnectorType `json:"connector_type"`
	ConnectorID      *int64             `json:"connector_id,omitempty"`
	ConnectorPayload json.RawMessage    `json:"connector_payload,omitempty"`
	ExpiresAt        time.Time          `json:"expires_at"`
	CreatedAt        time.Time          `json:"created_at"`
}

func (s *OAuthState) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
