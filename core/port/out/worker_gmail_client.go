package out

import (
	"context"
	"errors"
	"time"

	"mailworker/core/domain"
)

// ErrGmailHistoryTooOld - startHistoryId가 만료됨 (404). full-list fallback 신호.
var ErrGmailHistoryTooOld = errors.New("gmail: startHistoryId is too old")

// GmailProfile - /profile 응답
type GmailProfile struct {
	EmailAddress string
	HistoryID    uint64
}

// GmailMessageMeta - format=metadata 조회 결과
type GmailMessageMeta struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	HistoryID    uint64
	InternalDate time.Time
	Snippet      string
	// Headers: Message-ID, Subject, From, To, In-Reply-To, References
	Headers map[string]string
}

// GmailHistory - /history 페이지네이션 수집 결과
type GmailHistory struct {
	ChangedIDs []string
	DeletedIDs []string
	LatestID   uint64
}

// GmailWatch - /watch 응답
type GmailWatch struct {
	HistoryID  uint64
	Expiration time.Time
}

// GmailClient - Gmail REST API 클라이언트 포트. auth는 호출마다 값으로 전달
// (토큰 갱신 중 torn read 방지).
type GmailClient interface {
	GetProfile(ctx context.Context, auth domain.AuthConfig) (*GmailProfile, error)

	// ListMessageIDs pages through /messages for one label and returns every
	// message id.
	ListMessageIDs(ctx context.Context, auth domain.AuthConfig, labelID string, includeSpamTrash bool) ([]string, error)

	// ListHistory collects changed and deleted ids across pagination with no
	// label filter (label removals would be invisible otherwise). Returns
	// ErrGmailHistoryTooOld when the server rejects startHistoryId.
	ListHistory(ctx context.Context, auth domain.AuthConfig, startHistoryID uint64) (*GmailHistory, error)

	GetMessageMetadata(ctx context.Context, auth domain.AuthConfig, gmailID string) (*GmailMessageMeta, error)

	// GetMessageRaw returns the RFC-822 source and the server threadId.
	GetMessageRaw(ctx context.Context, auth domain.AuthConfig, gmailID string) ([]byte, string, error)

	// Modify applies label changes and returns the resulting labelIds.
	Modify(ctx context.Context, auth domain.AuthConfig, gmailID string, addLabelIDs, removeLabelIDs []string) ([]string, error)

	Trash(ctx context.Context, auth domain.AuthConfig, gmailID string) error

	// Send posts a base64url-encoded RFC-822 message, optionally onto an
	// existing thread. Returns (messageId, threadId).
	Send(ctx context.Context, auth domain.AuthConfig, raw []byte, threadID string) (string, string, error)

	Watch(ctx context.Context, auth domain.AuthConfig, topicName string, labelIDs []string) (*GmailWatch, error)
	StopWatch(ctx context.Context, auth domain.AuthConfig) error
}
