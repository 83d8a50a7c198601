package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// =============================================================================
// SendRequest - 발송 요청 페이로드
// =============================================================================

// SendAttachment carries attachment content as base64. ContentBase64 is kept
// encoded until composition so the request hash stays cheap to compute.
type SendAttachment struct {
	Filename      string  `json:"filename"`
	ContentType   string  `json:"content_type"`
	ContentBase64 string  `json:"content_base64"`
	Inline        bool    `json:"inline"`
	ContentID     *string `json:"content_id,omitempty"`
}

type SendRequest struct {
	To          []string         `json:"to"`
	Cc          []string         `json:"cc,omitempty"`
	Bcc         []string         `json:"bcc,omitempty"`
	Subject     string           `json:"subject"`
	BodyText    string           `json:"body_text,omitempty"`
	BodyHTML    string           `json:"body_html,omitempty"`
	Attachments []SendAttachment `json:"attachments,omitempty"`
	InReplyTo   string           `json:"in_reply_to,omitempty"`
	References  string           `json:"references,omitempty"`
	ThreadID    *int64           `json:"thread_id,omitempty"`
}

// SendResult - 성공한 발송의 결과
type SendResult struct {
	Accepted      bool    `json:"accepted"`
	MessageID     string  `json:"message_id"`
	ThreadTag     *string `json:"thread_tag,omitempty"` // Gmail threadId
	SentCopyError *string `json:"sent_copy_error,omitempty"`
}

// =============================================================================
// 수신자 정규화
// =============================================================================

// ParseEnvelopeRecipients dedupes case-insensitively while preserving the
// first-seen order and original casing.
func ParseEnvelopeRecipients(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, addr := range list {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, addr)
	}
	return out
}

// RenderRecipients - 헤더에 넣을 수신자 목록 직렬화
func RenderRecipients(list []string) string {
	return strings.Join(list, ", ")
}

// EstimateBase64PayloadBytes returns the decoded size of a base64 string
// without decoding it.
func EstimateBase64PayloadBytes(encoded string) int64 {
	n := int64(len(encoded))
	if n == 0 {
		return 0
	}
	padding := int64(0)
	if strings.HasSuffix(encoded, "==") {
		padding = 2
	} else if strings.HasSuffix(encoded, "=") {
		padding = 1
	}
	return n/4*3 - padding
}

// =============================================================================
// Idempotency key & request hash
// =============================================================================

// NormalizeSendIdempotencyKey - 비어 있으면 새 UUID 발급
func NormalizeSendIdempotencyKey(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return uuid.NewString()
	}
	return v
}

type hashAttachment struct {
	Filename    string  `json:"filename"`
	ContentType string  `json:"contentType"`
	Size        int     `json:"size"` // base64 인코딩 길이 - 디코딩 없이 안정적
	Inline      bool    `json:"inline"`
	ContentID   *string `json:"contentId"`
}

type hashEnvelope struct {
	IdentityID  int64            `json:"identityId"`
	To          []string         `json:"to"`
	Cc          []string         `json:"cc"`
	Bcc         []string         `json:"bcc"`
	Subject     string           `json:"subject"`
	BodyText    string           `json:"bodyText"`
	BodyHTML    string           `json:"bodyHtml"`
	Attachments []hashAttachment `json:"attachments"`
}

// MakeSendRequestHash computes a canonical SHA-256 over the request so the
// idempotency ledger can reject a re-used key with a different payload.
func MakeSendRequestHash(identityID int64, req SendRequest) string {
	cc := append([]string(nil), req.Cc...)
	bcc := append([]string(nil), req.Bcc...)
	sort.Strings(cc)
	sort.Strings(bcc)

	atts := make([]hashAttachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		atts = append(atts, hashAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        len(a.ContentBase64),
			Inline:      a.Inline,
			ContentID:   a.ContentID,
		})
	}
	sort.Slice(atts, func(i, j int) bool { return atts[i].Filename < atts[j].Filename })

	env := hashEnvelope{
		IdentityID:  identityID,
		To:          req.To,
		Cc:          cc,
		Bcc:         bcc,
		Subject:     req.Subject,
		BodyText:    req.BodyText,
		BodyHTML:    req.BodyHTML,
		Attachments: atts,
	}
	data, _ := json.Marshal(env)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// SendIdempotency - pending → processing → succeeded | failed
// =============================================================================

type SendStatus string

const (
	SendStatusPending    SendStatus = "pending"
	SendStatusProcessing SendStatus = "processing"
	SendStatusSucceeded  SendStatus = "succeeded"
	SendStatusFailed     SendStatus = "failed"
)

type SendIdempotency struct {
	ID             int64       `json:"id"`
	UserID         uuid.UUID   `json:"user_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	IdentityID     int64       `json:"identity_id"`
	RequestHash    string      `json:"request_hash"`
	Status         SendStatus  `json:"status"`
	Attempts       int         `json:"attempts"`
	Result         *SendResult `json:"result,omitempty"`
	ErrorMessage   *string     `json:"error_message,omitempty"`
	ExpiresAt      time.Time   `json:"expires_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	CreatedAt      time.Time   `json:"created_at"`
}
