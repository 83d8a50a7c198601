package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Message - 로컬에 미러링된 메일 행
// =============================================================================

// ProviderMeta - Gmail 전용 부가 정보
type ProviderMeta struct {
	GmailLabelIDs  []string `json:"gmail_label_ids,omitempty"`
	GmailHistoryID uint64   `json:"gmail_history_id,omitempty"`
}

type Message struct {
	ID                  int64        `json:"id"`
	IncomingConnectorID int64        `json:"incoming_connector_id"`
	FolderPath          string       `json:"folder_path"` // canonical (Gmail) 또는 서버 경로
	UID                 *uint32      `json:"uid,omitempty"`
	GmailMessageID      *string      `json:"gmail_message_id,omitempty"`
	GmailThreadID       *string      `json:"gmail_thread_id,omitempty"`
	ThreadID            *int64       `json:"thread_id,omitempty"`
	MessageID           string       `json:"message_id"` // RFC-822 Message-ID 헤더
	InReplyTo           *string      `json:"in_reply_to,omitempty"`
	ReferencesHeader    *string      `json:"references_header,omitempty"`
	Subject             string       `json:"subject"`
	FromHeader          string       `json:"from_header"`
	ToHeader            string       `json:"to_header"`
	Snippet             string       `json:"snippet"`
	ReceivedAt          time.Time    `json:"received_at"`
	IsRead              bool         `json:"is_read"`
	IsStarred           bool         `json:"is_starred"`
	Flags               []string     `json:"flags,omitempty"`
	MailboxUIDValidity  *uint32      `json:"mailbox_uid_validity,omitempty"`
	RawBlobKey          *string      `json:"raw_blob_key,omitempty"`
	BodyText            *string      `json:"body_text,omitempty"`
	BodyHTML            *string      `json:"body_html,omitempty"`
	Meta                ProviderMeta `json:"meta"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// HasBody - 파싱된 본문이 있는지
func (m *Message) HasBody() bool {
	return (m.BodyText != nil && *m.BodyText != "") || (m.BodyHTML != nil && *m.BodyHTML != "")
}

func (m *Message) HasRaw() bool {
	return m.RawBlobKey != nil && *m.RawBlobKey != ""
}

// =============================================================================
// Message-ID 헤더 정규화
// =============================================================================

// NormalizeMessageID strips angle brackets and whitespace and lower-cases the
// value so header chains compare reliably across providers.
func NormalizeMessageID(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	return strings.ToLower(strings.TrimSpace(v))
}

// MessageIDVariants returns the bare and angle-bracketed forms for lookups.
func MessageIDVariants(v string) []string {
	bare := NormalizeMessageID(v)
	if bare == "" {
		return nil
	}
	return []string{bare, "<" + bare + ">"}
}

// ReferencesTail - References 헤더의 마지막 Message-ID (스레드 결정용)
func ReferencesTail(references string) string {
	fields := strings.Fields(references)
	if len(fields) == 0 {
		return ""
	}
	return NormalizeMessageID(fields[len(fields)-1])
}

// =============================================================================
// System Labels - 로컬 시스템 라벨 매핑
// =============================================================================

const (
	SystemLabelInbox   = "INBOX"
	SystemLabelSent    = "SENT"
	SystemLabelSpam    = "SPAM"
	SystemLabelTrash   = "TRASH"
	SystemLabelStarred = "STARRED"
	SystemLabelDrafts  = "DRAFT"
	SystemLabelAll     = "ALL"
	SystemLabelArchive = "ARCHIVE"
	SystemLabelOutbox  = "OUTBOX"
)

// SystemLabelsFor - 폴더/별표 상태에서 유지해야 할 시스템 라벨 집합
func SystemLabelsFor(folderPath string, starred bool) []string {
	labels := make([]string, 0, 2)
	switch strings.ToUpper(folderPath) {
	case SystemLabelInbox:
		labels = append(labels, SystemLabelInbox)
	case SystemLabelSent:
		labels = append(labels, SystemLabelSent)
	case SystemLabelSpam:
		labels = append(labels, SystemLabelSpam)
	case SystemLabelTrash:
		labels = append(labels, SystemLabelTrash)
	case SystemLabelDrafts:
		labels = append(labels, SystemLabelDrafts)
	}
	if starred {
		labels = append(labels, SystemLabelStarred)
	}
	return labels
}
