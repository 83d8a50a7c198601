package out

import (
	"context"

	"github.com/google/uuid"

	"mailworker/core/domain"
)

// RemovedMessage - reconcile로 삭제된 행 (블롭 정리에 쓰는 최소 정보)
type RemovedMessage struct {
	ID         int64
	RawBlobKey *string
	BlobKeys   []string // attachment blob keys
}

// MessageRepository - 로컬 메시지 미러 저장소
type MessageRepository interface {
	// ==========================================================================
	// 조회
	// ==========================================================================
	GetByID(ctx context.Context, id int64) (*domain.Message, error)

	// GetOwned verifies ownership by joining the row to a connector owned by
	// the user; missing or foreign rows both come back as not found.
	GetOwned(ctx context.Context, userID uuid.UUID, id int64) (*domain.Message, error)

	GetByUID(ctx context.Context, connectorID int64, folder string, uid uint32) (*domain.Message, error)
	GetByGmailMessageID(ctx context.Context, connectorID int64, folder, gmailID string) (*domain.Message, error)

	// GetByHeaderMessageID finds a row by RFC-822 Message-ID with no
	// gmail_message_id yet (backfill during Gmail sync).
	GetByHeaderMessageID(ctx context.Context, connectorID int64, folder, messageID string) (*domain.Message, error)

	ListUIDs(ctx context.Context, connectorID int64, folder string) ([]uint32, error)
	ListGmailMessageIDs(ctx context.Context, connectorID int64, folder string) ([]string, error)
	CountByFolder(ctx context.Context, connectorID int64, folder string) (int64, error)
	ListThreadMessages(ctx context.Context, userID uuid.UUID, threadID int64) ([]*domain.Message, error)

	// ListMissingContent - 본문 또는 raw가 없는 행 (백그라운드 하이드레이션)
	ListMissingContent(ctx context.Context, connectorID int64, folder string, limit int) ([]*domain.Message, error)
	CountMissingContent(ctx context.Context, connectorID int64, folder string) (int64, error)

	// ==========================================================================
	// 쓰기
	// ==========================================================================
	Create(ctx context.Context, m *domain.Message) error
	UpdateMetadata(ctx context.Context, m *domain.Message) error
	UpdateFlags(ctx context.Context, id int64, isRead, isStarred bool, flags []string) error
	UpdateFolderPath(ctx context.Context, id int64, folder string) error
	SetRawBlobKey(ctx context.Context, id int64, key string) error
	SetBody(ctx context.Context, id int64, bodyText, bodyHTML, snippet string) error
	SetThreadID(ctx context.Context, id int64, threadID int64) error
	SetGmailThreadID(ctx context.Context, id int64, gmailThreadID string) error

	// ==========================================================================
	// 삭제 / reconcile
	// ==========================================================================
	DeleteByID(ctx context.Context, id int64) error
	DeleteByGmailMessageID(ctx context.Context, connectorID int64, folder, gmailID string) (bool, error)
	DeleteByUID(ctx context.Context, connectorID int64, folder string, uid uint32) error

	// DeleteWhereUIDNotIn removes rows for UIDs missing from the seen set and
	// returns blob keys so the caller can clean storage best-effort.
	DeleteWhereUIDNotIn(ctx context.Context, connectorID int64, folder string, seen []uint32, minUID uint32) ([]RemovedMessage, error)
	DeleteWhereGmailIDNotIn(ctx context.Context, connectorID int64, folder string, seen []string) ([]RemovedMessage, error)

	// PurgeFolder - UIDVALIDITY 변경 시 폴더 전체 삭제
	PurgeFolder(ctx context.Context, connectorID int64, folder string) ([]RemovedMessage, error)

	// ==========================================================================
	// 스레드 해석 (Gmail threadId 역조회)
	// ==========================================================================
	FindGmailThreadIDByMessageIDs(ctx context.Context, connectorID int64, messageIDVariants []string) (string, error)
	FindGmailThreadIDByLocalThread(ctx context.Context, connectorID int64, threadID int64) (string, error)

	// ==========================================================================
	// Attachments (재파싱 시 통째로 교체)
	// ==========================================================================
	// ReplaceAttachments swaps the attachment set in one transaction and
	// writes the generated row IDs back into atts.
	ReplaceAttachments(ctx context.Context, messageID int64, atts []domain.Attachment) error
	GetAttachment(ctx context.Context, id int64) (*domain.Attachment, error)
	UpdateAttachmentScan(ctx context.Context, id int64, status domain.ScanStatus, result *string) error
}

// ThreadResolver - 헤더 체인 기반 스레드 결정 (외부 협력자)
type ThreadResolver interface {
	// ResolveThread assigns or finds the local thread for a message based on
	// In-Reply-To / References header chains. Returns nil when no thread
	// could be determined.
	ResolveThread(ctx context.Context, m *domain.Message) (*int64, error)
}
