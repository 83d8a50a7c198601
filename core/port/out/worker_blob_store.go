package out

import (
	"context"
	"io"

	"mailworker/core/domain"
)

// BlobStore - 불투명 key/value 블롭 저장소 (RFC-822 원문, 첨부파일)
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete is best-effort from the caller's perspective; sync never blocks
	// on blob cleanup.
	Delete(ctx context.Context, key string) error
}

// ParsedAttachment - 파서가 추출한 첨부파일
type ParsedAttachment struct {
	Filename    string
	ContentType string
	SizeBytes   int64
	Inline      bool
	ContentID   string
	Content     []byte
}

// ParsedMessage - RFC-822 파싱 결과
type ParsedMessage struct {
	MessageID   string
	InReplyTo   string
	References  string
	Subject     string
	From        string
	To          string
	Snippet     string
	BodyText    string
	BodyHTML    string
	Attachments []ParsedAttachment
}

// MessageParser - RFC-822 → 구조화 필드 (외부 협력자 인터페이스)
type MessageParser interface {
	Parse(raw []byte) (*ParsedMessage, error)
}

// AttachmentScanner - 멀웨어 스캔 엔진 (외부 협력자)
type AttachmentScanner interface {
	Scan(ctx context.Context, blobKey string, sizeBytes int64) (domain.ScanStatus, string, error)
}
