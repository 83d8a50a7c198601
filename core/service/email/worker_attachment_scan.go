package email

import (
	"context"

	"github.com/google/uuid"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/apperr"
	"mailworker/pkg/logger"
)

// ScanService runs malware scans for stored attachments and gates downloads
// on the recorded verdict.
type ScanService struct {
	messages out.MessageRepository
	scanner  out.AttachmentScanner
	blobs    out.BlobStore
	log      *logger.Logger
}

func NewScanService(messages out.MessageRepository, scanner out.AttachmentScanner, blobs out.BlobStore) *ScanService {
	return &ScanService{
		messages: messages,
		scanner:  scanner,
		blobs:    blobs,
		log:      logger.WithField("component", "attachment_scan"),
	}
}

// RunScan executes one scan job. Finished verdicts are immutable: a replayed
// job for a scanned attachment is a no-op.
func (s *ScanService) RunScan(ctx context.Context, userID uuid.UUID, messageID, attachmentID int64) error {
	att, err := s.messages.GetAttachment(ctx, attachmentID)
	if err != nil {
		return apperr.NotFound("attachment")
	}
	if att.MessageID != messageID {
		return apperr.NotFound("attachment")
	}
	switch att.ScanStatus {
	case domain.ScanStatusPending, domain.ScanStatusFailed, domain.ScanStatusError:
		// 스캔 대상
	default:
		return nil
	}
	if att.BlobKey == nil {
		return s.messages.UpdateAttachmentScan(ctx, att.ID, domain.ScanStatusMissing, nil)
	}

	if err := s.messages.UpdateAttachmentScan(ctx, att.ID, domain.ScanStatusProcessing, nil); err != nil {
		return err
	}

	status, result, err := s.scanner.Scan(ctx, *att.BlobKey, att.SizeBytes)
	if err != nil {
		s.log.WithError(err).Warn("[ScanService.RunScan] scan failed: attachment=%d", att.ID)
		msg := err.Error()
		return s.messages.UpdateAttachmentScan(ctx, att.ID, domain.ScanStatusError, &msg)
	}

	var resultPtr *string
	if result != "" {
		resultPtr = &result
	}
	if status == domain.ScanStatusInfected {
		s.log.Warn("[ScanService.RunScan] malware detected: attachment=%d result=%s", att.ID, result)
	}
	return s.messages.UpdateAttachmentScan(ctx, att.ID, status, resultPtr)
}

// OpenAttachment checks ownership and the scan verdict, then streams the
// blob. Blocked verdicts surface as the verdict's HTTP status.
func (s *ScanService) OpenAttachment(ctx context.Context, userID uuid.UUID, messageID, attachmentID int64) (*domain.Attachment, []byte, error) {
	if _, err := s.messages.GetOwned(ctx, userID, messageID); err != nil {
		return nil, nil, apperr.NotFound("message")
	}
	att, err := s.messages.GetAttachment(ctx, attachmentID)
	if err != nil || att.MessageID != messageID {
		return nil, nil, apperr.NotFound("attachment")
	}

	if block := domain.GetAttachmentScanBlock(att.ScanStatus); block != nil {
		return nil, nil, apperr.New(apperr.CodeForbidden, block.Error, block.StatusCode)
	}
	if att.BlobKey == nil {
		return nil, nil, apperr.NotFound("attachment content")
	}
	content, err := s.blobs.Get(ctx, *att.BlobKey)
	if err != nil {
		return nil, nil, apperr.NotFound("attachment content")
	}
	return att, content, nil
}
