package domain

// =============================================================================
// Attachment - 메시지 첨부파일 (재파싱 시 통째로 교체)
// =============================================================================

type ScanStatus string

const (
	ScanStatusPending     ScanStatus = "pending"
	ScanStatusProcessing  ScanStatus = "processing"
	ScanStatusClean       ScanStatus = "clean"
	ScanStatusInfected    ScanStatus = "infected"
	ScanStatusSizeSkipped ScanStatus = "size_skipped"
	ScanStatusDisabled    ScanStatus = "disabled"
	ScanStatusFailed      ScanStatus = "failed"
	ScanStatusMissing     ScanStatus = "missing"
	ScanStatusError       ScanStatus = "error"
)

type Attachment struct {
	ID          int64      `json:"id"`
	MessageID   int64      `json:"message_id"`
	Filename    string     `json:"filename"`
	ContentType string     `json:"content_type"`
	SizeBytes   int64      `json:"size_bytes"`
	Inline      bool       `json:"inline"`
	ContentID   *string    `json:"content_id,omitempty"`
	BlobKey     *string    `json:"blob_key,omitempty"`
	ScanStatus  ScanStatus `json:"scan_status"`
	ScanResult  *string    `json:"scan_result,omitempty"`
}

// =============================================================================
// Scan verdict - 다운로드 허용/차단 판정
// =============================================================================

// ScanBlock describes why an attachment download must be refused.
// A nil *ScanBlock means the download is allowed.
type ScanBlock struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
}

// GetAttachmentScanBlock classifies a scan status into allow (nil) or a
// blocking verdict. Only clean, disabled and size_skipped are allowed;
// missing counts as a failed scan, not an allow.
func GetAttachmentScanBlock(status ScanStatus) *ScanBlock {
	switch status {
	case ScanStatusClean, ScanStatusDisabled, ScanStatusSizeSkipped:
		return nil
	case ScanStatusInfected:
		return &ScanBlock{StatusCode: 403, Error: "attachment blocked: malware detected"}
	case ScanStatusPending, ScanStatusProcessing:
		return &ScanBlock{StatusCode: 409, Error: "malware scan in progress"}
	case ScanStatusFailed, ScanStatusMissing, ScanStatusError:
		return &ScanBlock{StatusCode: 409, Error: "malware scan failed"}
	default:
		return &ScanBlock{StatusCode: 409, Error: "unknown scan status"}
	}
}
