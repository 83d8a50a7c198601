// Package scanner bridges attachment scans to an external scan engine.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/logger"
)

// =============================================================================
// EngineScanner - out.AttachmentScanner 구현
// =============================================================================

// EngineScanner posts attachment content to the scan engine. A disabled
// engine and oversized files short-circuit to their terminal verdicts
// without touching the network.
type EngineScanner struct {
	blobs    out.BlobStore
	enabled  bool
	url      string
	maxBytes int64
	client   *http.Client
	log      *logger.Logger
}

func NewEngineScanner(cfg *config.Config, blobs out.BlobStore) *EngineScanner {
	return &EngineScanner{
		blobs:    blobs,
		enabled:  cfg.ScanEnabled && cfg.ScanEngineURL != "",
		url:      cfg.ScanEngineURL,
		maxBytes: cfg.ScanMaxSizeBytes,
		client:   &http.Client{Timeout: cfg.ScanTimeout},
		log:      logger.WithField("component", "scan_engine"),
	}
}

// scanResponse - 엔진 응답 본문
type scanResponse struct {
	Infected  bool   `json:"infected"`
	Signature string `json:"signature,omitempty"`
}

func (s *EngineScanner) Scan(ctx context.Context, blobKey string, sizeBytes int64) (domain.ScanStatus, string, error) {
	if !s.enabled {
		return domain.ScanStatusDisabled, "", nil
	}
	if s.maxBytes > 0 && sizeBytes > s.maxBytes {
		return domain.ScanStatusSizeSkipped, "", nil
	}

	content, err := s.blobs.Get(ctx, blobKey)
	if err != nil {
		return domain.ScanStatusError, "", fmt.Errorf("load attachment blob: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(content))
	if err != nil {
		return domain.ScanStatusError, "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.ScanStatusError, "", fmt.Errorf("scan engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.ScanStatusError, "", fmt.Errorf("scan engine returned %d: %s", resp.StatusCode, body)
	}

	var result scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.ScanStatusError, "", fmt.Errorf("decode scan response: %w", err)
	}
	if result.Infected {
		return domain.ScanStatusInfected, result.Signature, nil
	}
	return domain.ScanStatusClean, "", nil
}

var _ out.AttachmentScanner = (*EngineScanner)(nil)
