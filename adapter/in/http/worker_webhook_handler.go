package http

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"google.golang.org/api/idtoken"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/logger"
)

// =============================================================================
// Gmail Pub/Sub push webhook
// =============================================================================

type WebhookHandler struct {
	cfg        *config.Config
	connectors out.ConnectorRepository
	queue      out.JobQueue
}

func NewWebhookHandler(cfg *config.Config, connectors out.ConnectorRepository, queue out.JobQueue) *WebhookHandler {
	return &WebhookHandler{
		cfg:        cfg,
		connectors: connectors,
		queue:      queue,
	}
}

func (h *WebhookHandler) Register(app *fiber.App) {
	app.Post("/webhooks/gmail", h.GmailPush)
}

// pushEnvelope - Pub/Sub push 본문
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification - message.data 디코딩 결과
type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// GmailPush verifies the OIDC bearer, decodes the notification and enqueues
// a history-hinted sync. Always acks decodable requests: a failed enqueue is
// recovered by the next notification or the background schedule.
func (h *WebhookHandler) GmailPush(c *fiber.Ctx) error {
	if err := h.verifyOIDC(c); err != nil {
		logger.WithError(err).Warn("[WebhookHandler.GmailPush] OIDC verification failed")
		return ErrorResponse(c, 401, "unauthorized")
	}

	var envelope pushEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		return ErrorResponse(c, 400, "invalid push envelope")
	}
	raw, err := decodePushData(envelope.Message.Data)
	if err != nil {
		return ErrorResponse(c, 400, "invalid message data encoding")
	}
	var notification gmailNotification
	if err := json.Unmarshal(raw, &notification); err != nil || notification.EmailAddress == "" {
		return ErrorResponse(c, 400, "invalid gmail notification")
	}

	conns, err := h.connectors.ListIncomingGmailByAddress(c.Context(), notification.EmailAddress)
	if err != nil {
		logger.WithError(err).Error("[WebhookHandler.GmailPush] connector lookup failed: %s", notification.EmailAddress)
		return c.SendStatus(fiber.StatusNoContent)
	}

	for _, conn := range conns {
		if !conn.Sync.GmailPush.Enabled {
			continue
		}
		enqueued, err := h.queue.EnqueueSyncWithOptions(c.Context(), conn.UserID, conn.ID, domain.SystemLabelInbox,
			domain.SyncJobOptions{
				Priority:           domain.JobPriorityHigh,
				GmailHistoryIDHint: notification.HistoryID,
			})
		if err != nil {
			logger.WithError(err).Warn("[WebhookHandler.GmailPush] enqueue failed: connector=%d", conn.ID)
			continue
		}
		if enqueued {
			logger.Debug("[WebhookHandler.GmailPush] sync enqueued: connector=%d historyId=%d", conn.ID, notification.HistoryID)
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// verifyOIDC validates the Google-signed bearer token Pub/Sub attaches to
// push requests: audience, issuer, verified email, and when configured the
// expected service account.
func (h *WebhookHandler) verifyOIDC(c *fiber.Ctx) error {
	if h.cfg.PushWebhookAudience == "" {
		return errors.New("push webhook audience not configured")
	}
	authHeader := c.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return errors.New("missing bearer token")
	}

	payload, err := idtoken.Validate(c.Context(), parts[1], h.cfg.PushWebhookAudience)
	if err != nil {
		return err
	}
	if payload.Issuer != "accounts.google.com" && payload.Issuer != "https://accounts.google.com" {
		return errors.New("unexpected issuer")
	}
	if verified, _ := payload.Claims["email_verified"].(bool); !verified {
		return errors.New("email not verified")
	}
	if h.cfg.PushServiceAccountEmail != "" {
		email, _ := payload.Claims["email"].(string)
		if !strings.EqualFold(email, h.cfg.PushServiceAccountEmail) {
			return errors.New("unexpected service account")
		}
	}
	return nil
}

// decodePushData tolerates both base64 alphabets Pub/Sub clients emit.
func decodePushData(data string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(data)
}
