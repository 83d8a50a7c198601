package http

import (
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"mailworker/core/domain"
	"mailworker/core/service/auth"
	"mailworker/pkg/apperr"
	"mailworker/pkg/logger"
)

// =============================================================================
// OAuth Handler - 커넥터 연결/재연결 흐름
// =============================================================================

type OAuthHandler struct {
	connect *auth.ConnectService
}

func NewOAuthHandler(connect *auth.ConnectService) *OAuthHandler {
	return &OAuthHandler{connect: connect}
}

func (h *OAuthHandler) Register(app *fiber.App, api fiber.Router) {
	api.Post("/oauth/connect", h.StartConnect)
	// 콜백은 구글이 직접 호출하므로 인증 미들웨어 밖에 둔다
	app.Get("/oauth/callback", h.Callback)
}

type connectRequest struct {
	ConnectorType string          `json:"connector_type"`
	ConnectorID   *int64          `json:"connector_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// StartConnect issues the authorize URL for a new or reconnecting connector.
func (h *OAuthHandler) StartConnect(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}

	var req connectRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}

	connectorType := domain.OAuthConnectorType(req.ConnectorType)
	switch connectorType {
	case domain.OAuthConnectorIncoming, domain.OAuthConnectorOutgoing:
	default:
		return ErrorResponse(c, 400, "connector_type must be incoming or outgoing")
	}

	authURL, err := h.connect.StartConnect(c.Context(), userID, connectorType, req.ConnectorID, req.Payload)
	if err != nil {
		if apperr.IsAppError(err) {
			return AppErrorResponse(c, err)
		}
		return InternalErrorResponse(c, err, "oauth connect")
	}
	return SuccessResponse(c, fiber.Map{"auth_url": authURL})
}

// Callback consumes the single-shot state and redirects to the frontend.
// The service always produces a redirect target, success or failure.
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	code := c.Query("code")
	state := c.Query("state")

	redirectURL, err := h.connect.HandleCallback(c.Context(), code, state)
	if err != nil {
		logger.WithError(err).Warn("[OAuthHandler.Callback] callback failed")
	}
	return c.Redirect(redirectURL, fiber.StatusFound)
}
