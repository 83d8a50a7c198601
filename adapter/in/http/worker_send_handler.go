package http

import (
	"github.com/gofiber/fiber/v2"

	"mailworker/core/domain"
	"mailworker/core/service/send"
	"mailworker/pkg/apperr"
)

// =============================================================================
// Send Handler - 발송 제출 + OUTBOX 조회
// =============================================================================

type SendHandler struct {
	send *send.Service
}

func NewSendHandler(sendService *send.Service) *SendHandler {
	return &SendHandler{send: sendService}
}

func (h *SendHandler) Register(api fiber.Router) {
	api.Post("/send", h.Submit)
	api.Get("/outbox", h.Outbox)
}

type sendSubmitRequest struct {
	IdentityID     int64  `json:"identity_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	domain.SendRequest
}

// Submit validates and records the send, then hands delivery to the queue.
// The Idempotency-Key header wins over the body field; both empty mints a
// fresh key.
func (h *SendHandler) Submit(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	var req sendSubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}

	key := c.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}
	key = domain.NormalizeSendIdempotencyKey(key)

	row, err := h.send.Submit(c.Context(), userID, req.IdentityID, key, req.SendRequest)
	if err != nil {
		if apperr.IsAppError(err) {
			return AppErrorResponse(c, err)
		}
		return InternalErrorResponse(c, err, "send submit")
	}
	return c.Status(fiber.StatusAccepted).JSON(APIResponse{
		Success: true,
		Data:    row,
	})
}

// Outbox lists in-flight and failed sends, newest first.
func (h *SendHandler) Outbox(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	limit := c.QueryInt("limit", 50)

	rows, err := h.send.ListOutbox(c.Context(), userID, limit)
	if err != nil {
		return InternalErrorResponse(c, err, "outbox list")
	}
	return SuccessResponse(c, rows)
}
