package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"mailworker/core/service/email"
	"mailworker/pkg/apperr"
)

// =============================================================================
// Message Handler - 메시지 액션 + 첨부 다운로드
// =============================================================================

type MessageHandler struct {
	actions *email.ActionService
	scans   *email.ScanService
}

func NewMessageHandler(actions *email.ActionService, scans *email.ScanService) *MessageHandler {
	return &MessageHandler{actions: actions, scans: scans}
}

func (h *MessageHandler) Register(api fiber.Router) {
	messages := api.Group("/messages")
	messages.Post("/:id/read", h.SetRead)
	messages.Post("/:id/star", h.SetStarred)
	messages.Post("/:id/move", h.Move)
	messages.Delete("/:id", h.Delete)
	messages.Post("/:id/thread-actions", h.ThreadActions)
	messages.Get("/:id/attachments/:attachmentId", h.DownloadAttachment)
}

// actionRequest carries the connector/mailbox coordinates every action needs.
// UID is required for IMAP connectors; Gmail actions address by message id.
type actionRequest struct {
	ConnectorID int64   `json:"connector_id"`
	Folder      string  `json:"folder"`
	UID         *uint32 `json:"uid,omitempty"`

	IsRead     *bool   `json:"is_read,omitempty"`
	IsStarred  *bool   `json:"is_starred,omitempty"`
	DestFolder *string `json:"dest_folder,omitempty"`
}

func messageIDParam(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidInput(name, "must be a positive integer")
	}
	return id, nil
}

func (h *MessageHandler) SetRead(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	messageID, err := messageIDParam(c, "id")
	if err != nil {
		return AppErrorResponse(c, err)
	}
	var req actionRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if req.IsRead == nil {
		return ErrorResponse(c, 400, "is_read is required")
	}
	if err := h.actions.SetMessageReadState(c.Context(), userID, messageID, req.ConnectorID, req.Folder, req.UID, *req.IsRead); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"message_id": messageID, "is_read": *req.IsRead})
}

func (h *MessageHandler) SetStarred(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	messageID, err := messageIDParam(c, "id")
	if err != nil {
		return AppErrorResponse(c, err)
	}
	var req actionRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if req.IsStarred == nil {
		return ErrorResponse(c, 400, "is_starred is required")
	}
	if err := h.actions.SetMessageStarredState(c.Context(), userID, messageID, req.ConnectorID, req.Folder, req.UID, *req.IsStarred); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"message_id": messageID, "is_starred": *req.IsStarred})
}

func (h *MessageHandler) Move(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	messageID, err := messageIDParam(c, "id")
	if err != nil {
		return AppErrorResponse(c, err)
	}
	var req actionRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if req.DestFolder == nil || *req.DestFolder == "" {
		return ErrorResponse(c, 400, "dest_folder is required")
	}
	if err := h.actions.MoveMessageInMailbox(c.Context(), userID, messageID, req.ConnectorID, req.Folder, *req.DestFolder, req.UID); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"message_id": messageID, "folder": *req.DestFolder})
}

func (h *MessageHandler) Delete(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	messageID, err := messageIDParam(c, "id")
	if err != nil {
		return AppErrorResponse(c, err)
	}
	var req actionRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if err := h.actions.DeleteMessageFromMailbox(c.Context(), userID, messageID, req.ConnectorID, req.Folder, req.UID); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"message_id": messageID, "deleted": true})
}

type threadActionsRequest struct {
	IsRead          *bool    `json:"is_read,omitempty"`
	IsStarred       *bool    `json:"is_starred,omitempty"`
	MoveToFolder    *string  `json:"move_to_folder,omitempty"`
	Delete          bool     `json:"delete,omitempty"`
	AddLabelKeys    []string `json:"add_label_keys,omitempty"`
	RemoveLabelKeys []string `json:"remove_label_keys,omitempty"`
}

// ThreadActions fans the requested changes out over every thread message the
// anchor belongs to.
func (h *MessageHandler) ThreadActions(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	messageID, err := messageIDParam(c, "id")
	if err != nil {
		return AppErrorResponse(c, err)
	}
	var req threadActionsRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	actions := email.ThreadActions{
		IsRead:          req.IsRead,
		IsStarred:       req.IsStarred,
		MoveToFolder:    req.MoveToFolder,
		Delete:          req.Delete,
		AddLabelKeys:    req.AddLabelKeys,
		RemoveLabelKeys: req.RemoveLabelKeys,
	}
	if err := h.actions.ApplyThreadMessageActions(c.Context(), userID, messageID, actions); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"anchor_message_id": messageID})
}

// DownloadAttachment streams the blob, gated on the scan verdict.
func (h *MessageHandler) DownloadAttachment(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	messageID, err := messageIDParam(c, "id")
	if err != nil {
		return AppErrorResponse(c, err)
	}
	attachmentID, err := messageIDParam(c, "attachmentId")
	if err != nil {
		return AppErrorResponse(c, err)
	}

	att, content, err := h.scans.OpenAttachment(c.Context(), userID, messageID, attachmentID)
	if err != nil {
		return AppErrorResponse(c, err)
	}

	c.Set("Content-Type", att.ContentType)
	c.Set("Content-Disposition", `attachment; filename="`+att.Filename+`"`)
	return c.Send(content)
}
