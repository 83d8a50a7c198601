package http

import (
	"github.com/gofiber/fiber/v2"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	syncsvc "mailworker/core/service/sync"
)

// =============================================================================
// Sync Handler - 수동 트리거 / 취소 / 상태 조회
// =============================================================================

type SyncHandler struct {
	connectors out.ConnectorRepository
	states     out.SyncStateRepository
	queue      out.JobQueue
	runner     *syncsvc.Runner
}

func NewSyncHandler(connectors out.ConnectorRepository, states out.SyncStateRepository, queue out.JobQueue, runner *syncsvc.Runner) *SyncHandler {
	return &SyncHandler{
		connectors: connectors,
		states:     states,
		queue:      queue,
		runner:     runner,
	}
}

func (h *SyncHandler) Register(api fiber.Router) {
	sync := api.Group("/sync")
	sync.Post("/trigger", h.Trigger)
	sync.Post("/cancel", h.Cancel)
	sync.Get("/state", h.State)
}

type syncRequest struct {
	ConnectorID int64  `json:"connector_id"`
	Mailbox     string `json:"mailbox"`
	Priority    string `json:"priority,omitempty"`
}

func (h *SyncHandler) Trigger(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	var req syncRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if req.Mailbox == "" {
		req.Mailbox = domain.SystemLabelInbox
	}
	// 소유권 확인: 남의 커넥터로는 트리거할 수 없다
	if _, err := h.connectors.GetIncomingOwned(c.Context(), userID, req.ConnectorID); err != nil {
		return ErrorResponse(c, 404, "connector not found")
	}

	priority := domain.JobPriorityNormal
	if req.Priority == string(domain.JobPriorityHigh) {
		priority = domain.JobPriorityHigh
	}
	enqueued, err := h.queue.EnqueueSyncWithOptions(c.Context(), userID, req.ConnectorID, req.Mailbox,
		domain.SyncJobOptions{Priority: priority})
	if err != nil {
		return InternalErrorResponse(c, err, "sync trigger")
	}
	return SuccessResponse(c, fiber.Map{"enqueued": enqueued})
}

func (h *SyncHandler) Cancel(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	var req syncRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if req.Mailbox == "" {
		req.Mailbox = domain.SystemLabelInbox
	}
	if _, err := h.connectors.GetIncomingOwned(c.Context(), userID, req.ConnectorID); err != nil {
		return ErrorResponse(c, 404, "connector not found")
	}
	if err := h.runner.RequestCancel(c.Context(), userID, req.ConnectorID, req.Mailbox); err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, fiber.Map{"cancel_requested": true})
}

func (h *SyncHandler) State(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	connectorID := int64(c.QueryInt("connector_id", 0))
	mailbox := c.Query("mailbox", domain.SystemLabelInbox)

	if _, err := h.connectors.GetIncomingOwned(c.Context(), userID, connectorID); err != nil {
		return ErrorResponse(c, 404, "connector not found")
	}
	state, err := h.states.Get(c.Context(), connectorID, mailbox)
	if err != nil {
		return ErrorResponse(c, 404, "sync state not found")
	}
	return SuccessResponse(c, state)
}
