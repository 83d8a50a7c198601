package http

import (
	"github.com/gofiber/fiber/v2"

	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/netguard"
)

// =============================================================================
// Push Subscription Handler - 브라우저 푸시 등록/해제
// =============================================================================

type PushSubscriptionHandler struct {
	subs           out.PushSubscriptionRepository
	guard          *netguard.Guard
	vapidPublicKey string
}

func NewPushSubscriptionHandler(subs out.PushSubscriptionRepository, guard *netguard.Guard, vapidPublicKey string) *PushSubscriptionHandler {
	return &PushSubscriptionHandler{
		subs:           subs,
		guard:          guard,
		vapidPublicKey: vapidPublicKey,
	}
}

func (h *PushSubscriptionHandler) Register(api fiber.Router) {
	push := api.Group("/push")
	push.Get("/vapid-key", h.VAPIDKey)
	push.Post("/subscriptions", h.Subscribe)
	push.Delete("/subscriptions", h.Unsubscribe)
}

func (h *PushSubscriptionHandler) VAPIDKey(c *fiber.Ctx) error {
	if h.vapidPublicKey == "" {
		return ErrorResponse(c, 404, "browser push is not configured")
	}
	return SuccessResponse(c, fiber.Map{"public_key": h.vapidPublicKey})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256DH string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Subscribe upserts the subscription; re-registering an endpoint refreshes
// its keys. The endpoint is vetted like any outbound push target.
func (h *PushSubscriptionHandler) Subscribe(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	var req subscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, 400, "invalid request body")
	}
	if req.Endpoint == "" || req.Keys.P256DH == "" || req.Keys.Auth == "" {
		return ErrorResponse(c, 400, "endpoint, keys.p256dh and keys.auth are required")
	}
	if err := h.guard.AssertSafePushEndpoint(c.Context(), req.Endpoint); err != nil {
		return ErrorResponse(c, 400, "push endpoint rejected")
	}

	var userAgent *string
	if ua := c.Get("User-Agent"); ua != "" {
		userAgent = &ua
	}
	sub := &domain.PushSubscription{
		UserID:    userID,
		Endpoint:  req.Endpoint,
		P256DH:    req.Keys.P256DH,
		Auth:      req.Keys.Auth,
		UserAgent: userAgent,
	}
	if err := h.subs.Create(c.Context(), sub); err != nil {
		return InternalErrorResponse(c, err, "push subscribe")
	}
	return SuccessResponse(c, sub)
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushSubscriptionHandler) Unsubscribe(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	var req unsubscribeRequest
	if err := c.BodyParser(&req); err != nil || req.Endpoint == "" {
		return ErrorResponse(c, 400, "endpoint is required")
	}
	if err := h.subs.DeleteByEndpoint(c.Context(), userID, req.Endpoint); err != nil {
		return InternalErrorResponse(c, err, "push unsubscribe")
	}
	return SuccessResponse(c, fiber.Map{"deleted": true})
}
