package http

import (
	"bufio"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailworker/core/service/events"
)

const (
	maxStreamsPerUser = 3
	ssePingInterval   = 25 * time.Second
)

// =============================================================================
// SSE Handler - 이벤트 버스 long-poll 스트림
// =============================================================================

// SSEHandler streams sync events. Each connection follows the per-user
// watermark: ready → sync signals as they land → periodic pings.
type SSEHandler struct {
	bus *events.Bus
	log zerolog.Logger

	mu      sync.Mutex
	streams map[uuid.UUID]int
}

func NewSSEHandler(bus *events.Bus, log zerolog.Logger) *SSEHandler {
	return &SSEHandler{
		bus:     bus,
		log:     log.With().Str("handler", "sse").Logger(),
		streams: make(map[uuid.UUID]int),
	}
}

func (h *SSEHandler) Register(app fiber.Router) {
	app.Get("/events", h.List)
	app.Get("/events/stream", h.Stream)
}

// List returns events after ?since= (ascending), for catch-up after a
// reconnect or a push tickle.
func (h *SSEHandler) List(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	since := int64(c.QueryInt("since", 0))
	limit := c.QueryInt("limit", 100)

	list, err := h.bus.List(c.Context(), userID, since, limit)
	if err != nil {
		return InternalErrorResponse(c, err, "event list")
	}
	return SuccessResponse(c, list)
}

// Stream handles SSE connections.
func (h *SSEHandler) Stream(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return ErrorResponse(c, 401, "unauthorized")
	}
	if !h.acquire(userID) {
		return ErrorResponse(c, 429, "too many event streams")
	}

	since := int64(c.QueryInt("since", 0))

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	reqCtx := c.Context()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.release(userID)

		h.log.Debug().Str("user_id", userID.String()).Msg("SSE stream opened")
		if !writeSSE(w, "ready", map[string]any{"since": since}) {
			return
		}

		for {
			sig := h.bus.WaitForSignal(reqCtx, userID, since, ssePingInterval)
			if reqCtx.Err() != nil {
				h.log.Debug().Str("user_id", userID.String()).Msg("SSE stream closed")
				return
			}
			if sig == nil {
				// timeout or listener drop: keep the connection warm
				if !writeSSE(w, "ping", map[string]any{"ts": time.Now().Unix()}) {
					return
				}
				continue
			}
			since = sig.EventID
			if !writeSSE(w, "sync", map[string]any{"event_id": sig.EventID}) {
				return
			}
		}
	})
	return nil
}

// writeSSE frames one event; a failed flush means the client went away.
func writeSSE(w *bufio.Writer, event string, data any) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		return false
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return w.Flush() == nil
}

func (h *SSEHandler) acquire(userID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[userID] >= maxStreamsPerUser {
		return false
	}
	h.streams[userID]++
	return true
}

func (h *SSEHandler) release(userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[userID] <= 1 {
		delete(h.streams, userID)
	} else {
		h.streams[userID]--
	}
}
