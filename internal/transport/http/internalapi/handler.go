// Package internalapi provides the webhooks called by the workflow engine
// and the operational endpoints. It is served on the internal port only.
package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/botchat/internal/hub"
	"github.com/xiaot623/botchat/internal/service"
)

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
	hub     *hub.Hub
}

// NewHandler creates a new internal API handler.
func NewHandler(svc *service.Service, h *hub.Hub) *Handler {
	return &Handler{
		service: svc,
		hub:     h,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/webhooks/bot-reply/:session_id", h.BotReply)
	e.POST("/v1/webhooks/conversation/:session_id", h.Conversation)
	e.POST("/v1/webhooks/bot-stream/:session_id", h.BotStream)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": h.hub.GetConnectionCount(),
		"rooms":       h.hub.GetRoomCount(),
	})
}
