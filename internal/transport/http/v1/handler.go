// Package v1 provides the public chat API and the admin read API.
package v1

import (
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/botchat/internal/auth"
	"github.com/xiaot623/botchat/internal/service"
	"github.com/xiaot623/botchat/internal/stats"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	stats   *stats.Engine
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, st *stats.Engine) *Handler {
	return &Handler{
		service: svc,
		stats:   st,
	}
}

// RegisterRoutes registers external routes with the echo server. Admin
// routes require an elevated bearer token.
func (h *Handler) RegisterRoutes(e *echo.Echo, verifier *auth.Verifier) {
	// Chat API
	e.POST("/v1/chat/:session_id/message", h.PostMessage)
	e.POST("/v1/chat/:session_id/rate", h.RateMessage)
	e.GET("/v1/chat/:session_id", h.GetSession)

	// Admin API
	admin := e.Group("/v1/admin", auth.RequireElevated(verifier))
	admin.GET("/sessions", h.ListSessions)
	admin.GET("/sessions/:session_id", h.GetSession)
	admin.GET("/ratings", h.ListRatings)
	admin.GET("/ratings/stats", h.RatingStats)
	admin.GET("/stats/top-questions", h.TopQuestions)
	admin.GET("/stats/bad-replies", h.BadReplies)
}
