package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/botchat/internal/transport/http/binding"
	"github.com/xiaot623/botchat/internal/transport/http/httperr"
)

// PostMessageRequest is the body of POST /v1/chat/:session_id/message.
type PostMessageRequest struct {
	Text     string         `json:"text" validate:"required"`
	Metadata map[string]any `json:"metadata"`
}

// RateRequest is the body of POST /v1/chat/:session_id/rate.
type RateRequest struct {
	MsgIdx   *int64  `json:"msgIdx" validate:"required,gte=0"`
	Rating   *int    `json:"rating" validate:"required,oneof=0 1"`
	Feedback *string `json:"feedback"`
}

// PostMessage starts a user turn. The reply arrives later over the socket.
// POST /v1/chat/:session_id/message
func (h *Handler) PostMessage(c echo.Context) error {
	var req PostMessageRequest
	if err := binding.BindAndValidate(c, &req); err != nil {
		return httperr.Respond(c, err)
	}

	res, err := h.service.HandleUserMessage(c.Request().Context(), c.Param("session_id"), req.Text, req.Metadata)
	if err != nil {
		return httperr.Respond(c, err)
	}
	return c.JSON(http.StatusAccepted, res)
}

// RateMessage rates one message of a session. Omitting feedback keeps the
// stored one.
// POST /v1/chat/:session_id/rate
func (h *Handler) RateMessage(c echo.Context) error {
	var req RateRequest
	if err := binding.BindAndValidate(c, &req); err != nil {
		return httperr.Respond(c, err)
	}

	sessionID := c.Param("session_id")
	if err := h.service.Rate(c.Request().Context(), sessionID, *req.MsgIdx, *req.Rating, req.Feedback); err != nil {
		return httperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":        true,
		"sessionId": sessionID,
		"msgIdx":    *req.MsgIdx,
	})
}

// GetSession returns the full session log.
// GET /v1/chat/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	sess, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return httperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}
