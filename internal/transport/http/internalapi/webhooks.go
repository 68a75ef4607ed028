package internalapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/botchat/internal/domain"
	"github.com/xiaot623/botchat/internal/transport/http/binding"
	"github.com/xiaot623/botchat/internal/transport/http/httperr"
)

// BotReplyRequest is the body of the bot-reply webhook.
type BotReplyRequest struct {
	Text     string         `json:"text" validate:"required"`
	Metadata map[string]any `json:"metadata"`
}

// ConversationMessage is one raw message posted by the workflow engine.
type ConversationMessage struct {
	Role      domain.Role    `json:"role" validate:"required,oneof=user bot"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp *time.Time     `json:"timestamp"`
}

// ConversationRequest is the body of the conversation webhook.
type ConversationRequest struct {
	Messages []ConversationMessage `json:"messages" validate:"required,min=1,dive"`
}

// BotStreamRequest is the body of the bot-stream webhook.
type BotStreamRequest struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
}

// BotReply persists a generated reply and fans it out.
// POST /v1/webhooks/bot-reply/:session_id
func (h *Handler) BotReply(c echo.Context) error {
	var req BotReplyRequest
	if err := binding.BindAndValidate(c, &req); err != nil {
		return httperr.Respond(c, err)
	}
	res, err := h.service.HandleBotReply(c.Request().Context(), c.Param("session_id"), req.Text, req.Metadata)
	if err != nil {
		return httperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Conversation appends raw messages, keeping producer timestamps.
// POST /v1/webhooks/conversation/:session_id
func (h *Handler) Conversation(c echo.Context) error {
	var req ConversationRequest
	if err := binding.BindAndValidate(c, &req); err != nil {
		return httperr.Respond(c, err)
	}

	msgs := make([]domain.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := domain.Message{Role: m.Role, Text: m.Text, Metadata: m.Metadata}
		if m.Timestamp != nil {
			msg.CreatedAt = *m.Timestamp
		}
		msgs = append(msgs, msg)
	}

	sess, err := h.service.AppendConversation(c.Request().Context(), c.Param("session_id"), msgs)
	if err != nil {
		return httperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

// BotStream relays partial output to the session room.
// POST /v1/webhooks/bot-stream/:session_id
func (h *Handler) BotStream(c echo.Context) error {
	var req BotStreamRequest
	if err := binding.BindAndValidate(c, &req); err != nil {
		return httperr.Respond(c, err)
	}
	if req.Delta == "" && !req.Done {
		return httperr.BadRequest(c, "delta or done is required")
	}
	if err := h.service.StreamChunk(c.Request().Context(), c.Param("session_id"), req.Delta, req.Done); err != nil {
		return httperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
