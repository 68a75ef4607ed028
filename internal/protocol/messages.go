// Package protocol defines the websocket frames exchanged with clients.
package protocol

import (
	"time"

	"github.com/xiaot623/botchat/internal/domain"
)

// Frame types from client to gateway
const (
	TypeUserMessage = "user_message"
	TypeTyping      = "typing"
	TypeJoin        = "join"
	TypeLeave       = "leave"
)

// Frame types from gateway to client
const (
	TypeAck             = "ack"
	TypeBotReply        = "bot_reply"
	TypeAdminNewMessage = "admin_new_message"
	TypeBotChunk        = "bot_chunk"
	TypeBotDone         = "bot_done"
	TypeError           = "error"
)

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeRateLimited    = "rate_limited"
	ErrorCodeForbidden      = "forbidden"
	ErrorCodeInternal       = "internal_error"
)

// BaseMessage contains common fields for all frames.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// NewBase stamps a frame header with the current time.
func NewBase(typ, sessionID string) BaseMessage {
	return BaseMessage{Type: typ, Ts: time.Now().UnixMilli(), SessionID: sessionID}
}

// UserMessage carries a user turn.
type UserMessage struct {
	BaseMessage
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TypingMessage is a liveness signal relayed to a session room.
type TypingMessage struct {
	BaseMessage
	Role string `json:"role"`
}

// RoomMessage asks to join or leave rooms.
type RoomMessage struct {
	BaseMessage
	TenantID string   `json:"tenantId,omitempty"`
	Rooms    []string `json:"rooms,omitempty"`
}

// AckMessage answers a client frame that carried a request id.
type AckMessage struct {
	BaseMessage
	OK    bool     `json:"ok"`
	Error string   `json:"error,omitempty"`
	Rooms []string `json:"rooms,omitempty"`
}

// BotReplyMessage delivers a persisted bot reply to the session room.
type BotReplyMessage struct {
	BaseMessage
	Role     string         `json:"role"`
	Text     string         `json:"text"`
	MsgIdx   int64          `json:"msgIdx"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AdminNewMessage feeds admin consoles with every persisted message.
type AdminNewMessage struct {
	BaseMessage
	Message domain.Message `json:"message"`
}

// BotChunkMessage is a partial reply for streaming clients.
type BotChunkMessage struct {
	BaseMessage
	Delta string `json:"delta"`
}

// BotDoneMessage marks the end of a streamed reply.
type BotDoneMessage struct {
	BaseMessage
}

// ErrorMessage reports a rejected frame.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}
