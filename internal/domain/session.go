// Package domain holds the conversation types shared by the store, the
// aggregation engine and the chat orchestrator.
package domain

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// Rating values accepted by the rate operation.
const (
	RatingNegative = 0
	RatingPositive = 1
)

// Message is one entry of a session log.
//
// Seq is assigned by the store at append time. It is zero-based, monotonic
// per session and never reused, so it doubles as the message position while
// the log stays append-only.
type Message struct {
	Seq       int64          `json:"seq"`
	Role      Role           `json:"role"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"timestamp"`
	Rating    *int           `json:"rating,omitempty"`
	Feedback  *string        `json:"feedback,omitempty"`
}

// Rated reports whether the message carries a rating.
func (m Message) Rated() bool {
	return m.Rating != nil
}

// Session is the ordered message log of one conversation.
type Session struct {
	SessionID string    `json:"sessionId"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Last returns the most recently appended message, or nil for an empty log.
func (s *Session) Last() *Message {
	if s == nil || len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// SessionInfo is the session header handed to message scanners.
type SessionInfo struct {
	SessionID string
	UpdatedAt time.Time
}

// PrepareMessages fills the defaults of messages about to be appended:
// an empty metadata map and a creation timestamp of now.
func PrepareMessages(msgs []Message, now time.Time) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Metadata == nil {
			m.Metadata = map[string]any{}
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.Rating = nil
		m.Feedback = nil
		out[i] = m
	}
	return out
}
