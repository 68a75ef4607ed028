package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xiaot623/botchat/internal/domain"
	"github.com/xiaot623/botchat/internal/protocol"
)

// ReplyResult addresses a persisted bot reply.
type ReplyResult struct {
	SessionID string `json:"sessionId"`
	MsgIdx    int64  `json:"msgIdx"`
}

// HandleBotReply persists a generated reply and fans it out to the session
// room and the admin room.
func (s *Service) HandleBotReply(ctx context.Context, sessionID, text string, metadata map[string]any) (*ReplyResult, error) {
	if sessionID == "" || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: sessionId and text are required", domain.ErrValidation)
	}

	s.heartbeat.Stop(sessionID)

	sess, err := s.store.Append(ctx, sessionID, []domain.Message{{
		Role:     domain.RoleBot,
		Text:     text,
		Metadata: metadata,
	}})
	if err != nil {
		return nil, fmt.Errorf("append bot reply: %w", err)
	}
	s.metrics.MessageAppended(string(domain.RoleBot), 1)
	msg := *sess.Last()

	s.emit(ctx, domain.SessionRoom(sessionID), protocol.BotReplyMessage{
		BaseMessage: protocol.NewBase(protocol.TypeBotReply, sessionID),
		Role:        string(domain.RoleBot),
		Text:        msg.Text,
		MsgIdx:      msg.Seq,
		Metadata:    msg.Metadata,
	})
	s.emit(ctx, domain.AdminRoom, protocol.AdminNewMessage{
		BaseMessage: protocol.NewBase(protocol.TypeAdminNewMessage, sessionID),
		Message:     msg,
	})

	return &ReplyResult{SessionID: sessionID, MsgIdx: msg.Seq}, nil
}

// AppendConversation stores raw messages posted by the workflow engine.
// Producer timestamps are kept.
func (s *Service) AppendConversation(ctx context.Context, sessionID string, msgs []domain.Message) (*domain.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", domain.ErrValidation)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: messages are required", domain.ErrValidation)
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("%w: message %d has unknown role %q", domain.ErrValidation, i, m.Role)
		}
	}
	sess, err := s.store.Append(ctx, sessionID, msgs)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		s.metrics.MessageAppended(string(m.Role), 1)
	}
	return sess, nil
}

// StreamChunk relays partial output. The first chunk ends the typing
// indicator; done closes the stream.
func (s *Service) StreamChunk(ctx context.Context, sessionID, delta string, done bool) error {
	if sessionID == "" {
		return fmt.Errorf("%w: sessionId is required", domain.ErrValidation)
	}
	s.heartbeat.Stop(sessionID)
	room := domain.SessionRoom(sessionID)
	if delta != "" {
		if err := s.emitter.Emit(ctx, room, protocol.BotChunkMessage{
			BaseMessage: protocol.NewBase(protocol.TypeBotChunk, sessionID),
			Delta:       delta,
		}); err != nil {
			return err
		}
	}
	if done {
		return s.emitter.Emit(ctx, room, protocol.BotDoneMessage{
			BaseMessage: protocol.NewBase(protocol.TypeBotDone, sessionID),
		})
	}
	return nil
}

// Rate sets the rating of one message.
func (s *Service) Rate(ctx context.Context, sessionID string, msgIdx int64, rating int, feedback *string) error {
	if rating != domain.RatingNegative && rating != domain.RatingPositive {
		return fmt.Errorf("%w: rating must be 0 or 1", domain.ErrValidation)
	}
	return s.store.Rate(ctx, sessionID, msgIdx, rating, feedback)
}

// GetSession returns the session log or ErrNotFound.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.store.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return sess, nil
}

// ListSessions pages through sessions, most recently updated first.
func (s *Service) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, int, error) {
	return s.store.FindAll(ctx, filter)
}
