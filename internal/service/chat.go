package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/botchat/internal/adapter/knowledge"
	"github.com/xiaot623/botchat/internal/adapter/workflow"
	"github.com/xiaot623/botchat/internal/domain"
	"github.com/xiaot623/botchat/internal/policy"
	"github.com/xiaot623/botchat/internal/protocol"
	"github.com/xiaot623/botchat/internal/settings"
)

const StatusQueued = "queued"

// TurnResult acknowledges an accepted user turn.
type TurnResult struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
	MsgIdx    int64  `json:"msgIdx"`
}

// HandleUserMessage persists a user turn, notifies admin consoles, starts the
// typing heartbeat and hands the turn to the workflow engine in the
// background. It returns as soon as the message is stored.
func (s *Service) HandleUserMessage(ctx context.Context, sessionID, text string, metadata map[string]any) (*TurnResult, error) {
	if sessionID == "" || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: sessionId and text are required", domain.ErrValidation)
	}
	if !s.acceptTurn() {
		return nil, fmt.Errorf("%w: shutting down", domain.ErrUnavailable)
	}
	dispatched := false
	defer func() {
		if !dispatched {
			s.inflight.Done()
		}
	}()

	sess, err := s.store.Append(ctx, sessionID, []domain.Message{{
		Role:     domain.RoleUser,
		Text:     text,
		Metadata: metadata,
	}})
	if err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	s.metrics.MessageAppended(string(domain.RoleUser), 1)
	msg := *sess.Last()

	s.emit(ctx, domain.AdminRoom, protocol.AdminNewMessage{
		BaseMessage: protocol.NewBase(protocol.TypeAdminNewMessage, sessionID),
		Message:     msg,
	})

	s.heartbeat.Start(sessionID)

	dispatched = true
	go s.dispatchTurn(sessionID, text, msg.Metadata)

	return &TurnResult{Status: StatusQueued, SessionID: sessionID, MsgIdx: msg.Seq}, nil
}

// dispatchTurn builds and posts the workflow request. A failure stops the
// heartbeat after the grace delay and ends the turn.
func (s *Service) dispatchTurn(sessionID, text string, metadata map[string]any) {
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.WorkflowTimeout)
	defer cancel()

	req := s.buildRequest(ctx, sessionID, text, metadata)
	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		s.metrics.Dispatch("failed")
		s.logger.Error("failed to post user message",
			zap.String("session_id", sessionID),
			zap.Error(fmt.Errorf("%w: %v", domain.ErrUpstreamDispatch, err)))
		s.heartbeat.StopAfter(sessionID, s.cfg.TypingStopDelay)
		return
	}
	s.metrics.Dispatch("queued")
	s.logger.Debug("turn dispatched", zap.String("session_id", sessionID))
}

func (s *Service) buildRequest(ctx context.Context, sessionID, text string, metadata map[string]any) *workflow.Request {
	cur := s.settings.Current()
	channel := s.cfg.DefaultChannel
	if v, ok := metadata["channel"].(string); ok && v != "" {
		channel = v
	}
	meta := metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return &workflow.Request{
		Bot:       s.cfg.BotName,
		SessionID: sessionID,
		Channel:   channel,
		Text:      text,
		Prompt:    s.buildPrompt(ctx, cur, text),
		Policy:    workflow.Policy{AllowCTA: s.allowCTA(ctx, sessionID, cur.HighIntent(text), cur.CTAEvery)},
		Meta:      meta,
	}
}

// buildPrompt renders the active prompt and appends knowledge snippets when
// the lookup finds any. A failed lookup only drops the snippets.
func (s *Service) buildPrompt(ctx context.Context, cur settings.Settings, text string) string {
	prompt := cur.RenderPrompt()
	snippets, err := s.knowledge.Search(ctx, text, s.cfg.KnowledgeTopK)
	if err != nil {
		s.logger.Warn("knowledge lookup failed", zap.Error(fmt.Errorf("%w: %v", domain.ErrUpstreamLookup, err)))
		return prompt
	}
	if section := knowledge.FormatSection(snippets); section != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += section
	}
	return prompt
}

// allowCTA counts low-intent turns per session and asks the policy whether
// this one may carry a call to action.
func (s *Service) allowCTA(ctx context.Context, sessionID string, highIntent bool, every int) bool {
	now := s.now()
	s.sweepCTA(now)

	in := policy.CTAInput{HighIntent: highIntent, CTAEvery: every}
	if !highIntent {
		v, _ := s.ctaTurns.LoadOrStore(sessionID, new(ctaCounter))
		c := v.(*ctaCounter)
		c.lastSeen.Store(now.UnixNano())
		in.Turn = c.turns.Add(1) - 1
	}
	if s.policy == nil {
		return highIntent
	}
	allowed, err := s.policy.AllowCTA(ctx, in)
	if err != nil {
		s.logger.Warn("cta policy failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return allowed
}

// sweepCTA forgets counters idle for longer than CTAIdle. It runs at most
// once per CTAIdle.
func (s *Service) sweepCTA(now time.Time) {
	last := s.ctaSweep.Load()
	if now.UnixNano()-last < int64(s.cfg.CTAIdle) || !s.ctaSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	cutoff := now.Add(-s.cfg.CTAIdle).UnixNano()
	s.ctaTurns.Range(func(key, v any) bool {
		if v.(*ctaCounter).lastSeen.Load() < cutoff {
			s.ctaTurns.CompareAndDelete(key, v)
		}
		return true
	})
}
