// Package service implements the chat orchestrator: user turns, bot replies,
// the typing heartbeat and ratings.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/botchat/internal/adapter/knowledge"
	"github.com/xiaot623/botchat/internal/adapter/workflow"
	"github.com/xiaot623/botchat/internal/domain"
	"github.com/xiaot623/botchat/internal/metrics"
	"github.com/xiaot623/botchat/internal/policy"
	"github.com/xiaot623/botchat/internal/protocol"
	store "github.com/xiaot623/botchat/internal/repository"
	"github.com/xiaot623/botchat/internal/settings"
)

// Emitter delivers a frame to every connection in a room, on any process.
type Emitter interface {
	Emit(ctx context.Context, room string, frame any) error
}

// Config tunes the orchestrator.
type Config struct {
	BotName         string
	DefaultChannel  string
	WorkflowTimeout time.Duration
	TypingInterval  time.Duration
	TypingStopDelay time.Duration
	TypingMaxAge    time.Duration
	KnowledgeTopK   int

	// CTAIdle is how long a session's call-to-action counter survives
	// without a low-intent turn.
	CTAIdle time.Duration
}

// Deps are the collaborators of a Service. Knowledge, Settings and Metrics
// are optional.
type Deps struct {
	Store      store.Store
	Emitter    Emitter
	Dispatcher workflow.Dispatcher
	Knowledge  knowledge.Searcher
	Settings   settings.Provider
	Policy     *policy.Engine
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type Service struct {
	store      store.Store
	emitter    Emitter
	dispatcher workflow.Dispatcher
	knowledge  knowledge.Searcher
	settings   settings.Provider
	policy     *policy.Engine
	logger     *zap.Logger
	metrics    *metrics.Metrics
	cfg        Config

	heartbeat *Heartbeat
	ctaTurns  sync.Map // session id -> *ctaCounter
	ctaSweep  atomic.Int64
	now       func() time.Time

	// inflight tracks accepted turns until their dispatch ends. Once
	// draining is set no turn is accepted; baseCtx is cancelled on Close.
	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

type ctaCounter struct {
	turns    atomic.Int64
	lastSeen atomic.Int64
}

func New(cfg Config, deps Deps) *Service {
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "webchat"
	}
	if cfg.WorkflowTimeout <= 0 {
		cfg.WorkflowTimeout = 15 * time.Second
	}
	if cfg.TypingStopDelay < 0 {
		cfg.TypingStopDelay = 0
	}
	if cfg.KnowledgeTopK <= 0 {
		cfg.KnowledgeTopK = 5
	}
	if cfg.CTAIdle <= 0 {
		cfg.CTAIdle = 24 * time.Hour
	}
	if deps.Knowledge == nil {
		deps.Knowledge = knowledge.Noop{}
	}
	if deps.Settings == nil {
		deps.Settings = settings.Static(settings.Default())
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:      deps.Store,
		emitter:    deps.Emitter,
		dispatcher: deps.Dispatcher,
		knowledge:  deps.Knowledge,
		settings:   deps.Settings,
		policy:     deps.Policy,
		logger:     deps.Logger.Named("chat"),
		metrics:    deps.Metrics,
		cfg:        cfg,
		now:        time.Now,
		baseCtx:    ctx,
		cancel:     cancel,
	}
	s.heartbeat = NewHeartbeat(cfg.TypingInterval, cfg.TypingMaxAge, s.emitTyping, deps.Metrics)
	return s
}

// Heartbeat exposes the typing tickers.
func (s *Service) Heartbeat() *Heartbeat {
	return s.heartbeat
}

// acceptTurn reserves an in-flight slot for a new turn. It fails once
// Drain has started.
func (s *Service) acceptTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Drain stops accepting user turns and waits for in-flight dispatches, or
// for ctx.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	return s.wait(ctx)
}

// wait blocks until no dispatch is in flight, or until ctx is done.
func (s *Service) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts in-flight dispatches and stops every heartbeat. No turn is
// accepted afterwards.
func (s *Service) Close() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.cancel()
	s.inflight.Wait()
	s.heartbeat.StopAll()
}

func (s *Service) emitTyping(sessionID string) {
	frame := protocol.TypingMessage{
		BaseMessage: protocol.NewBase(protocol.TypeTyping, sessionID),
		Role:        string(domain.RoleBot),
	}
	if err := s.emitter.Emit(s.baseCtx, domain.SessionRoom(sessionID), frame); err != nil {
		s.logger.Debug("typing emit failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Service) emit(ctx context.Context, room string, frame any) {
	if err := s.emitter.Emit(ctx, room, frame); err != nil {
		s.logger.Warn("emit failed", zap.String("room", room), zap.Error(err))
	}
}
