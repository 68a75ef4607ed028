// Package gateway serves client websocket connections. Frames addressed to
// a room travel through the broker so every process holding a member of the
// room delivers them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xiaot623/botchat/internal/auth"
	"github.com/xiaot623/botchat/internal/broker"
	"github.com/xiaot623/botchat/internal/domain"
	"github.com/xiaot623/botchat/internal/hub"
	"github.com/xiaot623/botchat/internal/policy"
	"github.com/xiaot623/botchat/internal/protocol"
	"github.com/xiaot623/botchat/internal/service"
)

const handlerTimeout = 10 * time.Second

// Config holds the connection settings of the gateway.
type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	RateLimit      float64 // frames per second; <= 0 disables the limit
	RateBurst      int
}

// TurnHandler starts a chat turn.
type TurnHandler interface {
	HandleUserMessage(ctx context.Context, sessionID, text string, metadata map[string]any) (*service.TurnResult, error)
}

// Server handles WebSocket connections.
type Server struct {
	cfg      Config
	hub      *hub.Hub
	broker   broker.Broker
	verifier *auth.Verifier
	policy   *policy.Engine
	turns    TurnHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg Config, h *hub.Hub, b broker.Broker, v *auth.Verifier, p *policy.Engine, turns TurnHandler, logger *zap.Logger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		hub:      h,
		broker:   b,
		verifier: v,
		policy:   p,
		turns:    turns,
		logger:   logger.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser widgets are embedded on arbitrary sites.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start subscribes the local hub to room traffic. It returns once the
// subscription is live; delivery stops when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	return s.broker.Subscribe(ctx, s.relay)
}

func (s *Server) relay(room string, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		s.logger.Warn("dropping undecodable room frame", zap.String("room", room), zap.Error(err))
		return
	}
	s.hub.BroadcastRoom(room, head.Type, data)
}

// HandleWebSocket authenticates the caller, upgrades the request and joins
// the connection to its initial rooms.
func (s *Server) HandleWebSocket(c echo.Context) error {
	identity, err := s.identify(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}

	conn := s.hub.NewConnection(ws, identity)
	s.hub.Register(conn)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	s.joinInitialRooms(ctx, conn, c.QueryParam("sessionId"))
	cancel()

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// identify maps the request credential to an identity. Requests without a
// credential, or when verification is disabled, are guests.
func (s *Server) identify(r *http.Request) (domain.Identity, error) {
	id, err := s.verifier.Verify(auth.TokenFromRequest(r))
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, auth.ErrNoCredential), errors.Is(err, auth.ErrDisabled):
		return domain.Identity{}, nil
	default:
		return domain.Identity{}, err
	}
}

func (s *Server) joinInitialRooms(ctx context.Context, conn *hub.Connection, sessionID string) {
	var rooms []string
	if sessionID != "" {
		rooms = append(rooms, domain.SessionRoom(sessionID))
	}
	id := conn.Identity
	if id.Verified && id.UserID != "" {
		rooms = append(rooms, domain.UserRoom(id.UserID))
	}
	if id.Verified && id.TenantID != "" {
		rooms = append(rooms, domain.TenantRoom(id.TenantID))
	}
	if s.verifier.IsElevated(id) {
		rooms = append(rooms, domain.AdminRoom)
	}
	for _, room := range rooms {
		if err := s.join(ctx, conn, room); err != nil {
			s.logger.Debug("initial room refused", zap.String("conn_id", conn.ID), zap.String("room", room), zap.Error(err))
		}
	}
}

var errForbidden = errors.New("forbidden")

// join adds conn to room when the room policy allows it.
func (s *Server) join(ctx context.Context, conn *hub.Connection, room string) error {
	kind, roomID, ok := domain.ParseRoom(room)
	if !ok {
		return fmt.Errorf("unknown room %q", room)
	}
	id := conn.Identity
	allowed, err := s.policy.CanJoin(ctx, policy.RoomInput{
		Kind:          kind,
		ID:            roomID,
		Verified:      id.Verified,
		UserID:        id.UserID,
		TenantID:      id.TenantID,
		Role:          id.Role,
		ElevatedRoles: s.verifier.ElevatedRoles(),
	})
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: %s", errForbidden, room)
	}
	s.hub.Join(conn, room)
	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	limit := rate.Inf
	if s.cfg.RateLimit > 0 {
		limit = rate.Limit(s.cfg.RateLimit)
	}
	limiter := rate.NewLimiter(limit, max(s.cfg.RateBurst, 1))

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Info("websocket read failed", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			s.sendError(conn, "", "", protocol.ErrorCodeRateLimited, "too many messages")
			continue
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("websocket write failed", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers. A
// panicking handler fails the frame, never the connection.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var baseMsg protocol.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(conn, "", "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("frame handler panicked",
				zap.String("conn_id", conn.ID),
				zap.String("type", baseMsg.Type),
				zap.Any("panic", r))
			s.sendAck(conn, baseMsg, false, protocol.ErrorCodeInternal, nil)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch baseMsg.Type {
	case protocol.TypeUserMessage:
		s.handleUserMessage(ctx, conn, data)
	case protocol.TypeTyping:
		s.handleTyping(ctx, conn, data)
	case protocol.TypeJoin:
		s.handleRooms(ctx, conn, data, true)
	case protocol.TypeLeave:
		s.handleRooms(ctx, conn, data, false)
	default:
		s.sendError(conn, baseMsg.RequestID, baseMsg.SessionID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
	}
}

// handleUserMessage starts a turn. Frames missing the session or the text
// are dropped without an answer.
func (s *Server) handleUserMessage(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.UserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", "", protocol.ErrorCodeInvalidMessage, "invalid user_message")
		return
	}
	if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
		return
	}

	// The sender sees the bot typing before the turn is even stored.
	s.hub.SendJSONToConnection(conn, protocol.TypingMessage{
		BaseMessage: protocol.NewBase(protocol.TypeTyping, msg.SessionID),
		Role:        string(domain.RoleBot),
	})

	room := domain.SessionRoom(msg.SessionID)
	if err := s.join(ctx, conn, room); err != nil {
		s.logger.Debug("session room refused", zap.String("conn_id", conn.ID), zap.String("room", room), zap.Error(err))
	}

	if _, err := s.turns.HandleUserMessage(ctx, msg.SessionID, msg.Text, msg.Metadata); err != nil {
		s.logger.Error("user message failed",
			zap.String("conn_id", conn.ID),
			zap.String("session_id", msg.SessionID),
			zap.Error(err))
		s.sendAck(conn, msg.BaseMessage, false, err.Error(), nil)
		return
	}
	s.sendAck(conn, msg.BaseMessage, true, "", nil)
}

// handleTyping relays the frame as sent to the session room. Only members
// of that room may signal typing in it.
func (s *Server) handleTyping(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.TypingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", "", protocol.ErrorCodeInvalidMessage, "invalid typing message")
		return
	}
	if msg.SessionID == "" {
		return
	}
	room := domain.SessionRoom(msg.SessionID)
	if !s.hub.InRoom(conn, room) {
		s.sendError(conn, msg.RequestID, msg.SessionID, protocol.ErrorCodeForbidden, "not a member of "+room)
		return
	}
	if err := s.broker.Publish(ctx, room, data); err != nil {
		s.logger.Warn("typing relay failed", zap.String("session_id", msg.SessionID), zap.Error(err))
	}
}

// handleRooms joins or leaves the rooms named by the frame and acks with
// the resulting membership. Joins refused by the room policy fail the ack.
func (s *Server) handleRooms(ctx context.Context, conn *hub.Connection, data []byte, join bool) {
	var msg protocol.RoomMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", "", protocol.ErrorCodeInvalidMessage, "invalid room message")
		return
	}

	var rooms []string
	if msg.SessionID != "" {
		rooms = append(rooms, domain.SessionRoom(msg.SessionID))
	}
	if msg.TenantID != "" {
		rooms = append(rooms, domain.TenantRoom(msg.TenantID))
	}
	rooms = append(rooms, msg.Rooms...)
	if len(rooms) == 0 {
		s.sendAck(conn, msg.BaseMessage, false, "no rooms given", s.hub.Rooms(conn))
		return
	}

	var refused []string
	for _, room := range rooms {
		if !join {
			s.hub.Leave(conn, room)
			continue
		}
		if err := s.join(ctx, conn, room); err != nil {
			refused = append(refused, room)
		}
	}
	if len(refused) > 0 {
		s.sendAck(conn, msg.BaseMessage, false, protocol.ErrorCodeForbidden+": "+strings.Join(refused, ","), s.hub.Rooms(conn))
		return
	}
	s.sendAck(conn, msg.BaseMessage, true, "", s.hub.Rooms(conn))
}

func (s *Server) sendAck(conn *hub.Connection, req protocol.BaseMessage, ok bool, errText string, rooms []string) {
	ack := protocol.AckMessage{
		BaseMessage: protocol.NewBase(protocol.TypeAck, req.SessionID),
		OK:          ok,
		Error:       errText,
		Rooms:       rooms,
	}
	ack.RequestID = req.RequestID
	s.hub.SendJSONToConnection(conn, ack)
}

func (s *Server) sendError(conn *hub.Connection, requestID, sessionID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.NewBase(protocol.TypeError, sessionID),
		Code:        code,
		Message:     message,
	}
	errMsg.RequestID = requestID
	s.hub.SendJSONToConnection(conn, errMsg)
}
