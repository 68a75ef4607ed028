// Package hub tracks the websocket connections of this process and the rooms
// each one belongs to.
package hub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiaot623/botchat/internal/domain"
	"github.com/xiaot623/botchat/internal/metrics"
)

const sendBuffer = 256

// Connection represents a single WebSocket connection.
type Connection struct {
	ID       string
	Identity domain.Identity
	Conn     *websocket.Conn
	Send     chan []byte
	hub      *Hub
	mu       sync.Mutex

	registered chan struct{}

	// rooms is guarded by hub.mu.
	rooms map[string]bool
}

// Hub manages all WebSocket connections.
type Hub struct {
	connections map[string]*Connection
	// rooms maps a room name to the connections joined to it.
	rooms map[string]map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *RoomMessage
	done       chan struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics
	mu      sync.RWMutex
}

// RoomMessage is a frame addressed to every member of a room.
type RoomMessage struct {
	Room  string
	Event string
	Data  []byte
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *RoomMessage, sendBuffer),
		done:        make(chan struct{}),
		logger:      logger.Named("hub"),
		metrics:     m,
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			close(conn.registered)
			h.metrics.ConnectionOpened()
			h.logger.Debug("connection registered", zap.String("conn_id", conn.ID), zap.String("user_id", conn.Identity.UserID))

		case conn := <-h.unregister:
			h.mu.Lock()
			removed := h.remove(conn)
			h.mu.Unlock()
			if removed {
				h.metrics.ConnectionClosed()
				h.logger.Debug("connection unregistered", zap.String("conn_id", conn.ID))
			}

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *RoomMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	defer func() { h.metrics.EventRelayed(msg.Event, delivered) }()
	for connID, conn := range h.rooms[msg.Room] {
		select {
		case conn.Send <- msg.Data:
			delivered++
		default:
			h.logger.Warn("connection buffer full, closing", zap.String("conn_id", connID))
			go h.Unregister(conn)
		}
	}
}

// remove drops conn from every index. Callers hold h.mu.
func (h *Hub) remove(conn *Connection) bool {
	if _, ok := h.connections[conn.ID]; !ok {
		return false
	}
	delete(h.connections, conn.ID)
	for room := range conn.rooms {
		h.leaveLocked(conn, room)
	}
	close(conn.Send)
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.connections {
		h.remove(conn)
		conn.Close()
		h.metrics.ConnectionClosed()
	}
}

// NewConnection creates a connection for ws. It is not registered yet.
func (h *Hub) NewConnection(ws *websocket.Conn, identity domain.Identity) *Connection {
	return &Connection{
		ID:       uuid.New().String(),
		Identity: identity,
		Conn:     ws,
		Send:     make(chan []byte, sendBuffer),
		hub:      h,
		rooms:    make(map[string]bool),

		registered: make(chan struct{}),
	}
}

// Register registers a connection with the hub. It returns once the
// connection can join rooms.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		return
	}
	select {
	case <-conn.registered:
	case <-h.done:
	}
}

// Unregister removes the connection from the hub and all of its rooms.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Join adds conn to room.
func (h *Hub) Join(conn *Connection, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Connection)
	}
	h.rooms[room][conn.ID] = conn
	conn.rooms[room] = true
}

// Leave removes conn from room.
func (h *Hub) Leave(conn *Connection, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conn, room)
}

func (h *Hub) leaveLocked(conn *Connection, room string) {
	delete(conn.rooms, room)
	if members := h.rooms[room]; members != nil {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// InRoom reports whether conn is a local member of room.
func (h *Hub) InRoom(conn *Connection, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return conn.rooms[room]
}

// Rooms returns the rooms conn belongs to, sorted.
func (h *Hub) Rooms(conn *Connection) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// BroadcastRoom queues data for every local member of room. event labels
// the delivery in metrics.
func (h *Hub) BroadcastRoom(room, event string, data []byte) {
	select {
	case h.broadcast <- &RoomMessage{Room: room, Event: event, Data: data}:
	case <-h.done:
	}
}

// SendToConnection sends a message to a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) (err error) {
	// Send is closed once the hub drops the connection.
	defer func() {
		if recover() != nil {
			err = ErrConnectionClosed
		}
	}()
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetRoomCount returns the number of rooms with at least one member.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// HasActiveConnections checks if a room has any local members.
func (h *Hub) HasActiveConnections(room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room]) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}

// ErrConnectionClosed is returned when sending to a dropped connection.
var ErrConnectionClosed = &ClosedError{}

// ClosedError represents a send on a dropped connection.
type ClosedError struct{}

func (e *ClosedError) Error() string {
	return "connection closed"
}
