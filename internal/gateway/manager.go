// Package gateway fans room session state out to WebSocket clients. Each
// connection owns one sync session for its (room, user) pair: inbound
// frames carry client commands, outbound frames carry state snapshots,
// notices, and poke signals.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"scrumdeck/internal/auth"
	"scrumdeck/internal/notify"
	"scrumdeck/internal/room"
)

// ConnectionConfig holds WebSocket tuning.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Manager upgrades connections and tracks them per room. The session
// template carries the shared collaborators (store, feed, presence,
// clock); identity, notifier, and hooks are bound per connection.
type Manager struct {
	template room.Config
	config   ConnectionConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[uuid.UUID]map[*Connection]bool
}

// NewManager creates a connection manager.
func NewManager(template room.Config, config ConnectionConfig) *Manager {
	return &Manager{
		template: template,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		rooms: make(map[uuid.UUID]map[*Connection]bool),
	}
}

// Connection is one WebSocket client with its own sync session.
type Connection struct {
	ID      string
	UserID  string
	RoomID  uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
	refresh chan struct{}
	manager *Manager
	session *room.Session

	// sendMu serializes sends on Send against its close, so a notice or
	// poke racing a disconnect cannot hit a closed channel.
	sendMu     sync.Mutex
	sendClosed bool

	ConnectedAt time.Time
	LastPing    time.Time
}

// trySend enqueues without blocking. A closed channel counts as delivered;
// the connection is already going away. Returns false only on a full buffer.
func (c *Connection) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return true
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}

// Upgrade upgrades an HTTP request, builds the session, and starts the
// connection pumps. The session is enabled before the first snapshot is
// sent so the client never sees a partially fetched room.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, userID string, roomID uuid.UUID) error {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		RoomID:      roomID,
		Conn:        ws,
		Send:        make(chan []byte, 256),
		refresh:     make(chan struct{}, 1),
		manager:     m,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cfg := m.template
	cfg.Identity = auth.Static(userID)
	cfg.Notifier = notify.Func(conn.sendNotice)
	cfg.PlaySignalCue = conn.sendPoke
	cfg.OnChange = conn.requestSnapshot
	conn.session = room.NewSession(roomID, cfg)

	m.register(conn)
	go conn.writePump()
	go conn.readPump()

	if err := conn.session.SetEnabled(r.Context(), true); err != nil {
		log.Error().Err(err).Str("room_id", roomID.String()).Str("user_id", userID).Msg("session enable failed")
		conn.sendNotice(notify.Notice{Severity: notify.SeverityError, Title: "Connection failed", Detail: err.Error()})
	}
	conn.requestSnapshot()

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", userID).
		Str("room_id", roomID.String()).
		Msg("WebSocket connection established")
	return nil
}

func (m *Manager) register(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[conn.RoomID] == nil {
		m.rooms[conn.RoomID] = make(map[*Connection]bool)
	}
	m.rooms[conn.RoomID][conn] = true
}

func (m *Manager) unregister(conn *Connection) {
	m.mu.Lock()
	conns, exists := m.rooms[conn.RoomID]
	removed := false
	if exists {
		if _, ok := conns[conn]; ok {
			delete(conns, conn)
			removed = true
			if len(conns) == 0 {
				delete(m.rooms, conn.RoomID)
			}
		}
	}
	m.mu.Unlock()

	if removed {
		conn.closeSend()
		conn.session.SetEnabled(context.Background(), false)
		log.Info().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Str("room_id", conn.RoomID.String()).
			Msg("connection unregistered")
	}
}

// Stats returns connection counts per room.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{RoomConnections: make(map[string]int)}
	for roomID, conns := range m.rooms {
		stats.TotalConnections += len(conns)
		stats.RoomConnections[roomID.String()] = len(conns)
	}
	stats.ActiveRooms = len(m.rooms)
	return stats
}

// Shutdown closes every connection and disables its session.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	var all []*Connection
	for _, conns := range m.rooms {
		for conn := range conns {
			all = append(all, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range all {
		conn.Conn.Close()
		m.unregister(conn)
	}
}

// requestSnapshot marks the connection dirty. Sends coalesce: a snapshot in
// flight absorbs any number of change notifications behind it.
func (c *Connection) requestSnapshot() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

func (c *Connection) sendPoke() {
	c.enqueue(Frame{Type: FramePoke})
}

func (c *Connection) sendNotice(n notify.Notice) {
	c.enqueue(Frame{Type: FrameNotice, Notice: &n})
}

func (c *Connection) enqueue(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("marshal frame")
		return
	}
	if !c.trySend(data) {
		log.Warn().
			Str("connection_id", c.ID).
			Str("user_id", c.UserID).
			Msg("connection send buffer full, closing connection")
		c.manager.unregister(c)
		c.Conn.Close()
	}
}

// writePump sends queued frames and snapshots, and keeps the connection
// alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
				return
			}

		case <-c.refresh:
			snapshot := buildSnapshot(c.session, c.UserID)
			data, err := json.Marshal(Frame{Type: FrameSnapshot, Snapshot: &snapshot})
			if err != nil {
				log.Error().Err(err).Msg("marshal snapshot")
				continue
			}
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write snapshot")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump decodes and dispatches client commands.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			break
		}
		c.handleCommand(context.Background(), message)
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
