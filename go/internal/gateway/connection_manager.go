package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// MessageHandler consumes inbound traffic from connections the manager
// owns.
type MessageHandler interface {
	HandleMessage(conn *Connection, raw []byte)
	HandleDisconnect(conn *Connection)
}

// ConnectionManager owns all WebSocket connections and the per-room
// broadcast groups they belong to.
type ConnectionManager struct {
	// Connection pools organized by room code
	roomConnections map[string]map[*Connection]bool
	// All live connections by connection ID
	byID map[string]*Connection
	mu   sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  MessageHandler

	broadcastCh chan broadcastMessage
}

// Connection represents one WebSocket connection to a client. Identity
// (room and user) is empty until the client's join event resolves.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time

	mu       sync.Mutex
	roomCode string
	userID   string
}

// SetIdentity records the resolved (room, user) identity after a join.
func (c *Connection) SetIdentity(roomCode, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomCode = roomCode
	c.userID = userID
}

// Identity returns the connection's resolved room and user, empty until
// the client has joined.
func (c *Connection) Identity() (roomCode, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode, c.userID
}

// ConnectionConfig holds configuration for WebSocket connections.
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

type broadcastMessage struct {
	roomCode string
	message  *ServerMessage
	// Recipients are fixed when the push is queued. A connection that
	// joins the room afterwards belongs to later pushes only; resolving
	// membership at dequeue time would hand it a stale snapshot.
	targets []*Connection
}

// NewConnectionManager creates a new WebSocket connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		byID:            make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 256),
	}
}

// SetHandler wires the inbound message handler. Must be called before
// the first upgrade.
func (cm *ConnectionManager) SetHandler(handler MessageHandler) {
	cm.handler = handler
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection
// and starts its read and write pumps. The connection holds no room
// membership until its join event is handled.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 64),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.register(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Msg("WebSocket connection established")

	return nil
}

// register adds a connection to the ID index.
func (cm *ConnectionManager) register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[conn.ID] = conn
}

// JoinRoom moves a connection into a room's broadcast group, leaving any
// previous group first.
func (cm *ConnectionManager) JoinRoom(conn *Connection, roomCode string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.leaveRoomLocked(conn)

	if cm.roomConnections[roomCode] == nil {
		cm.roomConnections[roomCode] = make(map[*Connection]bool)
	}
	cm.roomConnections[roomCode][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_code", roomCode).
		Int("total_connections", len(cm.roomConnections[roomCode])).
		Msg("connection joined broadcast group")
}

// Detach removes a connection from its broadcast group and closes it.
// Returns false when the connection is no longer live. This is the
// eviction path the tracker uses to resolve duplicate connections.
func (cm *ConnectionManager) Detach(connectionID string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[connectionID]
	if ok {
		cm.leaveRoomLocked(conn)
		delete(cm.byID, connectionID)
		close(conn.Send)
	}
	cm.mu.Unlock()

	if !ok {
		return false
	}
	if conn.Conn != nil {
		conn.Conn.Close()
	}

	log.Info().
		Str("connection_id", connectionID).
		Msg("connection detached")
	return true
}

// unregister removes a connection from the manager. Safe to call more
// than once for the same connection.
func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.byID[conn.ID]; !exists {
		return
	}
	cm.leaveRoomLocked(conn)
	delete(cm.byID, conn.ID)
	close(conn.Send)

	log.Info().
		Str("connection_id", conn.ID).
		Msg("connection unregistered")
}

// leaveRoomLocked removes the connection from its current broadcast
// group, pruning the group when it empties. Caller holds cm.mu.
func (cm *ConnectionManager) leaveRoomLocked(conn *Connection) {
	for roomCode, connections := range cm.roomConnections {
		if connections[conn] {
			delete(connections, conn)
			if len(connections) == 0 {
				delete(cm.roomConnections, roomCode)
			}
			return
		}
	}
}

// PushToRoom queues a snapshot push to every connection currently in a
// room's broadcast group, optionally excluding one connection (the
// joiner that already received its own direct sync). The recipient set
// is captured here, not when the queue drains.
func (cm *ConnectionManager) PushToRoom(roomCode string, message *ServerMessage, excludeConnectionID string) {
	cm.mu.RLock()
	connections := cm.roomConnections[roomCode]
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		if excludeConnectionID != "" && conn.ID == excludeConnectionID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	select {
	case cm.broadcastCh <- broadcastMessage{roomCode: roomCode, message: message, targets: targets}:
	default:
		log.Warn().Str("room_code", roomCode).Msg("broadcast channel full, dropping message")
	}
}

// PushToConnection sends a snapshot directly to one connection.
func (cm *ConnectionManager) PushToConnection(connectionID string, message *ServerMessage) {
	cm.mu.RLock()
	conn, ok := cm.byID[connectionID]
	cm.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for push")
		return
	}
	cm.send(conn, data)
}

// handleBroadcast fans one queued message out to the recipients fixed
// at enqueue time. Connections detached in the meantime are skipped by
// the liveness check in send.
func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	// Marshal once for the whole group
	data, err := json.Marshal(message.message)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for broadcast")
		return
	}

	for _, conn := range message.targets {
		cm.send(conn, data)
	}

	log.Debug().
		Str("room_code", message.roomCode).
		Str("reason", message.message.Reason).
		Int("connections", len(message.targets)).
		Msg("room state broadcasted")
}

// send delivers raw bytes to a connection, disconnecting it when its
// buffer is full (slow or dead client). The Send channel is only ever
// closed under cm.mu, so holding the read lock across the send keeps
// it from racing a concurrent Detach or unregister.
func (cm *ConnectionManager) send(conn *Connection, data []byte) {
	cm.mu.RLock()
	if cm.byID[conn.ID] != conn {
		cm.mu.RUnlock()
		return
	}
	select {
	case conn.Send <- data:
		cm.mu.RUnlock()
		return
	default:
	}
	cm.mu.RUnlock()

	log.Warn().
		Str("connection_id", conn.ID).
		Msg("connection send buffer full, closing connection")
	cm.unregister(conn)
	if conn.Conn != nil {
		conn.Conn.Close()
	}
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	total := 0
	roomCounts := make(map[string]int)
	for roomCode, connections := range cm.roomConnections {
		roomCounts[roomCode] = len(connections)
		total += len(connections)
	}

	return map[string]interface{}{
		"total_connections":   len(cm.byID),
		"grouped_connections": total,
		"active_rooms":        len(cm.roomConnections),
		"room_connections":    roomCounts,
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		if c.Conn != nil {
			c.Conn.Close()
		}
		c.Manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection and
// dispatching them to the message handler.
func (c *Connection) readPump() {
	defer func() {
		if c.Manager.handler != nil {
			c.Manager.handler.HandleDisconnect(c)
		}
		c.Manager.unregister(c)
		if c.Conn != nil {
			c.Conn.Close()
		}
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.Manager.handler != nil {
			c.Manager.handler.HandleMessage(c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
