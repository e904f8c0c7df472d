package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Buffered outbound messages per client before the connection is dropped.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens at the API layer. Cross-origin websocket
		// upgrades are allowed so mobile webviews can connect.
		return true
	},
}

// Client is a single websocket subscriber scoped to one savings group.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	groupID string
	manager *ConnectionManager
}

// ClientMessage is the wire structure for messages received from clients.
type ClientMessage struct {
	Type   string `json:"type"`
	DrawID string `json:"draw_id,omitempty"`
}

// FinalizeRequester handles a client's courtesy request to reveal a draw
// whose countdown has elapsed on the client side.
type FinalizeRequester interface {
	RequestFinalize(ctx context.Context, drawID string) error
}

// ConnectionManager fans events out to websocket subscribers keyed by group.
type ConnectionManager struct {
	mu        sync.RWMutex
	groups    map[string]map[*Client]struct{}
	finalizer FinalizeRequester
}

func NewConnectionManager(finalizer FinalizeRequester) *ConnectionManager {
	return &ConnectionManager{
		groups:    make(map[string]map[*Client]struct{}),
		finalizer: finalizer,
	}
}

// HandleWebSocket upgrades the HTTP request and registers the client for the
// group named in the query string.
func (m *ConnectionManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group_id")
	if groupID == "" {
		http.Error(w, "group_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		groupID: groupID,
		manager: m,
	}

	m.register(client)

	go client.writePump()
	go client.readPump()
}

func (m *ConnectionManager) register(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.groups[client.groupID] == nil {
		m.groups[client.groupID] = make(map[*Client]struct{})
	}
	m.groups[client.groupID][client] = struct{}{}

	log.Debug().
		Str("group_id", client.groupID).
		Int("connections", len(m.groups[client.groupID])).
		Msg("websocket client connected")
}

func (m *ConnectionManager) unregister(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(client)
}

// removeLocked detaches a client and closes its send channel. Callers hold
// m.mu; the channel is only ever closed under it, so sends guarded by the
// same lock can never hit a closed channel.
func (m *ConnectionManager) removeLocked(client *Client) {
	clients, ok := m.groups[client.groupID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(m.groups, client.groupID)
	}

	log.Debug().
		Str("group_id", client.groupID).
		Msg("websocket client disconnected")
}

// Broadcast delivers an event to every client subscribed to the group.
// Slow clients that cannot keep up are disconnected rather than blocking
// the fan-out. The sends are non-blocking, so holding the lock for the
// whole fan-out is cheap and keeps them ordered against unregister.
func (m *ConnectionManager) Broadcast(groupID string, event *GameEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("failed to marshal event for broadcast")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var slow []*Client
	for client := range m.groups[groupID] {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		log.Warn().Str("group_id", groupID).Msg("dropping slow websocket client")
		m.removeLocked(client)
		client.conn.Close()
	}
}

// ConnectionCount returns the number of clients subscribed to a group.
func (m *ConnectionManager) ConnectionCount(groupID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups[groupID])
}

// CloseAll disconnects every client. Used during shutdown.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for groupID, clients := range m.groups {
		for client := range clients {
			close(client.send)
			client.conn.Close()
		}
		delete(m.groups, groupID)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("group_id", c.groupID).Msg("websocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Str("group_id", c.groupID).Msg("ignoring malformed client message")
		return
	}

	switch msg.Type {
	case "request_finalize":
		if c.manager.finalizer == nil || msg.DrawID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.manager.finalizer.RequestFinalize(ctx, msg.DrawID); err != nil {
			log.Debug().
				Err(err).
				Str("draw_id", msg.DrawID).
				Msg("client finalize request not honored")
		}
	default:
		log.Debug().Str("type", msg.Type).Msg("unknown client message type")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
