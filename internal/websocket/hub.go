package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds a single message write to a slow client.
const writeTimeout = 5 * time.Second

// Client wraps a WebSocket connection.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// write serializes writes, since a connection supports one concurrent writer.
func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages active WebSocket connections per topic.
// It supports multiple connections per topic (e.g., multiple dashboards).
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]map[*Client]struct{} // topic -> set of clients
	maxPerTopic int
	logger      *slog.Logger
}

// NewHub creates a new Hub with a per-topic connection limit.
func NewHub(maxPerTopic int) *Hub {
	if maxPerTopic <= 0 {
		maxPerTopic = 10
	}
	return &Hub{
		clients:     make(map[string]map[*Client]struct{}),
		maxPerTopic: maxPerTopic,
		logger:      slog.Default().With("component", "websocket_hub"),
	}
}

// Register adds a WebSocket connection for the given topic.
// If the per-topic limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(topic string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	topicClients, ok := h.clients[topic]
	if !ok {
		topicClients = make(map[*Client]struct{})
		h.clients[topic] = topicClients
	}

	if len(topicClients) >= h.maxPerTopic {
		h.logger.Warn("topic exceeded max connections, closing new connection", "topic", topic, "max", h.maxPerTopic)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this topic"),
			// Zero deadline - best effort.
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	topicClients[client] = struct{}{}
	return client
}

// Unregister removes a client for the given topic and closes the connection.
func (h *Hub) Unregister(topic string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if topicClients, ok := h.clients[topic]; ok {
		delete(topicClients, client)
		if len(topicClients) == 0 {
			delete(h.clients, topic)
		}
	}

	_ = client.conn.Close()
}

// Send broadcasts a message to all active clients of the topic.
func (h *Hub) Send(topic string, msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[topic]))
	for client := range h.clients[topic] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(msg); err != nil {
			h.logger.Warn("failed to write message", "topic", topic, "error", err)
			// Best-effort cleanup: unregister this client.
			go h.Unregister(topic, client)
		}
	}
}

// ActiveConnections returns the number of active WebSocket connections for a topic.
func (h *Hub) ActiveConnections(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[topic])
}
