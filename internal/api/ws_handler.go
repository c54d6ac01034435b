package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	ws "github.com/vdavid/vmail-leases/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint streaming lease events.
type WebSocketHandler struct {
	hub *ws.Hub
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// For now, allow all origins. This server is expected to be used
		// behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and subscribes it to lease events.
// Authentication is done by the router's middleware, which also accepts ?token=...
// since WebSocket connections cannot set custom headers in browsers.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocketHandler: failed to upgrade connection", "error", err)
		return
	}

	client := h.hub.Register(ws.TopicLeases, conn)
	if client == nil {
		slog.Warn("WebSocketHandler: connection rejected, max connections exceeded")
		return
	}

	go h.readLoop(client)
}

// readLoop reads messages from the WebSocket until the connection is closed.
func (h *WebSocketHandler) readLoop(client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(ws.TopicLeases, client)
}
