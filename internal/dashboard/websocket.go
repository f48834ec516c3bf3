package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/spotter/internal/controller"
	"github.com/andresmejia3/spotter/internal/logger"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	// Server -> Client messages
	MsgTypeState = "state"

	writeWait = 10 * time.Second
)

// WSMessage is the envelope of every frame pushed to a browser.
type WSMessage struct {
	Type      string            `json:"type"`
	State     *controller.State `json:"state,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// wsClient holds the latest undelivered state for one connection.
type wsClient struct {
	conn *websocket.Conn
	send chan controller.State
}

// Hub fans controller state out to every connected WebSocket.
type Hub struct {
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// The dashboard is a local tool; browsers on any origin may watch it
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		log:     log,
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast queues st for every client. A slow client skips intermediate
// states and only ever receives the newest one.
func (h *Hub) Broadcast(st controller.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case <-cl.send:
		default:
		}
		cl.send <- st
	}
}

// Clients reports how many connections are open.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll drops every connection. Hijacked connections survive an echo
// shutdown, so the server calls this on the way out.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		cl.conn.Close()
	}
}

func (h *Hub) register(conn *websocket.Conn, initial controller.State) *wsClient {
	cl := &wsClient{conn: conn, send: make(chan controller.State, 1)}
	cl.send <- initial
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	return cl
}

func (h *Hub) unregister(cl *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

// Serve upgrades the request and streams state until the browser goes away.
func (h *Hub) Serve(c echo.Context, initial controller.State) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	cl := h.register(ws, initial)
	h.log.Debug(logModule, "websocket client connected from %s", c.RealIP())

	go h.writeLoop(cl)

	// Incoming frames carry nothing; reading only detects the close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn(logModule, "websocket connection error: %v", err)
			}
			break
		}
	}

	h.unregister(cl)
	h.log.Debug(logModule, "websocket client disconnected")
	return nil
}

func (h *Hub) writeLoop(cl *wsClient) {
	for st := range cl.send {
		st := st
		cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		msg := WSMessage{Type: MsgTypeState, State: &st, Timestamp: time.Now().UnixMilli()}
		if err := cl.conn.WriteJSON(msg); err != nil {
			h.log.Warn(logModule, "failed to push state: %v", err)
			cl.conn.Close()
			return
		}
	}
}
