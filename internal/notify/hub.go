package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// AllJobs subscribes a client to every job.
const AllJobs = "all"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ErrHubFull is returned by Send when the broadcast buffer is saturated.
var ErrHubFull = errors.New("websocket hub broadcast buffer full")

// Hub keeps websocket subscribers keyed by job id and broadcasts
// notifications to the job's subscribers and to AllJobs subscribers.
type Hub struct {
	clients    map[string]map[*Client]bool
	broadcast  chan Notification
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

// NewHub creates a hub. allowOrigin decides websocket origin checks; nil
// accepts every origin.
func NewHub(log *zap.Logger, allowOrigin func(*http.Request) bool) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan Notification, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowOrigin,
		},
		log: log.Named("ws"),
	}
}

// Run is the hub's event loop. On exit every client is disconnected.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for key, clients := range h.clients {
				for c := range clients {
					close(c.send)
				}
				delete(h.clients, key)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.clients[c.jobID] == nil {
				h.clients[c.jobID] = make(map[*Client]bool)
			}
			h.clients[c.jobID][c] = true
			h.mu.Unlock()
			h.log.Debug("websocket client connected", zap.String("job_id", c.jobID))

		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			h.mu.Unlock()
			h.log.Debug("websocket client disconnected", zap.String("job_id", c.jobID))

		case n := <-h.broadcast:
			h.mu.Lock()
			h.fanOutLocked(string(n.JobID), n)
			h.fanOutLocked(AllJobs, n)
			h.mu.Unlock()
		}
	}
}

// removeLocked expects h.mu to be held.
func (h *Hub) removeLocked(c *Client) {
	clients, ok := h.clients[c.jobID]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.clients, c.jobID)
	}
}

// fanOutLocked drops clients that cannot keep up.
func (h *Hub) fanOutLocked(key string, n Notification) {
	if key == "" {
		return
	}
	for c := range h.clients[key] {
		select {
		case c.send <- n:
		default:
			h.removeLocked(c)
		}
	}
}

func (h *Hub) Name() string { return "websocket" }

// Send queues n for broadcast.
func (h *Hub) Send(_ context.Context, n Notification) error {
	select {
	case h.broadcast <- n:
		return nil
	default:
		return ErrHubFull
	}
}

// ClientCount returns the number of subscribers for key.
func (h *Hub) ClientCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[key])
}

// ServeWS upgrades the request and subscribes the connection to jobID
// (AllJobs when empty).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, jobID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	if jobID == "" {
		jobID = AllJobs
	}
	c := &Client{hub: h, conn: conn, send: make(chan Notification, 256), jobID: jobID}
	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return r.Context().Err()
	}
	go c.writePump()
	go c.readPump()
	return nil
}

// Client is one websocket subscriber.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan Notification
	jobID string
}

func (c *Client) readPump() {
	defer func() {
		// the hub may already be gone
		select {
		case c.hub.unregister <- c:
		case <-time.After(time.Second):
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
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
		case n, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(n); err != nil {
				c.hub.log.Debug("websocket write error", zap.Error(err))
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
