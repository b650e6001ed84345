package notifications

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/carecache/internal/models"
	"github.com/charlesng35/carecache/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16

	defaultBufferSize = 32

	// allHospitals subscribes a connection to every tenant.
	allHospitals = "*"
)

// Event names delivered to subscribers.
const (
	EventActionFailed    = "offline.action_failed"
	EventActionDismissed = "offline.action_dismissed"
	EventPong            = "pong"
)

// Event is the JSON frame pushed to subscribers.
type Event struct {
	Event      string               `json:"event"`
	HospitalID string               `json:"hospital_id,omitempty"`
	Failure    *models.FailedAction `json:"failure,omitempty"`
	At         time.Time            `json:"at"`
}

// Hub fans failure notices out to websocket subscribers grouped by hospital.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*connection]struct{}
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub constructs a notification hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*connection]struct{}),
		log:     logger.WithModule("notifications"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOriginOrLoopback,
		},
	}
}

// Serve upgrades the request and streams notices for hospitalID until the
// client disconnects. An empty hospitalID receives every tenant's notices.
func (h *Hub) Serve(hospitalID string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	key := strings.TrimSpace(hospitalID)
	if key == "" {
		key = allHospitals
	}
	client := &connection{hub: h, socket: conn, key: key, send: make(chan Event, defaultBufferSize)}
	h.add(client)

	go client.writeLoop()
	client.readLoop()
}

// Broadcast delivers event to the subscribers of its hospital and to
// subscribers of every hospital.
func (h *Hub) Broadcast(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.mu.RLock()
	targets := make([]*connection, 0)
	for client := range h.clients[allHospitals] {
		targets = append(targets, client)
	}
	if event.HospitalID != "" {
		for client := range h.clients[event.HospitalID] {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.enqueue(event)
	}
}

// NotifyExhausted announces an offline mutation that will never apply.
func (h *Hub) NotifyExhausted(_ context.Context, failure models.FailedAction) {
	h.Broadcast(Event{Event: EventActionFailed, HospitalID: failure.HospitalID, Failure: &failure})
}

// NotifyDismissed tells other sessions a failure notice was acknowledged.
func (h *Hub) NotifyDismissed(_ context.Context, failure models.FailedAction) {
	h.Broadcast(Event{Event: EventActionDismissed, HospitalID: failure.HospitalID, Failure: &failure})
}

// Subscribers counts open connections.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

func (h *Hub) add(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.key] == nil {
		h.clients[client.key] = make(map[*connection]struct{})
	}
	h.clients[client.key][client] = struct{}{}
}

func (h *Hub) remove(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients := h.clients[client.key]; clients != nil {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.key)
		}
	}
}

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	key    string
	send   chan Event
	mu     sync.Mutex
	closed bool
}

func (c *connection) enqueue(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- event:
	default:
		c.hub.log.Warn("dropping slow notification subscriber", logger.HospitalID(c.key))
		c.closeLocked()
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("notification socket closed", zap.Error(err))
			}
			return
		}

		var ctrl struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(payload, &ctrl) == nil && strings.EqualFold(ctrl.Action, "ping") {
			c.enqueue(Event{Event: EventPong, At: time.Now().UTC()})
		}
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *connection) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.hub.remove(c)
	close(c.send)
}

func sameOriginOrLoopback(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := hostOnly(u.Host)
	if originHost == hostOnly(r.Host) {
		return true
	}
	if ip := net.ParseIP(originHost); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(originHost, "localhost")
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
