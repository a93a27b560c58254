package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clawd/internal/logging"
	"clawd/internal/notify"
	jsonx "clawd/internal/shared/json"
)

const (
	eventSendBuffer = 16
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = 30 * time.Second
)

// Event is one frame on the live feed.
type Event struct {
	Kind       string    `json:"kind"`
	Identifier string    `json:"identifier,omitempty"`
	Status     string    `json:"status,omitempty"`
	Text       string    `json:"text"`
	At         time.Time `json:"at"`
}

// Hub owns the /events websocket clients and fans broadcast frames out to
// all of them. A client that cannot keep up is dropped rather than allowed
// to backpressure the pipeline.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

// NewHub builds an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed serves operational tooling on the daemon's own
			// listen address, not browsers on foreign origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logging.OrNop(logger),
		clients: map[*eventClient]struct{}{},
	}
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Serve upgrades one HTTP request into a feed subscription.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Event feed upgrade failed: %v", err)
		return
	}
	c := &eventClient{conn: conn, send: make(chan []byte, eventSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	active := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("Event feed client connected (%d active)", active)
	go h.writePump(c)
	go h.readPump(c)
}

// Broadcast sends one event to every connected client.
func (h *Hub) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := jsonx.Marshal(ev)
	if err != nil {
		h.logger.Warn("Event feed encode failed: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Debug("Event feed client dropped: send buffer full")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// unregister removes one client. The send channel closes under the hub lock
// so Broadcast can never write to a closed channel.
func (h *Hub) unregister(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writePump(c *eventClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// readPump consumes control frames and detects the client going away. Feed
// clients send nothing meaningful.
func (h *Hub) readPump(c *eventClient) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// EventSender bridges the notifier to the live feed: every delivered
// notification becomes one feed frame. Registered under the "websocket"
// channel name.
type EventSender struct {
	hub *Hub
}

func NewEventSender(hub *Hub) *EventSender {
	return &EventSender{hub: hub}
}

func (s *EventSender) Channel() string { return "websocket" }

func (s *EventSender) Send(_ context.Context, _ notify.Target, msg notify.Message) error {
	s.hub.Broadcast(Event{
		Kind:       string(msg.Kind),
		Identifier: msg.Data.Identifier,
		Status:     msg.Data.Status,
		Text:       msg.Plain,
	})
	return nil
}
