// Package websocket streams delivery outcomes to connected operators.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carddemo/partner-events/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Feed event types.
const (
	EventDelivered  = "delivery_success"
	EventRetrying   = "delivery_retrying"
	EventDeadLetter = "delivery_dead_letter"
	EventRequeued   = "delivery_requeued"
)

// DeliveryEvent is one webhook attempt outcome as seen by feed clients.
type DeliveryEvent struct {
	Type          string     `json:"type"`
	DeliveryID    int64      `json:"delivery_id"`
	EventID       string     `json:"event_id"`
	EventType     string     `json:"event_type"`
	PartnerID     int64      `json:"partner_id"`
	Status        string     `json:"status"`
	Attempt       int        `json:"attempt"`
	StatusCode    *int       `json:"status_code,omitempty"`
	Error         string     `json:"error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// NewDeliveryEvent describes d after an attempt. statusCode is nil when no
// HTTP response was received.
func NewDeliveryEvent(d *domain.Delivery, statusCode *int, at time.Time) DeliveryEvent {
	ev := DeliveryEvent{
		DeliveryID:    d.ID,
		EventID:       d.EventID,
		EventType:     d.EventType,
		PartnerID:     d.PartnerID,
		Status:        string(d.Status),
		Attempt:       d.AttemptCount,
		StatusCode:    statusCode,
		NextAttemptAt: d.NextAttemptAt,
		Timestamp:     at,
	}
	if d.LastError != nil {
		ev.Error = *d.LastError
	}

	switch d.Status {
	case domain.DeliverySuccess:
		ev.Type = EventDelivered
	case domain.DeliveryDeadLetter:
		ev.Type = EventDeadLetter
	case domain.DeliveryPending:
		ev.Type = EventRequeued
	default:
		ev.Type = EventRetrying
	}
	return ev
}

// Hub fans broadcast messages out to every connected client. A client that
// cannot keep up is disconnected rather than blocking the others.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *slog.Logger
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns client membership until ctx is done. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("feed client connected", "clients", n)

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			var slow []*client
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range slow {
				h.logger.Warn("dropping slow feed client")
				h.drop(c)
			}
		}
	}
}

// join hands c to Run. It reports false once Run has returned.
func (h *Hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// leave hands c back to Run, or does nothing once Run has returned.
func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues event for every client. It never blocks; when the queue
// is full the event is discarded.
func (h *Hub) Broadcast(event DeliveryEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal feed event", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("feed broadcast queue full, dropping event", "delivery_id", event.DeliveryID)
	}
}

// HandleWebSocket upgrades the request and attaches the connection to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.join(c) {
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readLoop discards inbound frames and detects disconnects.
func (c *client) readLoop() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

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

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
