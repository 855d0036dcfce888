package rpc

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Klingon-tech/klingdex-resolver/internal/swap"
	"github.com/Klingon-tech/klingdex-resolver/pkg/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The server binds to loopback by default; any local origin may listen.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSEvent is one message on the event stream.
type WSEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	OrderHash string      `json:"order_hash,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"` // unix ms
}

// WSSubscription narrows the events a client receives. With no
// subscriptions a client gets everything.
type WSSubscription struct {
	Action    string   `json:"action"` // "subscribe" or "unsubscribe"
	Events    []string `json:"events"`
	OrderHash string   `json:"order_hash,omitempty"`
}

// WSClient is a connected websocket client.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu     sync.RWMutex
	events map[string]bool
	orders map[string]bool
}

func (c *WSClient) wants(ev *WSEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) > 0 && !c.events[ev.Type] {
		return false
	}
	if len(c.orders) > 0 && !c.orders[strings.ToLower(ev.OrderHash)] {
		return false
	}
	return true
}

// WSHub fans coordinator events out to websocket clients.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a hub. Run must be started before clients connect.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSEvent, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run is the hub event loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", n)

		case client := <-h.unregister:
			h.remove(client)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("Failed to marshal event", "type", event.Type, "error", err)
				continue
			}

			var slow []*WSClient
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(event) {
					continue
				}
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range slow {
				h.log.Warn("Dropping slow WebSocket client")
				h.remove(client)
			}
		}
	}
}

func (h *WSHub) remove(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Stop disconnects all clients and ends Run.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Broadcast queues a coordinator event for delivery. Events are dropped when
// the queue is full.
func (h *WSHub) Broadcast(ev swap.SwapEvent) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	event := &WSEvent{
		ID:        uuid.NewString(),
		Type:      ev.EventType,
		OrderHash: ev.OrderHash,
		Data:      ev.Data,
		Timestamp: ts.UnixMilli(),
	}

	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "type", event.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		hub:    s.hub,
		events: make(map[string]bool),
		orders: make(map[string]bool),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			return
		}
		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.subscribe(&sub)
		}
	}
}

// writePump sends one event per frame.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) subscribe(sub *WSSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	order := strings.ToLower(sub.OrderHash)
	switch sub.Action {
	case "subscribe":
		for _, e := range sub.Events {
			c.events[e] = true
		}
		if order != "" {
			c.orders[order] = true
		}
	case "unsubscribe":
		for _, e := range sub.Events {
			delete(c.events, e)
		}
		if order != "" {
			delete(c.orders, order)
		}
	}
}
