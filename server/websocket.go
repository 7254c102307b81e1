package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a server-to-UI notification pushed over the WebSocket feed.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHub fans server events out to connected UI clients. Slow clients
// are dropped rather than allowed to back up the broadcast loop.
type EventHub struct {
	mu      sync.RWMutex
	clients map[*eventClient]struct{}

	register   chan *eventClient
	unregister chan *eventClient
	broadcast  chan Event
	done       chan struct{}
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

const (
	eventWriteTimeout   = 10 * time.Second
	eventPingInterval   = 25 * time.Second
	eventReadDeadline   = 60 * time.Second
	eventSendBufferSize = 32
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients carry the session cookie; origin enforcement is
	// left to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*eventClient]struct{}),
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
		broadcast:  make(chan Event, 64),
		done:       make(chan struct{}),
	}
}

// Run owns the client set. Call it once from main in its own goroutine.
func (h *EventHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			serverLogger.Debug("Event client connected", "clients", count)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			serverLogger.Debug("Event client disconnected", "clients", count)

		case ev := <-h.broadcast:
			payload, err := json.Marshal(ev)
			if err != nil {
				serverLogger.Error("Failed to marshal event", "type", ev.Type, "error", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					delete(h.clients, c)
					close(c.send)
					serverLogger.Warn("Dropping slow event client", "type", ev.Type)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*eventClient]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues an event for all connected clients. Never blocks the
// caller; if the hub's queue is full the event is dropped.
func (h *EventHub) Broadcast(eventType string, data map[string]interface{}) {
	if h == nil {
		return
	}
	ev := Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
	select {
	case h.broadcast <- ev:
	default:
		serverLogger.Warn("Event queue full, dropping event", "type", eventType)
	}
}

// ClientCount reports connected UI clients, used by /health.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) Stop() {
	close(h.done)
}

// handleEventSocket upgrades an authenticated UI connection to the live
// event feed.
func handleEventSocket(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == nil {
		return
	}

	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		serverLogger.Warn("WebSocket upgrade failed", "ip", getRealIP(r), "error", err)
		return
	}

	client := &eventClient{conn: conn, send: make(chan []byte, eventSendBufferSize)}
	eventsHub.register <- client

	go client.writeLoop()
	client.readLoop()
}

func (c *eventClient) writeLoop() {
	ticker := time.NewTicker(eventPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(eventWriteTimeout))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; the feed is one-way. It exists to
// process pongs and notice disconnects.
func (c *eventClient) readLoop() {
	defer func() {
		select {
		case eventsHub.unregister <- c:
		case <-eventsHub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(eventReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(eventReadDeadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				serverLogger.Debug("Event socket read error", "error", err)
			}
			return
		}
	}
}
