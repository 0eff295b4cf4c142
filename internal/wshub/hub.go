// Copyright 2025 James Ross
package wshub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jobrelay/jobrelay/internal/obs"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans broadcast messages out to connected push subscribers. Each client
// owns a bounded outbound buffer; a client whose buffer is full is treated
// as dead and evicted so one slow reader cannot stall the broadcaster.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once

	mu           sync.RWMutex
	messagesSent int64

	log *zap.Logger
}

// Client is one connected push subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func New(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's event loop; call it as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			obs.PushSubscribers.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			obs.PushSubscribers.Set(float64(n))
			h.log.Debug("push subscriber connected", obs.Int("subscribers", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			obs.PushSubscribers.Set(float64(n))
			h.log.Debug("push subscriber disconnected", obs.Int("subscribers", n))

		case data := <-h.broadcast:
			var dead []*Client
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- data:
					h.messagesSent++
				default:
					dead = append(dead, client)
				}
			}
			h.mu.RUnlock()

			if len(dead) > 0 {
				h.mu.Lock()
				for _, c := range dead {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				obs.PushSubscribers.Set(float64(n))
				h.log.Warn("evicted slow push subscribers", obs.Int("evicted", len(dead)))
			}
		}
	}
}

// Stop shuts the event loop down and closes all client buffers.
func (h *Hub) Stop() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Broadcast marshals the message and queues it for all subscribers. The
// message map must carry a "type" key. Best-effort: when the hub's own
// queue is full the message is dropped.
func (h *Hub) Broadcast(message map[string]any) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Warn("failed to marshal push message", obs.Err(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.log.Warn("push broadcast queue full, dropping message")
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MessagesSent returns the lifetime count of delivered frames.
func (h *Hub) MessagesSent() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.messagesSent
}

// ServeWS upgrades an HTTP request to a push subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", obs.Err(err))
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		// Inbound frames are drained and ignored; the push plane is
		// broadcast-only today.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
