package gateway

import (
	"sync"

	"github.com/Shasikumar10/Chat-App/internal/delivery"
)

// client is one authenticated connection's outbound side.
type client struct {
	id     string
	userID string
	send   chan delivery.Event

	closeOnce sync.Once
	done      chan struct{}
	reason    string
}

func newClient(id, userID string, buffer int) *client {
	return &client{
		id:     id,
		userID: userID,
		send:   make(chan delivery.Event, buffer),
		done:   make(chan struct{}),
	}
}

// close stops the write pump. The first reason wins.
func (c *client) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Hub is the table of live connections. It implements delivery.Pusher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

var _ delivery.Pusher = (*Hub)(nil)

// Push enqueues evt without blocking. A connection whose queue is full is
// closed and the event is reported as not delivered.
func (h *Hub) Push(connID string, evt delivery.Event) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok || c.closed() {
		return false
	}
	select {
	case c.send <- evt:
		return true
	default:
		c.close("send buffer full")
		return false
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll asks every connection to shut down.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.close(reason)
	}
}
