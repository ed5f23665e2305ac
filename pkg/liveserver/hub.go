package liveserver

import (
	"context"
	"sync"
)

// Client is one chart subscriber: a buffered outbound queue drained by the
// connection's write pump. Sends never block; a full queue drops the frame
// instead of stalling the notifier.
type Client struct {
	id     string
	send   chan interface{}
	mu     sync.Mutex
	closed bool
}

func NewClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan interface{}, 256),
	}
}

// Send enqueues a frame. Returns false when the client is closed or slow.
func (c *Client) Send(payload interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Frames returns the outbound queue for the write pump.
func (c *Client) Frames() <-chan interface{} {
	return c.send
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub tracks live client connections so shutdown can close them and the
// health endpoint can count them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every registered client. Called when the server context
// ends.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
	h.mu.Unlock()
}
