package ws

import (
	"context"
	"sync"
)

// Hub tracks live websocket clients keyed by user id so the process can
// report them and close them all on shutdown.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	// active counts running connection handlers, registered or not;
	// drained is closed whenever it drops to zero.
	active  int
	drained chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Register adds a client for its user.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	uid := c.UserID()
	if h.clients[uid] == nil {
		h.clients[uid] = make(map[*Client]struct{})
	}
	h.clients[uid][c] = struct{}{}
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	uid := c.UserID()
	if cs, ok := h.clients[uid]; ok {
		delete(cs, c)
		if len(cs) == 0 {
			delete(h.clients, uid)
		}
	}
}

// Connected returns how many clients userID has open.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, cs := range h.clients {
		n += len(cs)
	}
	return n
}

// CloseAll closes every registered connection. Each client's read loop then
// ends and stops its session.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Client, 0)
	for _, cs := range h.clients {
		for c := range cs {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}

func (h *Hub) begin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == 0 {
		h.drained = make(chan struct{})
	}
	h.active++
}

func (h *Hub) end() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active--
	if h.active == 0 {
		close(h.drained)
	}
}

// Wait blocks until every connection handler has returned, which includes
// stopping its session, or until ctx is done.
func (h *Hub) Wait(ctx context.Context) error {
	h.mu.RLock()
	if h.active == 0 {
		h.mu.RUnlock()
		return nil
	}
	drained := h.drained
	h.mu.RUnlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
