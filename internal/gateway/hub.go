package gateway

import (
	"context"
	"sync"
)

// Hub tracks open device connections per user. A user may hold several.
// Each registered connection counts as a live leg until it is unregistered.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[*Client]struct{}
	closing bool
	legs    sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]struct{})}
}

// Register adds c. It reports false once CloseAll has run.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	if _, dup := set[c]; !dup {
		set[c] = struct{}{}
		h.legs.Add(1)
	}
	return true
}

// Unregister removes c and releases its leg. Call it after the leg has
// finished its cleanup.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	h.legs.Done()
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// CloseAll closes every connection and refuses new ones. Their legs end any
// active call on the way out.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closing = true
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}

// Wait blocks until every registered leg has unregistered or ctx is done.
// Call it after CloseAll.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.legs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
