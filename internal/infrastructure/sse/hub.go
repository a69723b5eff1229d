package sse

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/popstellar/laocore/internal/domain/event"
)

var (
	ErrClientNotFound = errors.New("sse client not found")
	ErrChannelFull    = errors.New("sse client buffer full")
)

const defaultBuffer = 64

// Client is one server-sent events subscriber. An empty LaoID receives the
// events of every Lao.
type Client struct {
	ClientID uuid.UUID
	LaoID    string
	Events   chan event.Event

	once sync.Once
}

func NewClient(laoID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Client{ClientID: uuid.New(), LaoID: laoID, Events: make(chan event.Event, buffer)}
}

func (c *Client) Close() {
	c.once.Do(func() { close(c.Events) })
}

func (c *Client) wants(ev event.Event) bool {
	return c.LaoID == "" || c.LaoID == ev.LaoID
}

// Hub manages SSE clients and implements event.Publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish fans ev out to every interested client. Slow clients miss events
// rather than block the node.
func (h *Hub) Publish(ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if c.wants(ev) && !trySend(c, ev) {
			h.dropped++
		}
	}
}

// SendToClient delivers ev to one client.
func (h *Hub) SendToClient(clientID uuid.UUID, ev event.Event) error {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, ev) {
		return ErrChannelFull
	}
	return nil
}

// Dropped counts events that did not fit a client buffer.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, ev event.Event) bool {
	select {
	case c.Events <- ev:
		return true
	default:
		return false
	}
}
