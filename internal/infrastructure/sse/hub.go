package sse

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/consult-escrow/consult-escrow/internal/domain/consultation"
	"github.com/consult-escrow/consult-escrow/internal/infrastructure/metrics"
)

// Hub manages SSE clients and fans escrow events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Register adds client, replacing any previous connection with the same id.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.ClientID]; ok && old != client {
		old.Close()
	}
	h.clients[client.ClientID] = client
	metrics.Escrow().SetStreamClients(len(h.clients))
}

// Unregister removes client if it is still the registered connection for
// its id.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[client.ClientID]; ok && c == client {
		c.Close()
		delete(h.clients, client.ClientID)
	}
	metrics.Escrow().SetStreamClients(len(h.clients))
}

func (h *Hub) GetClient(clientID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify delivers event to every client whose filter matches. Slow clients
// drop messages rather than block the commit path.
func (h *Hub) Notify(_ context.Context, event consultation.Event) {
	msg, err := NewMessage(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(event.Type)).Msg("encode sse event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.Filter.Match(event) {
			continue
		}
		if !trySend(c, msg) {
			h.logger.Warn().Str("client_id", c.ClientID).Str("event_id", msg.ID).Msg("sse client channel full")
		}
	}
}

func (h *Hub) SendToClient(clientID string, message *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, message) {
		return ErrChannelFull
	}
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
	metrics.Escrow().SetStreamClients(0)
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
