// Package ws provides the in-process real-time bus: a WebSocket hub keyed by
// user identity, used when no external websocket-bus is configured.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/activityhub/notification-dispatcher/internal/domain"
)

// Hub tracks live connections per user and fans envelopes out to them. It
// implements domain.BusPublisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]bool
	logger  *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[*Client]bool),
		logger:  logger,
	}
}

// PublishToUser enqueues the envelope on every live socket of one user and
// returns the fan-out count. Zero with a nil error means the user is offline.
func (h *Hub) PublishToUser(ctx context.Context, userID uuid.UUID, envelope *domain.Envelope) (int, error) {
	message, err := json.Marshal(envelope)
	if err != nil {
		return 0, domain.PublishError{Reason: "failed to marshal envelope: " + err.Error()}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients[userID] {
		if client.enqueue(message) {
			delivered++
		}
	}

	return delivered, nil
}

// PublishToTopic enqueues the envelope on every live socket. Topics are not
// subscription-filtered on the in-process bus; every connected user receives
// global traffic.
func (h *Hub) PublishToTopic(ctx context.Context, topic string, envelope *domain.Envelope) (int, error) {
	message, err := json.Marshal(envelope)
	if err != nil {
		return 0, domain.PublishError{Reason: "failed to marshal envelope: " + err.Error()}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, conns := range h.clients {
		for client := range conns {
			if client.enqueue(message) {
				delivered++
			}
		}
	}

	return delivered, nil
}

// TotalConnections returns the number of live sockets across all users.
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}

// register adds a client under its user identity.
func (h *Hub) register(client *Client) {
	h.mu.Lock()
	conns, ok := h.clients[client.userID]
	if !ok {
		conns = make(map[*Client]bool)
		h.clients[client.userID] = conns
	}
	conns[client] = true
	total := len(conns)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"user_id", client.userID,
		"connection_id", client.id,
		"user_connections", total,
	)
}

// unregister removes a client and drops the user entry when it was the last
// socket.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if conns, ok := h.clients[client.userID]; ok {
		if _, present := conns[client]; present {
			delete(conns, client)
			close(client.send)
		}
		if len(conns) == 0 {
			delete(h.clients, client.userID)
		}
	}
	h.mu.Unlock()

	h.logger.Info("websocket client disconnected",
		"user_id", client.userID,
		"connection_id", client.id,
	)
}
