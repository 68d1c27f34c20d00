package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() (*Handler, *Hub, *TicketStore) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	tickets := NewTicketStore()
	return NewHandler(hub, tickets, logger), hub, tickets
}

func bearerFor(t *testing.T, sub string) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
	}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	return "Bearer " + token
}

func TestHandler_CreateTicketFromHeader(t *testing.T) {
	h, _, tickets := newTestHandler()
	userID := uuid.New()

	r := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/ws-ticket", nil)
	r.Header.Set("X-User-Id", userID.String())
	w := httptest.NewRecorder()

	h.CreateTicket(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Ticket        string `json:"ticket"`
		ExpiresInSecs int    `json:"expires_in_secs"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Ticket)
	assert.Equal(t, 30, resp.ExpiresInSecs)

	got, ok := tickets.Redeem(resp.Ticket)
	assert.True(t, ok)
	assert.Equal(t, userID, got)
}

func TestHandler_CreateTicketFromBearerSubject(t *testing.T) {
	h, _, tickets := newTestHandler()
	userID := uuid.New()

	r := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/ws-ticket", nil)
	r.Header.Set("Authorization", bearerFor(t, userID.String()))
	w := httptest.NewRecorder()

	h.CreateTicket(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Ticket string `json:"ticket"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	got, ok := tickets.Redeem(resp.Ticket)
	assert.True(t, ok)
	assert.Equal(t, userID, got)
}

func TestHandler_CreateTicketUnauthorized(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"no identity", func(r *http.Request) {}},
		{"malformed user header", func(r *http.Request) {
			r.Header.Set("X-User-Id", "not-a-uuid")
		}},
		{"bearer with non-uuid subject", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer not.a.jwt")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandler()

			r := httptest.NewRequest(http.MethodPost, "/api/v1/notifications/ws-ticket", nil)
			tt.setup(r)
			w := httptest.NewRecorder()

			h.CreateTicket(w, r)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestHandler_ServeRejectsWithoutCredentials(t *testing.T) {
	h, _, _ := newTestHandler()

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	h.Serve(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/ws?ticket=bogus", nil)
	w = httptest.NewRecorder()
	h.Serve(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/ws?user_id=junk", nil)
	w = httptest.NewRecorder()
	h.Serve(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ConnectWithTicket(t *testing.T) {
	h, hub, tickets := newTestHandler()
	userID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(h.Serve))
	defer srv.Close()

	ticket := tickets.Issue(userID)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?ticket=" + ticket

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// First frame is the greeting.
	var greeting struct {
		Type   string `json:"type"`
		UserID string `json:"user_id"`
	}
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, "connected", greeting.Type)
	assert.Equal(t, userID.String(), greeting.UserID)

	assert.Equal(t, 1, hub.TotalConnections())

	// Application-level pings are answered in-band.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	var pong struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
}
