package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ticketTTL is how long an issued ticket stays redeemable. Tickets are
// single use: the browser requests one over authenticated HTTP and presents
// it on the WebSocket URL, which cannot carry headers.
const ticketTTL = 30 * time.Second

type ticket struct {
	userID    uuid.UUID
	expiresAt time.Time
}

// TicketStore issues and redeems short-lived one-time connection tickets.
type TicketStore struct {
	mu      sync.Mutex
	tickets map[string]ticket
}

// NewTicketStore creates an empty TicketStore.
func NewTicketStore() *TicketStore {
	return &TicketStore{
		tickets: make(map[string]ticket),
	}
}

// Issue creates a ticket bound to the user and returns its opaque value.
// Expired entries are swept on each issue so the map stays bounded.
func (s *TicketStore) Issue(userID uuid.UUID) string {
	value := uuid.New().String()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for v, t := range s.tickets {
		if now.After(t.expiresAt) {
			delete(s.tickets, v)
		}
	}

	s.tickets[value] = ticket{
		userID:    userID,
		expiresAt: now.Add(ticketTTL),
	}

	return value
}

// Redeem consumes a ticket and returns the bound user. A ticket redeems at
// most once; expired or unknown values fail.
func (s *TicketStore) Redeem(value string) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[value]
	if !ok {
		return uuid.Nil, false
	}
	delete(s.tickets, value)

	if time.Now().After(t.expiresAt) {
		return uuid.Nil, false
	}

	return t.userID, true
}

// Len reports the number of live tickets, for tests.
func (s *TicketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}
