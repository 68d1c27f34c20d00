package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Priority levels carried on a notification row. High and critical escalate
// the push channel priority.
const (
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Notification is a row from activity.notifications. The dispatcher never
// mutates it directly; terminal state changes go through the stored
// procedures.
type Notification struct {
	ID               uuid.UUID      `json:"id"`
	UserID           uuid.UUID      `json:"user_id"`
	ActorUserID      *uuid.UUID     `json:"actor_user_id,omitempty"`
	NotificationType string         `json:"notification_type"`
	TargetType       *string        `json:"target_type,omitempty"`
	TargetID         *uuid.UUID     `json:"target_id,omitempty"`
	Title            string         `json:"title"`
	Message          *string        `json:"message,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	DeepLink         *string        `json:"deep_link,omitempty"`
	Priority         *string        `json:"priority,omitempty"`
	DeliverAt        *time.Time     `json:"deliver_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// IsBroadcast reports whether the row targets every user. The all-zero UUID
// is reserved as the broadcast recipient.
func (n *Notification) IsBroadcast() bool {
	return n.UserID == uuid.Nil
}

// IsHighPriority reports whether the push channel should use high priority.
func (n *Notification) IsHighPriority() bool {
	if n.Priority == nil {
		return false
	}
	return *n.Priority == PriorityHigh || *n.Priority == PriorityCritical
}

// Body returns the optional message text, empty when absent.
func (n *Notification) Body() string {
	if n.Message == nil {
		return ""
	}
	return *n.Message
}

// UserDevice is a registered push endpoint for a user.
type UserDevice struct {
	FCMToken   string `json:"fcm_token"`
	DeviceType string `json:"device_type"`
}

// NotificationStore is the typed access layer over the pending queue, the
// device registry, and the terminal outcome stored procedures.
type NotificationStore interface {
	// ClaimBatch returns up to limit unprocessed rows whose deliver_at has
	// passed, ordered by creation time ascending. Rows are read, not locked;
	// the outcome SPs make double processing harmless.
	ClaimBatch(ctx context.Context, limit int) ([]*Notification, error)

	// MarkSuccess records terminal success. Returns false when no row was
	// updated (already reaped); callers treat that as a warning, not an error.
	MarkSuccess(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkFailure records a failed attempt. Returns true when the retry
	// ceiling was reached and the row will not be retried again.
	MarkFailure(ctx context.Context, id uuid.UUID, errorText string, maxRetries int) (bool, error)

	GetUserDevices(ctx context.Context, userID uuid.UUID) ([]UserDevice, error)

	// RemoveDevice deletes a device by token. Zero rows affected is not an
	// error.
	RemoveDevice(ctx context.Context, fcmToken string) error

	// CountPending returns the number of eligible unprocessed rows.
	CountPending(ctx context.Context) (int64, error)
}
