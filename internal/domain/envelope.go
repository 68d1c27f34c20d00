package domain

import (
	"context"

	"github.com/google/uuid"
)

// Bus topics and envelope kinds used on the wire.
const (
	TopicNotifications = "notifications"
	TopicGlobal        = "global_notifications"

	KindNotification = "notification"
	KindSyncNotify   = "sync_notify"
	KindBroadcast    = "broadcast"
)

// Envelope is the message unit posted to the bus.
type Envelope struct {
	Topic   string         `json:"topic"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope for a topic and kind.
func NewEnvelope(topic, kind string) *Envelope {
	return &Envelope{Topic: topic, Kind: kind}
}

// WithPayload attaches the payload document and returns the envelope.
func (e *Envelope) WithPayload(payload map[string]any) *Envelope {
	e.Payload = payload
	return e
}

// UserEnvelope builds the per-user delivery envelope carrying the full
// notification record so connected clients can cache it directly.
func UserEnvelope(n *Notification) *Envelope {
	return NewEnvelope(TopicNotifications, KindNotification).WithPayload(map[string]any{
		"id":                n.ID,
		"user_id":           n.UserID,
		"actor_user_id":     n.ActorUserID,
		"notification_type": n.NotificationType,
		"target_type":       n.TargetType,
		"target_id":         n.TargetID,
		"title":             n.Title,
		"message":           n.Message,
		"payload":           n.Payload,
		"deep_link":         n.DeepLink,
		"priority":          n.Priority,
		"status":            "unread",
		"created_at":        n.CreatedAt,
	})
}

// BroadcastEnvelope builds the reduced public form published on the global
// topic.
func BroadcastEnvelope(n *Notification) *Envelope {
	return NewEnvelope(TopicGlobal, KindBroadcast).WithPayload(map[string]any{
		"type":       KindBroadcast,
		"id":         n.ID,
		"title":      n.Title,
		"message":    n.Message,
		"payload":    n.Payload,
		"created_at": n.CreatedAt,
	})
}

// BusPublisher delivers envelopes to connected recipients and reports how
// many received them. Realized either by the external websocket-bus client or
// by the in-process fan-out hub.
type BusPublisher interface {
	PublishToUser(ctx context.Context, userID uuid.UUID, envelope *Envelope) (int, error)
	PublishToTopic(ctx context.Context, topic string, envelope *Envelope) (int, error)
}

// PushSender delivers a notification to a single device token or to a topic.
type PushSender interface {
	Send(ctx context.Context, fcmToken string, n *Notification) error
	SendToTopic(ctx context.Context, topic string, n *Notification) error
}
