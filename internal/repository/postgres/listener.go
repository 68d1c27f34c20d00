package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	notifyChannel    = "notify_event"
	reconnectBackoff = 5 * time.Second
)

// Listener subscribes to the notify_event publish channel and forwards each
// arrival as a wake signal to the delivery engine. Payloads are not parsed;
// their arrival is the signal.
//
// The wake channel has capacity 1 and the send never blocks: a signal dropped
// because one is already pending is coalesced into it, costing at most one
// extra idle loop.
type Listener struct {
	databaseURL string
	logger      *slog.Logger
}

// NewListener creates a listener for the notify_event channel.
func NewListener(databaseURL string, logger *slog.Logger) *Listener {
	return &Listener{databaseURL: databaseURL, logger: logger}
}

// Run listens until ctx is cancelled, reconnecting after a fixed backoff on
// any transport error. There is no retry cap; the listener lives as long as
// the process.
func (l *Listener) Run(ctx context.Context, wake chan<- struct{}) {
	session := 0

	for {
		if ctx.Err() != nil {
			return
		}

		session++
		if session > 1 {
			l.logger.Debug("reconnecting NOTIFY listener", "session", session)
		}

		err := l.listenSession(ctx, wake, session)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Error("listener session failed, reconnecting",
				"error", err,
				"session", session,
				"backoff", reconnectBackoff,
			)
		} else {
			l.logger.Warn("listener session ended without error, restarting",
				"session", session,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// listenSession holds one dedicated connection with LISTEN active and blocks
// on notifications until the connection fails or ctx is cancelled. The
// connection is dedicated because LISTEN state is per-session; pool
// connections must stay free for queries.
func (l *Listener) listenSession(ctx context.Context, wake chan<- struct{}, session int) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to execute LISTEN: %w", err)
	}

	l.logger.Info("listening for database notify events",
		"channel", notifyChannel,
		"session", session,
	)

	var received uint64
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed waiting for notification: %w", err)
		}

		received++
		l.logger.Debug("notify event received",
			"channel", notification.Channel,
			"session", session,
			"count", received,
		)

		select {
		case wake <- struct{}{}:
			l.logger.Debug("wake signal sent to worker")
		default:
			// A signal is already pending; the worker will see this change
			// on its next cycle.
			l.logger.Debug("wake signal already pending, coalesced")
		}
	}
}
