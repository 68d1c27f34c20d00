package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/activityhub/notification-dispatcher/internal/config"
	"github.com/activityhub/notification-dispatcher/internal/domain"
)

// NotificationStore implements domain.NotificationStore using PostgreSQL.
// Terminal state transitions go through the activity.* stored procedures so
// that repeated calls for the same row stay harmless.
type NotificationStore struct {
	db     *DB
	logger *slog.Logger
	debug  config.DebugConfig
}

// NewNotificationStore creates a new NotificationStore
func NewNotificationStore(db *DB, logger *slog.Logger, debug config.DebugConfig) *NotificationStore {
	return &NotificationStore{db: db, logger: logger, debug: debug}
}

const claimBatchQuery = `
	SELECT
		notification_id,
		user_id,
		actor_user_id,
		notification_type::text,
		target_type,
		target_id,
		title,
		message,
		payload,
		deep_link,
		priority,
		deliver_at,
		created_at
	FROM activity.notifications
	WHERE is_processed = false
	  AND (deliver_at IS NULL OR deliver_at <= now())
	ORDER BY created_at ASC
	LIMIT $1
`

// ClaimBatch fetches up to limit eligible pending rows in FIFO order.
func (s *NotificationStore) ClaimBatch(ctx context.Context, limit int) ([]*domain.Notification, error) {
	start := time.Now()
	s.logSQL(claimBatchQuery, limit)

	rows, err := s.db.Pool.Query(ctx, claimBatchQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*domain.Notification, 0)
	for rows.Next() {
		n := &domain.Notification{}
		var payload []byte

		err := rows.Scan(
			&n.ID, &n.UserID, &n.ActorUserID, &n.NotificationType,
			&n.TargetType, &n.TargetID, &n.Title, &n.Message,
			&payload, &n.DeepLink, &n.Priority, &n.DeliverAt, &n.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}

		if len(payload) > 0 {
			json.Unmarshal(payload, &n.Payload)
		}

		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	fields := []any{"count", len(notifications), "limit", limit}
	if s.debug.TimingEnabled() {
		fields = append(fields, "duration_ms", time.Since(start).Milliseconds())
	}
	s.logger.Debug("claim batch completed", fields...)

	return notifications, nil
}

// MarkSuccess calls the success stored procedure. A false return means no row
// was updated; the caller logs a warning and moves on.
func (s *NotificationStore) MarkSuccess(ctx context.Context, id uuid.UUID) (bool, error) {
	start := time.Now()
	s.logSQL("SELECT activity.sp_notification_success($1)", id)

	var updated bool
	err := s.db.Pool.QueryRow(ctx,
		"SELECT activity.sp_notification_success($1)", id,
	).Scan(&updated)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification success: %w", err)
	}

	if updated {
		s.logger.Debug("notification marked as processed",
			"notification_id", id,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		s.logger.Warn("success stored procedure updated no rows",
			"notification_id", id,
		)
	}

	return updated, nil
}

// MarkFailure calls the failure stored procedure. Returns true when the retry
// ceiling was reached and the row is now permanently failed.
func (s *NotificationStore) MarkFailure(ctx context.Context, id uuid.UUID, errorText string, maxRetries int) (bool, error) {
	start := time.Now()
	s.logSQL("SELECT activity.sp_notification_failure($1, $2, $3)", id, errorText, maxRetries)

	var maxReached bool
	err := s.db.Pool.QueryRow(ctx,
		"SELECT activity.sp_notification_failure($1, $2, $3)",
		id, errorText, maxRetries,
	).Scan(&maxReached)
	if err != nil {
		return false, fmt.Errorf("failed to record notification failure: %w", err)
	}

	if maxReached {
		s.logger.Warn("max retries reached, notification will not be retried",
			"notification_id", id,
			"max_retries", maxRetries,
			"error_text", errorText,
		)
	} else {
		s.logger.Debug("failure recorded, will retry later",
			"notification_id", id,
			"error_text", errorText,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return maxReached, nil
}

// GetUserDevices returns the registered push endpoints for a user.
func (s *NotificationStore) GetUserDevices(ctx context.Context, userID uuid.UUID) ([]domain.UserDevice, error) {
	query := `
		SELECT fcm_token, device_type
		FROM activity.user_devices
		WHERE user_id = $1
	`
	s.logSQL(query, userID)

	rows, err := s.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user devices: %w", err)
	}
	defer rows.Close()

	devices := make([]domain.UserDevice, 0)
	for rows.Next() {
		var d domain.UserDevice
		if err := rows.Scan(&d.FCMToken, &d.DeviceType); err != nil {
			return nil, fmt.Errorf("failed to scan user device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user devices: %w", err)
	}

	s.logger.Debug("fetched user devices",
		"user_id", userID,
		"device_count", len(devices),
	)

	return devices, nil
}

// RemoveDevice deletes a registered device by token. Zero rows affected is
// non-fatal; the token may have been reaped by a concurrent observation.
func (s *NotificationStore) RemoveDevice(ctx context.Context, fcmToken string) error {
	preview := s.tokenForLog(fcmToken)
	s.logSQL("DELETE FROM activity.user_devices WHERE fcm_token = $1", preview)

	result, err := s.db.Pool.Exec(ctx,
		"DELETE FROM activity.user_devices WHERE fcm_token = $1", fcmToken,
	)
	if err != nil {
		return fmt.Errorf("failed to remove device: %w", err)
	}

	if result.RowsAffected() > 0 {
		s.logger.Info("invalid device token removed", "token", preview)
	} else {
		s.logger.Debug("device token not found, already removed", "token", preview)
	}

	return nil
}

// CountPending returns the number of eligible unprocessed rows.
func (s *NotificationStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM activity.notifications
		WHERE is_processed = false
		  AND (deliver_at IS NULL OR deliver_at <= now())
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending notifications: %w", err)
	}
	return count, nil
}

func (s *NotificationStore) tokenForLog(token string) string {
	if s.debug.Enabled && s.debug.LogTokens {
		return token
	}
	return domain.MaskToken(token)
}

func (s *NotificationStore) logSQL(query string, args ...any) {
	if s.debug.Enabled && s.debug.LogSQL {
		s.logger.Debug("executing SQL", "query", query, "args", args)
	}
}
