package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrBusNotConfigured = errors.New("bus not configured")
	ErrFCMNotConfigured = errors.New("FCM not configured")
	ErrNoDevices        = errors.New("no registered devices")

	// ErrInvalidToken marks a device endpoint the push provider rejected as
	// dead (UNREGISTERED / INVALID_ARGUMENT). The caller removes the device.
	ErrInvalidToken = errors.New("invalid FCM device token")
)

// TokenError is an OAuth2 bearer acquisition failure. The in-flight push
// attempt fails transiently and the refresh is retried on next use.
type TokenError struct {
	Reason string
}

func (e TokenError) Error() string {
	return fmt.Sprintf("OAuth token error: %s", e.Reason)
}

// SendError is a transient push transport or HTTP failure.
type SendError struct {
	Reason string
}

func (e SendError) Error() string {
	return fmt.Sprintf("FCM send error: %s", e.Reason)
}

// PublishError is a bus transport failure or non-success response. The engine
// treats it as non-fatal and falls through to push.
type PublishError struct {
	Reason string
}

func (e PublishError) Error() string {
	return fmt.Sprintf("bus publish error: %s", e.Reason)
}

// MaskToken shortens a device token for logs. Full tokens are only ever
// logged under DEBUG_LOG_FCM_TOKENS.
func MaskToken(token string) string {
	switch {
	case len(token) > 12:
		return token[:6] + "..." + token[len(token)-4:]
	case len(token) > 4:
		return token[:4] + "..."
	default:
		return "****"
	}
}
