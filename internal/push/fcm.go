// Package push implements the FCM HTTP v1 sink, including the OAuth2 bearer
// lifecycle used to authenticate sends.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/activityhub/notification-dispatcher/internal/config"
	"github.com/activityhub/notification-dispatcher/internal/domain"
)

const (
	fcmScope        = "https://www.googleapis.com/auth/firebase.messaging"
	googleTokenURL  = "https://oauth2.googleapis.com/token"
	fcmEndpointBase = "https://fcm.googleapis.com"

	// Tokens this close to expiry are refreshed before use.
	expiryMargin = 60 * time.Second

	assertionLifetime = time.Hour
)

// serviceAccount is the subset of the Google service account JSON we need.
type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id"`
}

// RateLimiter throttles outbound sends. Optional; nil disables throttling.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// FCMClient sends push notifications through the FCM HTTP v1 API.
type FCMClient struct {
	client         *http.Client
	projectID      string
	serviceAccount serviceAccount
	tokenURL       string
	endpointBase   string
	limiter        RateLimiter
	logger         *slog.Logger
	debug          config.DebugConfig

	bearer bearerCache
}

// fcmRequest mirrors the v1 messages:send body.
type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
	Android      androidConfig     `json:"android"`
	APNS         apnsConfig        `json:"apns"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type androidConfig struct {
	Priority string `json:"priority"`
}

type apnsConfig struct {
	Payload apnsPayload `json:"payload"`
}

type apnsPayload struct {
	APS aps `json:"aps"`
}

type aps struct {
	Sound            string `json:"sound"`
	Badge            int    `json:"badge"`
	ContentAvailable int    `json:"content-available"`
}

// NewFCMClient loads the service account credentials and prepares the client.
// No network calls are made until the first send.
func NewFCMClient(cfg config.FCMConfig, limiter RateLimiter, logger *slog.Logger, debug config.DebugConfig) (*FCMClient, error) {
	content, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read FCM credentials: %w", err)
	}

	var sa serviceAccount
	if err := json.Unmarshal(content, &sa); err != nil {
		return nil, fmt.Errorf("failed to parse FCM credentials: %w", err)
	}

	logger.Info("FCM client initialized",
		"project_id", cfg.ProjectID,
		"client_email", sa.ClientEmail,
	)

	return &FCMClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		projectID:      cfg.ProjectID,
		serviceAccount: sa,
		tokenURL:       googleTokenURL,
		endpointBase:   fcmEndpointBase,
		limiter:        limiter,
		logger:         logger,
		debug:          debug,
	}, nil
}

// Send delivers the notification to one device token.
func (c *FCMClient) Send(ctx context.Context, fcmToken string, n *domain.Notification) error {
	msg := c.buildMessage(n)
	msg.Token = fcmToken
	return c.send(ctx, msg, c.tokenForLog(fcmToken))
}

// SendToTopic delivers the notification to every subscriber of a topic.
// Broadcasts use topic "all".
func (c *FCMClient) SendToTopic(ctx context.Context, topic string, n *domain.Notification) error {
	msg := c.buildMessage(n)
	msg.Topic = topic
	return c.send(ctx, msg, "topic:"+topic)
}

func (c *FCMClient) buildMessage(n *domain.Notification) fcmMessage {
	data := map[string]string{
		"notification_id": n.ID.String(),
		"type":            n.NotificationType,
	}
	if n.DeepLink != nil {
		data["deep_link"] = *n.DeepLink
	}

	androidPriority := "normal"
	if n.IsHighPriority() {
		androidPriority = "high"
	}

	return fcmMessage{
		Notification: fcmNotification{
			Title: n.Title,
			Body:  n.Body(),
		},
		Data: data,
		Android: androidConfig{
			Priority: androidPriority,
		},
		APNS: apnsConfig{
			Payload: apnsPayload{
				APS: aps{
					Sound:            "default",
					Badge:            1,
					ContentAvailable: 1,
				},
			},
		},
	}
}

func (c *FCMClient) send(ctx context.Context, msg fcmMessage, target string) error {
	start := time.Now()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.SendError{Reason: fmt.Sprintf("rate limiter: %v", err)}
		}
	}

	accessToken, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(fcmRequest{Message: msg})
	if err != nil {
		return domain.SendError{Reason: fmt.Sprintf("failed to marshal message: %v", err)}
	}

	if c.debug.Enabled && c.debug.LogPayloads {
		c.logger.Debug("FCM request payload", "target", target, "payload", string(body))
	}

	sendURL := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.endpointBase, c.projectID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(body))
	if err != nil {
		return domain.SendError{Reason: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.SendError{Reason: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		fields := []any{"target", target, "status", resp.StatusCode}
		if c.debug.TimingEnabled() {
			fields = append(fields, "duration_ms", time.Since(start).Milliseconds())
		}
		c.logger.Debug("FCM push sent", fields...)
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	bodyText := string(respBody)

	// UNREGISTERED / INVALID_ARGUMENT identify a dead device endpoint; the
	// caller removes it from the registry.
	if strings.Contains(bodyText, "UNREGISTERED") || strings.Contains(bodyText, "INVALID_ARGUMENT") {
		c.logger.Warn("FCM rejected device token as invalid",
			"target", target,
			"status", resp.StatusCode,
		)
		return domain.ErrInvalidToken
	}

	c.logger.Error("FCM send failed",
		"target", target,
		"status", resp.StatusCode,
		"body", bodyText,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return domain.SendError{Reason: fmt.Sprintf("%d: %s", resp.StatusCode, bodyText)}
}

func (c *FCMClient) tokenForLog(token string) string {
	if c.debug.Enabled && c.debug.LogTokens {
		return token
	}
	return domain.MaskToken(token)
}

// tokenResponse is the OAuth2 token endpoint answer.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// exchangeToken signs a JWT assertion with the service account key and trades
// it for a bearer token.
func (c *FCMClient) exchangeToken(ctx context.Context) (*cachedBearer, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":   c.serviceAccount.ClientEmail,
		"scope": fcmScope,
		"aud":   c.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.serviceAccount.PrivateKey))
	if err != nil {
		return nil, domain.TokenError{Reason: fmt.Sprintf("invalid private key: %v", err)}
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return nil, domain.TokenError{Reason: fmt.Sprintf("JWT signing failed: %v", err)}
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.TokenError{Reason: fmt.Sprintf("failed to create token request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.TokenError{Reason: fmt.Sprintf("token request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, domain.TokenError{
			Reason: fmt.Sprintf("token request failed: %d - %s", resp.StatusCode, string(body)),
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, domain.TokenError{Reason: fmt.Sprintf("token parse failed: %v", err)}
	}

	obtained := time.Now()
	c.logger.Debug("OAuth2 token exchanged",
		"expires_in_secs", tr.ExpiresIn,
	)

	return &cachedBearer{
		accessToken: tr.AccessToken,
		obtainedAt:  obtained,
		expiresAt:   obtained.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
