// Package bus implements the client for the external websocket-bus service,
// the real-time fabric that fans envelopes out to connected end users.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/activityhub/notification-dispatcher/internal/config"
	"github.com/activityhub/notification-dispatcher/internal/domain"
)

// Client publishes envelopes to the websocket-bus over HTTP, authenticated
// with the shared service token.
type Client struct {
	client  *http.Client
	baseURL string
	token   string
}

// publishResponse is the bus's answer to a publish call.
type publishResponse struct {
	DeliveredTo int `json:"delivered_to"`
}

// NewClient creates a bus client from configuration.
func NewClient(cfg config.BusConfig) *Client {
	return &Client{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: cfg.URL,
		token:   cfg.ServiceToken,
	}
}

// PublishToUser delivers the envelope to every live socket of one user and
// returns the fan-out count. Zero means the user has no active connections.
func (c *Client) PublishToUser(ctx context.Context, userID uuid.UUID, envelope *domain.Envelope) (int, error) {
	url := fmt.Sprintf("%s/publish/user/%s", c.baseURL, userID)
	return c.publish(ctx, url, envelope)
}

// PublishToTopic delivers the envelope to every subscriber of a topic.
func (c *Client) PublishToTopic(ctx context.Context, topic string, envelope *domain.Envelope) (int, error) {
	url := fmt.Sprintf("%s/publish/topic/%s", c.baseURL, topic)
	return c.publish(ctx, url, envelope)
}

func (c *Client) publish(ctx context.Context, url string, envelope *domain.Envelope) (int, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, domain.PublishError{Reason: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, domain.PublishError{
			Reason: fmt.Sprintf("%d: %s", resp.StatusCode, string(respBody)),
		}
	}

	var pubResp publishResponse
	if err := json.Unmarshal(respBody, &pubResp); err != nil {
		return 0, fmt.Errorf("failed to parse publish response: %w", err)
	}

	return pubResp.DeliveredTo, nil
}
