package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	rateLimitKey    = "ratelimit:fcm_send"
	rateLimitWindow = time.Second
)

// RateLimiter throttles outbound FCM sends across all replicas using a Redis
// sliding window. Keeps the dispatcher under the project's messages-per-second
// quota even when several instances drain the queue at once.
type RateLimiter struct {
	client      *Client
	limitPerSec int
}

// NewRateLimiter creates a new RateLimiter
func NewRateLimiter(client *Client, limitPerSec int) *RateLimiter {
	return &RateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
	}
}

// Allow checks whether a send is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-rateLimitWindow)

	pipe := r.client.client.Pipeline()

	// Remove old entries outside the window, then count what remains.
	pipe.ZRemRangeByScore(ctx, rateLimitKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, rateLimitKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	if countCmd.Val() >= int64(r.limitPerSec) {
		return false, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := r.client.client.ZAdd(ctx, rateLimitKey, goredis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	}).Err(); err != nil {
		return false, fmt.Errorf("failed to record send: %w", err)
	}

	r.client.client.Expire(ctx, rateLimitKey, 2*rateLimitWindow)

	return true, nil
}

// Wait blocks until a send is allowed or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	allowed, err := r.Allow(ctx)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			allowed, err := r.Allow(ctx)
			if err != nil {
				return err
			}
			if allowed {
				return nil
			}
		}
	}
}
