package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IncrWindow increments a rolling counter, attaching the TTL when the
// key is created. Subsequent increments within the window do not extend
// it, so the counter naturally resets once per window.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, window).Err(); err != nil {
			return n, fmt.Errorf("failed to set TTL on %s: %w", key, err)
		}
	}
	return n, nil
}

// Count reads a counter, treating a missing key as zero.
func (c *Client) Count(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return n, nil
}

// ClaimFingerprint records a fingerprint with a TTL, returning true
// when this call is the first claim within the window. Used for alert
// dedup in the monitor and decision idempotency in the healer.
func (c *Client) ClaimFingerprint(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim fingerprint %s: %w", key, err)
	}
	return ok, nil
}
