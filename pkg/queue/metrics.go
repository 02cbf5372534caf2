package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MetricsLatestKey holds the most recent metrics snapshot.
const MetricsLatestKey = "metrics:latest"

// ErrNoMetrics is returned when no snapshot has been stored yet.
var ErrNoMetrics = errors.New("no metrics available")

// StoreSnapshot writes a metrics snapshot under a timestamped key with
// the retention TTL, and refreshes metrics:latest.
func (c *Client) StoreSnapshot(ctx context.Context, v any, at time.Time, retention time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics snapshot: %w", err)
	}
	key := fmt.Sprintf("metrics:snapshot:%d", at.Unix())
	if err := c.rdb.Set(ctx, key, data, retention).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, MetricsLatestKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", MetricsLatestKey, err)
	}
	return nil
}

// LatestSnapshot returns the raw JSON of the newest metrics snapshot.
func (c *Client) LatestSnapshot(ctx context.Context) ([]byte, error) {
	data, err := c.rdb.Get(ctx, MetricsLatestKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoMetrics
		}
		return nil, fmt.Errorf("failed to read %s: %w", MetricsLatestKey, err)
	}
	return data, nil
}
