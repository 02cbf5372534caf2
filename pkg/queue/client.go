// Package queue wraps Redis with the pipeline's queue, counter,
// fingerprint, and metrics-store primitives.
//
// Queues are plain Redis lists: producers LPUSH, consumers BRPOP, so
// each queue is FIFO. Stage queues carry bare UUID payloads; control
// queues carry JSON envelopes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dtcforge/refinery/pkg/config"
)

// ErrEmpty is returned by pop operations when no job is available
// within the timeout.
var ErrEmpty = errors.New("queue empty")

// Client is the shared Redis handle for all workers.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr(), err)
	}
	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing go-redis client (used by tests with
// miniredis).
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis exposes the underlying client for components that need raw
// commands (verifier key-state hashes, healer lock scans).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Push appends a payload to the tail of a queue.
func (c *Client) Push(ctx context.Context, queue, payload string) error {
	if err := c.rdb.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", queue, err)
	}
	return nil
}

// BlockingPop waits up to timeout for the next payload of a queue.
// Returns ErrEmpty when the timeout elapses with no job.
func (c *Client) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	res, err := c.rdb.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		return "", fmt.Errorf("failed to pop from %s: %w", queue, err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BRPOP reply from %s: %v", queue, res)
	}
	return res[1], nil
}

// TryPop returns the next payload without blocking, or ErrEmpty.
func (c *Client) TryPop(ctx context.Context, queue string) (string, error) {
	res, err := c.rdb.RPop(ctx, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrEmpty
		}
		return "", fmt.Errorf("failed to pop from %s: %w", queue, err)
	}
	return res, nil
}

// Depth returns the number of jobs waiting in a queue.
func (c *Client) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := c.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", queue, err)
	}
	return n, nil
}

// Depths returns the depth of every named queue.
func (c *Client) Depths(ctx context.Context, queues ...string) (map[string]int64, error) {
	depths := make(map[string]int64, len(queues))
	for _, q := range queues {
		n, err := c.Depth(ctx, q)
		if err != nil {
			return nil, err
		}
		depths[q] = n
	}
	return depths, nil
}

// StageDepths returns the depths of the six stage queues.
func (c *Client) StageDepths(ctx context.Context) (map[string]int64, error) {
	return c.Depths(ctx, config.StageQueues...)
}

// PushJSON marshals v and pushes it to a control queue.
func (c *Client) PushJSON(ctx context.Context, queue string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", queue, err)
	}
	return c.Push(ctx, queue, string(data))
}

// PopJSON pops one message without blocking and unmarshals it into v.
// Returns ErrEmpty when the queue has no messages.
func (c *Client) PopJSON(ctx context.Context, queue string, v any) error {
	raw, err := c.TryPop(ctx, queue)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode message from %s: %w", queue, err)
	}
	return nil
}

// BlockingPopJSON blocks up to timeout for one message and unmarshals
// it into v.
func (c *Client) BlockingPopJSON(ctx context.Context, queue string, timeout time.Duration, v any) error {
	raw, err := c.BlockingPop(ctx, queue, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode message from %s: %w", queue, err)
	}
	return nil
}
