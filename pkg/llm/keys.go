package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoKeys is returned when every configured API key has exhausted its
// budget or none is configured.
var ErrNoKeys = errors.New("no API keys available")

const keyStatePrefix = "verify:openai:key:"

// defaults assumed before the first rate-limit headers are observed.
const (
	assumedRequestLimit  = 10000
	assumedRequestBudget = 9000
	assumedTokenBudget   = 900000
)

// KeyStats is a snapshot of one key's tracked usage.
type KeyStats struct {
	RequestsMade       int64
	TokensUsed         int64
	RateLimitRemaining int64
	RateLimitReset     float64
	LastUsed           float64
	LastError          string
}

// KeyManager rotates multiple API keys, tracking per-key usage and
// rate-limit state in Redis so every process sharing the keys sees the
// same budget. Keys are identified as key_1, key_2, ... in config order.
type KeyManager struct {
	rdb            *redis.Client
	keys           map[string]string
	budgetFraction float64
}

// NewKeyManager builds the manager and seeds Redis state for keys that
// have none yet.
func NewKeyManager(ctx context.Context, rdb *redis.Client, apiKeys []string, budgetFraction float64) (*KeyManager, error) {
	if budgetFraction <= 0 || budgetFraction > 1 {
		budgetFraction = 0.9
	}
	m := &KeyManager{
		rdb:            rdb,
		keys:           make(map[string]string, len(apiKeys)),
		budgetFraction: budgetFraction,
	}
	for i, key := range apiKeys {
		m.keys[fmt.Sprintf("key_%d", i+1)] = key
	}

	for keyID := range m.keys {
		infoKey := keyStatePrefix + keyID + ":info"
		exists, err := rdb.Exists(ctx, infoKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check key state %s: %w", infoKey, err)
		}
		if exists == 0 {
			err := rdb.HSet(ctx, infoKey, map[string]any{
				"requests_made":         0,
				"tokens_used":           0,
				"rate_limit_remaining":  assumedRequestLimit,
				"rate_limit_reset":      0,
				"last_used":             0,
				"last_error":            "",
				"budget_limit_requests": assumedRequestBudget,
				"budget_limit_tokens":   assumedTokenBudget,
			}).Err()
			if err != nil {
				return nil, fmt.Errorf("failed to seed key state %s: %w", infoKey, err)
			}
		}
	}
	return m, nil
}

// KeyCount returns the number of configured keys.
func (m *KeyManager) KeyCount() int {
	return len(m.keys)
}

// BestKey picks the key with the most remaining headroom, skipping keys
// past their budget. Expired rate-limit windows are reset inline.
func (m *KeyManager) BestKey(ctx context.Context) (string, string, error) {
	now := float64(time.Now().Unix())
	bestID := ""
	bestScore := int64(-1)

	for keyID := range m.keys {
		infoKey := keyStatePrefix + keyID + ":info"
		info, err := m.rdb.HGetAll(ctx, infoKey).Result()
		if err != nil {
			return "", "", fmt.Errorf("failed to read key state %s: %w", infoKey, err)
		}

		remaining := hashInt(info, "rate_limit_remaining", assumedRequestLimit)
		resetAt := hashFloat(info, "rate_limit_reset", 0)
		made := hashInt(info, "requests_made", 0)
		budget := hashInt(info, "budget_limit_requests", assumedRequestBudget)

		if resetAt > 0 && now > resetAt {
			err := m.rdb.HSet(ctx, infoKey, map[string]any{
				"requests_made":        0,
				"tokens_used":          0,
				"rate_limit_remaining": assumedRequestLimit,
				"rate_limit_reset":     0,
			}).Err()
			if err != nil {
				return "", "", fmt.Errorf("failed to reset key state %s: %w", infoKey, err)
			}
			remaining = assumedRequestLimit
			made = 0
		}

		if made >= budget {
			continue
		}
		if score := remaining - made; score > bestScore {
			bestScore = score
			bestID = keyID
		}
	}

	if bestID == "" {
		return "", "", ErrNoKeys
	}
	return bestID, m.keys[bestID], nil
}

// RecordUsage updates tracked state after a successful call. Rate-limit
// headers, when present, recalibrate the budget to the configured
// fraction of the observed limit.
func (m *KeyManager) RecordUsage(ctx context.Context, keyID string, tokensUsed int, headers map[string]string) error {
	infoKey := keyStatePrefix + keyID + ":info"

	pipe := m.rdb.Pipeline()
	pipe.HIncrBy(ctx, infoKey, "requests_made", 1)
	pipe.HIncrBy(ctx, infoKey, "tokens_used", int64(tokensUsed))
	pipe.HSet(ctx, infoKey, "last_used", fmt.Sprintf("%d", time.Now().Unix()))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record usage for %s: %w", keyID, err)
	}

	if remaining, ok := headers["x-ratelimit-remaining-requests"]; ok {
		rem, err := strconv.ParseInt(remaining, 10, 64)
		if err == nil {
			made, _ := m.rdb.HGet(ctx, infoKey, "requests_made").Int64()
			total := made + rem
			err := m.rdb.HSet(ctx, infoKey, map[string]any{
				"rate_limit_remaining":  rem,
				"budget_limit_requests": int64(float64(total) * m.budgetFraction),
			}).Err()
			if err != nil {
				return fmt.Errorf("failed to record rate limit for %s: %w", keyID, err)
			}
		}
	}
	if reset, ok := headers["x-ratelimit-reset-requests"]; ok {
		resetAt := time.Now().Unix() + int64(ParseResetDuration(reset).Seconds())
		if err := m.rdb.HSet(ctx, infoKey, "rate_limit_reset", resetAt).Err(); err != nil {
			return fmt.Errorf("failed to record reset for %s: %w", keyID, err)
		}
	}
	if tokenRemaining, ok := headers["x-ratelimit-remaining-tokens"]; ok {
		rem, err := strconv.ParseInt(tokenRemaining, 10, 64)
		if err == nil {
			used, _ := m.rdb.HGet(ctx, infoKey, "tokens_used").Int64()
			total := used + rem
			err := m.rdb.HSet(ctx, infoKey, "budget_limit_tokens",
				int64(float64(total)*m.budgetFraction)).Err()
			if err != nil {
				return fmt.Errorf("failed to record token budget for %s: %w", keyID, err)
			}
		}
	}
	return nil
}

// RecordError notes the last error seen on a key.
func (m *KeyManager) RecordError(ctx context.Context, keyID, msg string) error {
	if len(msg) > 500 {
		msg = msg[:500]
	}
	infoKey := keyStatePrefix + keyID + ":info"
	if err := m.rdb.HSet(ctx, infoKey, "last_error", msg).Err(); err != nil {
		return fmt.Errorf("failed to record error for %s: %w", keyID, err)
	}
	return nil
}

// Stats returns the tracked state of every key.
func (m *KeyManager) Stats(ctx context.Context) (map[string]KeyStats, error) {
	stats := make(map[string]KeyStats, len(m.keys))
	for keyID := range m.keys {
		infoKey := keyStatePrefix + keyID + ":info"
		info, err := m.rdb.HGetAll(ctx, infoKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read key state %s: %w", infoKey, err)
		}
		stats[keyID] = KeyStats{
			RequestsMade:       hashInt(info, "requests_made", 0),
			TokensUsed:         hashInt(info, "tokens_used", 0),
			RateLimitRemaining: hashInt(info, "rate_limit_remaining", 0),
			RateLimitReset:     hashFloat(info, "rate_limit_reset", 0),
			LastUsed:           hashFloat(info, "last_used", 0),
			LastError:          info["last_error"],
		}
	}
	return stats, nil
}

var resetDurationRe = regexp.MustCompile(`(?:(\d+)h)?(?:(\d+)m)?(?:(\d+(?:\.\d+)?)s)?`)

// ParseResetDuration parses OpenAI reset durations like "6m0s" or
// "1h30m0s", defaulting to 60 s when nothing parses.
func ParseResetDuration(s string) time.Duration {
	match := resetDurationRe.FindStringSubmatch(s)
	total := 0.0
	if match != nil {
		if match[1] != "" {
			h, _ := strconv.Atoi(match[1])
			total += float64(h) * 3600
		}
		if match[2] != "" {
			m, _ := strconv.Atoi(match[2])
			total += float64(m) * 60
		}
		if match[3] != "" {
			sec, _ := strconv.ParseFloat(match[3], 64)
			total += sec
		}
	}
	if total <= 0 {
		return time.Minute
	}
	return time.Duration(total * float64(time.Second))
}

func hashInt(info map[string]string, field string, def int64) int64 {
	if v, ok := info[field]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func hashFloat(info map[string]string, field string, def float64) float64 {
	if v, ok := info[field]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
