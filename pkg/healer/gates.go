package healer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

const (
	actionCountKey = "healing:action_count"
	actionWindow   = time.Hour
	fingerprintTTL = 10 * time.Minute
)

// errDenied means the action is outside the allow policy; the alert
// should be escalated, not retried later.
var errDenied = errors.New("action not permitted by policy")

// errThrottled means a budget or cooldown is in the way; the alert is
// deferred.
var errThrottled = errors.New("action throttled")

// Gatekeeper enforces the safety policy in front of the executor: the
// allow/deny lists, the hourly action budget, and the cooldown between
// actions. The budget counter is shared through the key-value store;
// the cooldown is per-instance.
type Gatekeeper struct {
	cfg     config.HealerConfig
	queue   *queue.Client
	healing *services.HealingService

	mu         sync.Mutex
	lastAction time.Time
}

// NewGatekeeper builds a Gatekeeper.
func NewGatekeeper(cfg config.HealerConfig, q *queue.Client, healing *services.HealingService) *Gatekeeper {
	return &Gatekeeper{cfg: cfg, queue: q, healing: healing}
}

// Permit returns nil when action may execute now. A denial wraps
// errDenied, a budget or cooldown miss wraps errThrottled.
func (g *Gatekeeper) Permit(ctx context.Context, action string) error {
	if contains(g.cfg.DenyActions, action) {
		return fmt.Errorf("%w: %s is deny-listed", errDenied, action)
	}
	if !contains(g.cfg.AllowActions, action) {
		return fmt.Errorf("%w: %s is not allow-listed", errDenied, action)
	}

	g.mu.Lock()
	sinceLast := time.Since(g.lastAction)
	g.mu.Unlock()
	if sinceLast < g.cfg.Cooldown {
		return fmt.Errorf("%w: %s left of cooldown", errThrottled, g.cfg.Cooldown-sinceLast)
	}

	executed, err := g.recentActions(ctx)
	if err != nil {
		return fmt.Errorf("failed to check action budget: %w", err)
	}
	if executed >= g.cfg.MaxActionsPerHour {
		return fmt.Errorf("%w: hourly action budget exhausted (%d)", errThrottled, g.cfg.MaxActionsPerHour)
	}
	return nil
}

// recentActions reads the shared counter, falling back to the healing
// log when the counter is unreachable.
func (g *Gatekeeper) recentActions(ctx context.Context) (int, error) {
	n, err := g.queue.Count(ctx, actionCountKey)
	if err == nil {
		return int(n), nil
	}
	return g.healing.RecentActions(ctx, actionWindow.String())
}

// RecordExecution counts one executed action against the budget and
// starts the cooldown.
func (g *Gatekeeper) RecordExecution(ctx context.Context) error {
	g.mu.Lock()
	g.lastAction = time.Now()
	g.mu.Unlock()

	if _, err := g.queue.IncrWindow(ctx, actionCountKey, actionWindow); err != nil {
		return fmt.Errorf("failed to bump action counter: %w", err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
