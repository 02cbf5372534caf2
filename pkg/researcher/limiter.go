package researcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/queue"
)

const (
	rateTotalKey     = "researcher:rate:total"
	rateDomainPrefix = "researcher:rate:domain:"
	rateWindow       = time.Hour
)

// Limiter enforces the submission budgets: a global hourly cap, a
// per-domain hourly cap, and a cooldown between submissions. Counters
// live in the shared key-value store so multiple researcher instances
// share one budget; the cooldown is per-instance.
type Limiter struct {
	cfg   config.ResearcherConfig
	queue *queue.Client

	mu         sync.Mutex
	lastSubmit time.Time
}

// NewLimiter builds a Limiter.
func NewLimiter(cfg config.ResearcherConfig, q *queue.Client) *Limiter {
	return &Limiter{cfg: cfg, queue: q}
}

// Allow returns nil when a submission to domain may proceed, or an
// error naming the exhausted budget.
func (l *Limiter) Allow(ctx context.Context, domain string) error {
	l.mu.Lock()
	sinceLast := time.Since(l.lastSubmit)
	l.mu.Unlock()
	if sinceLast < l.cfg.Cooldown {
		return fmt.Errorf("cooldown: %s until next submission", l.cfg.Cooldown-sinceLast)
	}

	total, err := l.queue.Count(ctx, rateTotalKey)
	if err != nil {
		return fmt.Errorf("failed to read rate counter: %w", err)
	}
	if total >= int64(l.cfg.MaxURLsPerHour) {
		return fmt.Errorf("hourly budget exhausted (%d)", l.cfg.MaxURLsPerHour)
	}

	perDomain, err := l.queue.Count(ctx, rateDomainPrefix+domain)
	if err != nil {
		return fmt.Errorf("failed to read domain rate counter: %w", err)
	}
	if perDomain >= int64(l.cfg.MaxPerDomainPerHour) {
		return fmt.Errorf("hourly budget for %s exhausted (%d)", domain, l.cfg.MaxPerDomainPerHour)
	}
	return nil
}

// Record counts one successful submission against both budgets.
func (l *Limiter) Record(ctx context.Context, domain string) error {
	l.mu.Lock()
	l.lastSubmit = time.Now()
	l.mu.Unlock()

	if _, err := l.queue.IncrWindow(ctx, rateTotalKey, rateWindow); err != nil {
		return fmt.Errorf("failed to bump rate counter: %w", err)
	}
	if _, err := l.queue.IncrWindow(ctx, rateDomainPrefix+domain, rateWindow); err != nil {
		return fmt.Errorf("failed to bump domain rate counter: %w", err)
	}
	return nil
}
