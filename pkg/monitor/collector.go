// Package monitor watches the whole system: it collects metric
// snapshots, detects anomalies, raises alerts for the healer, and
// serves the metrics over HTTP.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

const (
	statsWindow      = time.Hour
	recentSampleSize = 50
	stuckIDSample    = 5
	stuckQueryLimit  = 100
)

// Collector assembles one metrics snapshot per cycle. It keeps the
// per-container unhealthy-since bookkeeping across cycles.
type Collector struct {
	cfg    config.MonitorConfig
	pool   *pgxpool.Pool
	queue  *queue.Client
	docs   *services.DocumentService
	probes map[string]string
	http   *http.Client

	unhealthySince map[string]time.Time
}

// NewCollector builds a Collector. probes maps container names to the
// health URLs checked each cycle.
func NewCollector(cfg config.MonitorConfig, pool *pgxpool.Pool, q *queue.Client, docs *services.DocumentService, probes map[string]string) *Collector {
	return &Collector{
		cfg:            cfg,
		pool:           pool,
		queue:          q,
		docs:           docs,
		probes:         probes,
		http:           &http.Client{Timeout: cfg.ProbeTimeout},
		unhealthySince: make(map[string]time.Time),
	}
}

// Collect gathers one full snapshot.
func (c *Collector) Collect(ctx context.Context) (*models.MetricsSnapshot, error) {
	snap := &models.MetricsSnapshot{Timestamp: time.Now()}

	depths, err := c.queue.StageDepths(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue depths: %w", err)
	}
	snap.QueueDepths = depths

	if snap.Stages, err = c.stageStats(ctx); err != nil {
		return nil, err
	}
	if snap.Timings, err = c.stageTimings(ctx); err != nil {
		return nil, err
	}
	snap.Containers = c.probeContainers(ctx)
	snap.LLMHealthy = c.llmHealthy(snap.Containers)

	if snap.Documents, err = c.documentStats(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Collector) stageStats(ctx context.Context) (map[string]models.StageStats, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT stage,
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM research.processing_log
		WHERE created_at > NOW() - $1::interval
		GROUP BY stage`, statsWindow.String())
	if err != nil {
		return nil, fmt.Errorf("failed to collect stage stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]models.StageStats)
	for rows.Next() {
		var stage string
		var completed, failed int
		if err := rows.Scan(&stage, &completed, &failed); err != nil {
			return nil, fmt.Errorf("failed to scan stage stats: %w", err)
		}
		s := models.StageStats{Completed: completed, Failed: failed}
		if total := completed + failed; total > 0 {
			s.ErrorRate = float64(failed) / float64(total)
		}
		stats[stage] = s
	}
	return stats, rows.Err()
}

// stageTimings compares each stage's recent completions against its
// full history.
func (c *Collector) stageTimings(ctx context.Context) (map[string]models.StageTiming, error) {
	rows, err := c.pool.Query(ctx, `
		WITH ranked AS (
			SELECT stage, duration_ms,
			       ROW_NUMBER() OVER (PARTITION BY stage ORDER BY created_at DESC) AS rn
			FROM research.processing_log
			WHERE status = 'completed' AND duration_ms > 0
		)
		SELECT r.stage,
		       AVG(r.duration_ms) FILTER (WHERE r.rn <= $1),
		       AVG(r.duration_ms),
		       COUNT(*)
		FROM ranked r
		GROUP BY r.stage`, recentSampleSize)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stage timings: %w", err)
	}
	defer rows.Close()

	timings := make(map[string]models.StageTiming)
	for rows.Next() {
		var (
			stage      string
			recent     *float64
			historical float64
			samples    int
		)
		if err := rows.Scan(&stage, &recent, &historical, &samples); err != nil {
			return nil, fmt.Errorf("failed to scan stage timing: %w", err)
		}
		t := models.StageTiming{HistoricalAvgMS: historical, Samples: samples}
		if recent != nil {
			t.RecentAvgMS = *recent
		}
		timings[stage] = t
	}
	return timings, rows.Err()
}

// probeContainers checks each configured health endpoint, carrying
// forward how long a container has been unhealthy.
func (c *Collector) probeContainers(ctx context.Context) map[string]models.ContainerHealth {
	now := time.Now()
	out := make(map[string]models.ContainerHealth, len(c.probes))
	for name, probeURL := range c.probes {
		health := models.ContainerHealth{Healthy: true, CheckedAt: now}
		if err := c.probe(ctx, probeURL); err != nil {
			health.Healthy = false
			health.Error = err.Error()
			since, tracked := c.unhealthySince[name]
			if !tracked {
				since = now
				c.unhealthySince[name] = since
			}
			health.UnhealthySince = &since
		} else {
			delete(c.unhealthySince, name)
		}
		out[name] = health
	}
	return out
}

func (c *Collector) probe(ctx context.Context, probeURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (c *Collector) llmHealthy(containers map[string]models.ContainerHealth) bool {
	for name, health := range containers {
		if name == "llm" || name == "embedder" {
			if !health.Healthy {
				return false
			}
		}
	}
	return true
}

func (c *Collector) documentStats(ctx context.Context) (models.DocumentStats, error) {
	var stats models.DocumentStats

	byStage, err := c.docs.CountsByStage(ctx)
	if err != nil {
		return stats, err
	}
	stats.ByStage = make(map[string]int, len(byStage))
	for stage, n := range byStage {
		stats.ByStage[string(stage)] = n
	}

	stuck, err := c.docs.StuckDocuments(ctx, c.cfg.StuckAfter, stuckQueryLimit)
	if err != nil {
		return stats, err
	}
	stats.Stuck = len(stuck)
	for i, doc := range stuck {
		if i == stuckIDSample {
			break
		}
		stats.StuckIDs = append(stats.StuckIDs, doc.ID.String())
	}
	return stats, nil
}
