package auditor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

const (
	statsWindow        = time.Hour
	busyQueueTotal     = 50
	degradedStuckCount = 5
	degradedErrorRate  = 0.15
	stuckAfter         = 30 * time.Minute
	stuckSampleLimit   = 100
)

// PipelineMetrics summarizes pipeline throughput and health for one
// audit run.
type PipelineMetrics struct {
	Health       config.Health                `json:"health"`
	Stages       map[string]models.StageStats `json:"stages"`
	QueueDepths  map[string]int64             `json:"queue_depths"`
	TotalQueued  int64                        `json:"total_queued"`
	Bottleneck   string                       `json:"bottleneck,omitempty"`
	SlowestStage string                       `json:"slowest_stage,omitempty"`
	StuckCount   int                          `json:"stuck_count"`
}

// PipelineAnalyzer checks throughput, queue depths and stuck documents.
type PipelineAnalyzer struct {
	pool  *pgxpool.Pool
	queue *queue.Client
	docs  *services.DocumentService
}

// NewPipelineAnalyzer creates a PipelineAnalyzer.
func NewPipelineAnalyzer(pool *pgxpool.Pool, q *queue.Client, docs *services.DocumentService) *PipelineAnalyzer {
	return &PipelineAnalyzer{pool: pool, queue: q, docs: docs}
}

// Analyze computes pipeline metrics over the last hour.
func (a *PipelineAnalyzer) Analyze(ctx context.Context) (*PipelineMetrics, error) {
	metrics := &PipelineMetrics{
		Stages: make(map[string]models.StageStats),
	}

	rows, err := a.pool.Query(ctx, `
		SELECT stage,
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(AVG(duration_ms) FILTER (WHERE status = 'completed'), 0)
		FROM research.processing_log
		WHERE created_at > NOW() - $1::interval
		GROUP BY stage`, statsWindow.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query stage stats: %w", err)
	}
	defer rows.Close()

	var slowestAvg float64
	for rows.Next() {
		var (
			stage             string
			completed, failed int
			avgMS             float64
		)
		if err := rows.Scan(&stage, &completed, &failed, &avgMS); err != nil {
			return nil, fmt.Errorf("failed to scan stage stats: %w", err)
		}
		stats := models.StageStats{Completed: completed, Failed: failed}
		if total := completed + failed; total > 0 {
			stats.ErrorRate = float64(failed) / float64(total)
		}
		metrics.Stages[stage] = stats
		if avgMS > slowestAvg {
			slowestAvg = avgMS
			metrics.SlowestStage = stage
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stage stats: %w", err)
	}

	depths, err := a.queue.StageDepths(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}
	metrics.QueueDepths = depths
	var deepest int64
	for q, depth := range depths {
		metrics.TotalQueued += depth
		if depth > deepest {
			deepest = depth
			metrics.Bottleneck = q
		}
	}

	stuck, err := a.docs.StuckDocuments(ctx, stuckAfter, stuckSampleLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to count stuck documents: %w", err)
	}
	metrics.StuckCount = len(stuck)

	metrics.Health = classifyHealth(metrics)
	return metrics, nil
}

// classifyHealth grades the pipeline: degraded beats busy beats healthy.
func classifyHealth(m *PipelineMetrics) config.Health {
	if m.StuckCount > degradedStuckCount {
		return config.HealthDegraded
	}
	for _, stats := range m.Stages {
		if stats.ErrorRate > degradedErrorRate && stats.Completed+stats.Failed >= 5 {
			return config.HealthDegraded
		}
	}
	if m.TotalQueued > busyQueueTotal {
		return config.HealthBusy
	}
	return config.HealthHealthy
}
