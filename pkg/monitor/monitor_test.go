package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

func snapshotWithDepth(queue string, depth int64) *models.MetricsSnapshot {
	return &models.MetricsSnapshot{
		QueueDepths: map[string]int64{queue: depth},
	}
}

func TestDetectStalledQueues(t *testing.T) {
	cfg := config.DefaultMonitorConfig()
	cfg.QueueStallThreshold = 5 * time.Minute
	d := NewDetector(cfg)
	start := time.Now()

	// First sighting only records the depth.
	alerts := d.Detect(snapshotWithDepth("jobs:embed", 7), start)
	assert.Empty(t, alerts)

	// Unchanged but still within the threshold.
	alerts = d.Detect(snapshotWithDepth("jobs:embed", 7), start.Add(2*time.Minute))
	assert.Empty(t, alerts)

	// Unchanged past the threshold.
	alerts = d.Detect(snapshotWithDepth("jobs:embed", 7), start.Add(6*time.Minute))
	require.Len(t, alerts, 1)
	assert.Equal(t, "queue_stalled", alerts[0].Type)
	assert.Equal(t, "jobs:embed", alerts[0].Component)
	assert.Equal(t, config.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, "restart_worker", alerts[0].SuggestedAction)

	// Movement resets the clock.
	alerts = d.Detect(snapshotWithDepth("jobs:embed", 6), start.Add(7*time.Minute))
	assert.Empty(t, alerts)
	alerts = d.Detect(snapshotWithDepth("jobs:embed", 6), start.Add(10*time.Minute))
	assert.Empty(t, alerts)
}

func TestDetectStalledQueueDeepBacklogIsHigh(t *testing.T) {
	cfg := config.DefaultMonitorConfig()
	cfg.QueueStallThreshold = time.Minute
	d := NewDetector(cfg)
	start := time.Now()

	d.Detect(snapshotWithDepth("jobs:extract", 25), start)
	alerts := d.Detect(snapshotWithDepth("jobs:extract", 25), start.Add(2*time.Minute))
	require.Len(t, alerts, 1)
	assert.Equal(t, config.SeverityHigh, alerts[0].Severity)
}

func TestDetectStalledIgnoresEmptyQueues(t *testing.T) {
	cfg := config.DefaultMonitorConfig()
	cfg.QueueStallThreshold = time.Minute
	d := NewDetector(cfg)
	start := time.Now()

	d.Detect(snapshotWithDepth("jobs:crawl", 0), start)
	alerts := d.Detect(snapshotWithDepth("jobs:crawl", 0), start.Add(10*time.Minute))
	assert.Empty(t, alerts)
}

func TestDetectErrorRates(t *testing.T) {
	cfg := config.DefaultMonitorConfig()
	d := NewDetector(cfg)
	now := time.Now()

	snap := &models.MetricsSnapshot{
		Stages: map[string]models.StageStats{
			"evaluating": {Completed: 7, Failed: 3, ErrorRate: 0.3},
			"extracting": {Completed: 1, Failed: 9, ErrorRate: 0.9},
			"chunking":   {Completed: 100, Failed: 2, ErrorRate: 0.02},
			"embedding":  {Completed: 1, Failed: 1, ErrorRate: 0.5}, // too few samples
		},
	}
	alerts := d.Detect(snap, now)
	require.Len(t, alerts, 2)

	bySeverity := map[config.AlertSeverity]string{}
	for _, a := range alerts {
		assert.Equal(t, "high_error_rate", a.Type)
		assert.Equal(t, "requeue_errors", a.SuggestedAction)
		bySeverity[a.Severity] = a.Component
	}
	assert.Equal(t, "evaluating", bySeverity[config.SeverityHigh])
	assert.Equal(t, "extracting", bySeverity[config.SeverityCritical])
}

func TestDetectSlowdowns(t *testing.T) {
	cfg := config.DefaultMonitorConfig()
	cfg.SlowdownMultiplier = 3
	d := NewDetector(cfg)
	now := time.Now()

	snap := &models.MetricsSnapshot{
		Timings: map[string]models.StageTiming{
			"embedding":  {RecentAvgMS: 4000, HistoricalAvgMS: 1000, Samples: 40},
			"evaluating": {RecentAvgMS: 2500, HistoricalAvgMS: 1000, Samples: 40},
			"extracting": {RecentAvgMS: 9000, HistoricalAvgMS: 1000, Samples: 3},
			"chunking":   {RecentAvgMS: 500, HistoricalAvgMS: 0, Samples: 40},
		},
	}
	alerts := d.Detect(snap, now)
	require.Len(t, alerts, 1)
	assert.Equal(t, "processing_slowdown", alerts[0].Type)
	assert.Equal(t, "embedding", alerts[0].Component)
	assert.Equal(t, config.SeverityMedium, alerts[0].Severity)
}

func TestDetectUnhealthyContainersRespectsGrace(t *testing.T) {
	cfg := config.DefaultMonitorConfig()
	cfg.ContainerGracePeriod = time.Minute
	d := NewDetector(cfg)
	now := time.Now()

	recent := now.Add(-30 * time.Second)
	old := now.Add(-5 * time.Minute)
	snap := &models.MetricsSnapshot{
		Containers: map[string]models.ContainerHealth{
			"llm":     {Healthy: false, UnhealthySince: &recent, Error: "connection refused"},
			"crawler": {Healthy: false, UnhealthySince: &old, Error: "status 500"},
			"backend": {Healthy: true},
		},
	}
	alerts := d.Detect(snap, now)
	require.Len(t, alerts, 1)
	assert.Equal(t, "container_unhealthy", alerts[0].Type)
	assert.Equal(t, "crawler", alerts[0].Component)
	assert.Equal(t, config.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "restart_container", alerts[0].SuggestedAction)
}

func TestDetectStuckDocuments(t *testing.T) {
	d := NewDetector(config.DefaultMonitorConfig())
	now := time.Now()

	snap := &models.MetricsSnapshot{
		Documents: models.DocumentStats{
			Stuck:    3,
			StuckIDs: []string{"a", "b", "c"},
		},
	}
	alerts := d.Detect(snap, now)
	require.Len(t, alerts, 1)
	assert.Equal(t, "stuck_documents", alerts[0].Type)
	assert.Equal(t, "requeue_documents", alerts[0].SuggestedAction)
	assert.Contains(t, alerts[0].Details, "3 documents stuck")
	assert.Contains(t, alerts[0].Details, "a, b, c")

	alerts = d.Detect(&models.MetricsSnapshot{}, now)
	assert.Empty(t, alerts)
}

func TestFingerprintStability(t *testing.T) {
	a := models.Alert{Type: "queue_stalled", Component: "jobs:embed", Details: "7 jobs unmoved for 6m0s"}
	b := a
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.Details = "different"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	// Only the leading details participate, so growing counts in the
	// tail of a long message still dedupe.
	long := models.Alert{Type: "stuck_documents", Component: "pipeline"}
	long.Details = "prefix" + string(make([]byte, 200)) + "x"
	other := long
	other.Details = "prefix" + string(make([]byte, 200)) + "y"
	assert.Equal(t, Fingerprint(long), Fingerprint(other))

	assert.NotEqual(t, Fingerprint(a), Fingerprint(models.Alert{
		Type: "queue_stalled", Component: "jobs:crawl", Details: a.Details,
	}))
}

func TestRenderPrometheus(t *testing.T) {
	snap := &models.MetricsSnapshot{
		QueueDepths: map[string]int64{"jobs:crawl": 4, "jobs:embed": 0},
		Stages: map[string]models.StageStats{
			"evaluating": {Completed: 18, Failed: 2, ErrorRate: 0.1},
		},
		Containers: map[string]models.ContainerHealth{
			"llm":     {Healthy: true},
			"crawler": {Healthy: false},
		},
		Documents: models.DocumentStats{
			ByStage: map[string]int{"completed": 12, "evaluating": 3},
		},
	}
	out := renderPrometheus(snap)

	assert.Contains(t, out, `refinery_queue_depth{queue="jobs:crawl"} 4`)
	assert.Contains(t, out, `refinery_queue_depth{queue="jobs:embed"} 0`)
	assert.Contains(t, out, `refinery_stage_total{stage="evaluating"} 20`)
	assert.Contains(t, out, `refinery_stage_failed{stage="evaluating"} 2`)
	assert.Contains(t, out, `refinery_container_health{container="llm"} 1`)
	assert.Contains(t, out, `refinery_container_health{container="crawler"} 0`)
	assert.Contains(t, out, `refinery_documents_by_stage{stage="completed"} 12`)
	assert.Contains(t, out, "# TYPE refinery_queue_depth gauge")
}
