package monitor

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

const (
	stalledDepthHigh   = 10
	criticalErrorRate  = 0.5
	minErrorSamples    = 5
	fingerprintDetails = 100
)

// queueObs remembers when a queue's depth last changed, so an unmoving
// non-empty queue can be called stalled.
type queueObs struct {
	depth     int64
	lastMoved time.Time
}

// Detector derives alerts from a snapshot. It keeps queue-movement
// history across cycles; everything else is stateless.
type Detector struct {
	cfg    config.MonitorConfig
	queues map[string]queueObs
}

// NewDetector builds a Detector.
func NewDetector(cfg config.MonitorConfig) *Detector {
	return &Detector{cfg: cfg, queues: make(map[string]queueObs)}
}

// Detect runs every detector over one snapshot.
func (d *Detector) Detect(snap *models.MetricsSnapshot, now time.Time) []models.Alert {
	var alerts []models.Alert
	alerts = append(alerts, d.detectStalledQueues(snap, now)...)
	alerts = append(alerts, d.detectErrorRates(snap, now)...)
	alerts = append(alerts, d.detectSlowdowns(snap, now)...)
	alerts = append(alerts, d.detectUnhealthyContainers(snap, now)...)
	alerts = append(alerts, d.detectStuckDocuments(snap, now)...)
	return alerts
}

func (d *Detector) detectStalledQueues(snap *models.MetricsSnapshot, now time.Time) []models.Alert {
	var alerts []models.Alert
	for q, depth := range snap.QueueDepths {
		obs, seen := d.queues[q]
		if !seen || obs.depth != depth || depth == 0 {
			d.queues[q] = queueObs{depth: depth, lastMoved: now}
			continue
		}
		stalled := now.Sub(obs.lastMoved)
		if stalled < d.cfg.QueueStallThreshold {
			continue
		}
		severity := config.SeverityMedium
		if depth > stalledDepthHigh {
			severity = config.SeverityHigh
		}
		alerts = append(alerts, models.Alert{
			Type:            "queue_stalled",
			Component:       q,
			Severity:        severity,
			Details:         fmt.Sprintf("%d jobs unmoved for %s", depth, stalled.Round(time.Second)),
			SuggestedAction: "restart_worker",
			Timestamp:       now,
		})
	}
	return alerts
}

func (d *Detector) detectErrorRates(snap *models.MetricsSnapshot, now time.Time) []models.Alert {
	var alerts []models.Alert
	for stage, stats := range snap.Stages {
		if stats.Completed+stats.Failed < minErrorSamples {
			continue
		}
		if stats.ErrorRate <= d.cfg.ErrorRateThreshold {
			continue
		}
		severity := config.SeverityHigh
		if stats.ErrorRate > criticalErrorRate {
			severity = config.SeverityCritical
		}
		alerts = append(alerts, models.Alert{
			Type:            "high_error_rate",
			Component:       stage,
			Severity:        severity,
			Details:         fmt.Sprintf("%.0f%% of %d jobs failed in the last hour", stats.ErrorRate*100, stats.Completed+stats.Failed),
			SuggestedAction: "requeue_errors",
			Timestamp:       now,
		})
	}
	return alerts
}

func (d *Detector) detectSlowdowns(snap *models.MetricsSnapshot, now time.Time) []models.Alert {
	var alerts []models.Alert
	for stage, timing := range snap.Timings {
		if timing.HistoricalAvgMS <= 0 || timing.Samples < minErrorSamples {
			continue
		}
		if timing.RecentAvgMS <= timing.HistoricalAvgMS*d.cfg.SlowdownMultiplier {
			continue
		}
		alerts = append(alerts, models.Alert{
			Type:      "processing_slowdown",
			Component: stage,
			Severity:  config.SeverityMedium,
			Details: fmt.Sprintf("recent avg %.0fms vs historical %.0fms",
				timing.RecentAvgMS, timing.HistoricalAvgMS),
			Timestamp: now,
		})
	}
	return alerts
}

func (d *Detector) detectUnhealthyContainers(snap *models.MetricsSnapshot, now time.Time) []models.Alert {
	var alerts []models.Alert
	for name, health := range snap.Containers {
		if health.Healthy || health.UnhealthySince == nil {
			continue
		}
		if now.Sub(*health.UnhealthySince) < d.cfg.ContainerGracePeriod {
			continue
		}
		alerts = append(alerts, models.Alert{
			Type:            "container_unhealthy",
			Component:       name,
			Severity:        config.SeverityCritical,
			Details:         fmt.Sprintf("unhealthy since %s: %s", health.UnhealthySince.Format(time.RFC3339), health.Error),
			SuggestedAction: "restart_container",
			Timestamp:       now,
		})
	}
	return alerts
}

func (d *Detector) detectStuckDocuments(snap *models.MetricsSnapshot, now time.Time) []models.Alert {
	if snap.Documents.Stuck == 0 {
		return nil
	}
	details := fmt.Sprintf("%d documents stuck mid-pipeline", snap.Documents.Stuck)
	if len(snap.Documents.StuckIDs) > 0 {
		details += ": " + strings.Join(snap.Documents.StuckIDs, ", ")
	}
	return []models.Alert{{
		Type:            "stuck_documents",
		Component:       "pipeline",
		Severity:        config.SeverityMedium,
		Details:         details,
		SuggestedAction: "requeue_documents",
		Timestamp:       now,
	}}
}

// Fingerprint identifies an alert for dedup: same type, component and
// leading details within the dedup window collapse to one.
func Fingerprint(a models.Alert) string {
	details := a.Details
	if len(details) > fingerprintDetails {
		details = details[:fingerprintDetails]
	}
	sum := md5.Sum([]byte(a.Type + "|" + a.Component + "|" + details))
	return hex.EncodeToString(sum[:])
}
