package auditor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

// Recommendation priorities, lower acts first.
const (
	prioFixPipeline       = 1
	prioReprocessErrors   = 2
	prioFillGaps          = 4
	prioImproveConfidence = 5
	prioExpandCoverage    = 6
)

const (
	lowConfidenceFloor  = 0.4
	lowCompletenessBar  = 0.5
	coverageTargetCodes = 500
)

// auditMetrics is the metrics JSON stored with every report.
type auditMetrics struct {
	Quality  *QualityMetrics  `json:"quality"`
	Coverage *CoverageMetrics `json:"coverage"`
	Pipeline *PipelineMetrics `json:"pipeline"`
}

// buildReport turns the three analyses into a stored-ready report.
func buildReport(quality *QualityMetrics, coverage *CoverageMetrics, pipeline *PipelineMetrics) (*models.AuditReport, error) {
	metrics, err := json.Marshal(auditMetrics{Quality: quality, Coverage: coverage, Pipeline: pipeline})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit metrics: %w", err)
	}
	return &models.AuditReport{
		ReportType:      "full",
		Summary:         buildSummary(quality, coverage, pipeline),
		Metrics:         metrics,
		Recommendations: buildRecommendations(quality, coverage, pipeline),
	}, nil
}

func buildSummary(quality *QualityMetrics, coverage *CoverageMetrics, pipeline *PipelineMetrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Knowledge base: %d codes, avg confidence %.2f, avg completeness %.2f. ",
		quality.TotalCodes, quality.AvgConfidence, quality.AvgCompleteness)
	fmt.Fprintf(&b, "Coverage: %d gap ranges flagged. ", len(coverage.Gaps))
	fmt.Fprintf(&b, "Pipeline: %s, %d queued", pipeline.Health, pipeline.TotalQueued)
	if pipeline.Bottleneck != "" {
		fmt.Fprintf(&b, ", bottleneck %s", pipeline.Bottleneck)
	}
	if pipeline.StuckCount > 0 {
		fmt.Fprintf(&b, ", %d stuck documents", pipeline.StuckCount)
	}
	b.WriteString(".")
	return b.String()
}

// buildRecommendations derives prioritized actions. Pipeline problems
// outrank knowledge problems: a broken pipeline invalidates everything
// downstream.
func buildRecommendations(quality *QualityMetrics, coverage *CoverageMetrics, pipeline *PipelineMetrics) []models.Recommendation {
	var recs []models.Recommendation

	if pipeline.Health == config.HealthDegraded {
		recs = append(recs, models.Recommendation{
			Type:     models.RecFixPipeline,
			Priority: prioFixPipeline,
			Description: fmt.Sprintf("pipeline degraded: %d stuck documents, bottleneck %s",
				pipeline.StuckCount, pipeline.Bottleneck),
		})
	}
	var failures int
	for _, stats := range pipeline.Stages {
		failures += stats.Failed
	}
	if failures > 0 {
		recs = append(recs, models.Recommendation{
			Type:        models.RecReprocessErrors,
			Priority:    prioReprocessErrors,
			Description: fmt.Sprintf("%d stage failures in the last hour", failures),
		})
	}

	if len(coverage.Gaps) > 0 {
		ranges := make([]string, 0, len(coverage.Gaps))
		for _, gap := range coverage.Gaps {
			ranges = append(ranges, gap.Range)
		}
		recs = append(recs, models.Recommendation{
			Type:         models.RecFillGaps,
			Priority:     prioFillGaps,
			Description:  fmt.Sprintf("%d sparse code ranges", len(coverage.Gaps)),
			TargetRanges: ranges,
		})
	}

	weak := weakCodes(quality)
	if len(weak) > 0 {
		recs = append(recs, models.Recommendation{
			Type:        models.RecImproveConfidence,
			Priority:    prioImproveConfidence,
			Description: fmt.Sprintf("%d codes below confidence %.1f or completeness %.1f", len(weak), lowConfidenceFloor, lowCompletenessBar),
			TargetCodes: weak,
		})
	}

	if quality.TotalCodes < coverageTargetCodes {
		recs = append(recs, models.Recommendation{
			Type:        models.RecExpandCoverage,
			Priority:    prioExpandCoverage,
			Description: fmt.Sprintf("knowledge base holds %d of a %d-code target", quality.TotalCodes, coverageTargetCodes),
		})
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}

func weakCodes(quality *QualityMetrics) []string {
	var codes []string
	for _, c := range quality.LowestCodes {
		if c.Confidence < lowConfidenceFloor || c.Completeness < lowCompletenessBar {
			codes = append(codes, c.Code)
		}
	}
	return codes
}

// buildSnapshot derives the daily coverage snapshot from the same
// analyses.
func buildSnapshot(quality *QualityMetrics, coverage *CoverageMetrics, now time.Time) *models.CoverageSnapshot {
	tiers := make(map[string]int, len(quality.Histogram))
	for bucket, n := range quality.Histogram {
		tiers[bucket] = n
	}
	return &models.CoverageSnapshot{
		SnapshotDate:      now.UTC().Truncate(24 * time.Hour),
		TotalDTCCodes:     coverage.TotalCodes,
		ByCategory:        coverage.ByCategory,
		ByConfidenceTier:  tiers,
		GapRanges:         coverage.Gaps,
		CompletenessScore: quality.AvgCompleteness,
	}
}

// sortCompleteness orders worst-first for the lowest-codes list.
func sortCompleteness(codes []CodeCompleteness) {
	sort.Slice(codes, func(i, j int) bool {
		if codes[i].Completeness != codes[j].Completeness {
			return codes[i].Completeness < codes[j].Completeness
		}
		if codes[i].Confidence != codes[j].Confidence {
			return codes[i].Confidence < codes[j].Confidence
		}
		return codes[i].Code < codes[j].Code
	})
}
