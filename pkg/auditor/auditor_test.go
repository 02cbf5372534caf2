package auditor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

func TestCompletenessScore(t *testing.T) {
	assert.Equal(t, 0.0, completenessScore(codeFacets{}))
	assert.InDelta(t, 1.0, completenessScore(codeFacets{
		HasDescription: true, HasCategory: true, HasSeverity: true,
		CauseCount: 3, StepCount: 5, SensorCount: 1, TSBCount: 1,
	}), 1e-9)

	// Steps are the heaviest single facet.
	assert.InDelta(t, 0.30, completenessScore(codeFacets{StepCount: 1}), 1e-9)
	assert.InDelta(t, 0.25, completenessScore(codeFacets{CauseCount: 10}), 1e-9)
	assert.InDelta(t, 0.15, completenessScore(codeFacets{HasDescription: true}), 1e-9)
}

func TestBucketFor(t *testing.T) {
	assert.Equal(t, "<0.2", bucketFor(0.0))
	assert.Equal(t, "<0.2", bucketFor(0.19))
	assert.Equal(t, "0.2-0.4", bucketFor(0.2))
	assert.Equal(t, "0.4-0.6", bucketFor(0.5))
	assert.Equal(t, "0.6-0.8", bucketFor(0.79))
	assert.Equal(t, ">=0.8", bucketFor(0.8))
	assert.Equal(t, ">=0.8", bucketFor(1.0))
}

func TestLowestCompleteness(t *testing.T) {
	codes := []CodeCompleteness{
		{Code: "P0100", Completeness: 0.9},
		{Code: "P0200", Completeness: 0.1},
		{Code: "P0300", Completeness: 0.5},
		{Code: "P0400", Completeness: 0.1, Confidence: 0.9},
	}
	lowest := lowestCompleteness(codes, 2)
	require.Len(t, lowest, 2)
	// Equal completeness ties break on confidence, lowest first.
	assert.Equal(t, "P0200", lowest[0].Code)
	assert.Equal(t, "P0400", lowest[1].Code)
}

func TestAnalyzeCoverageFlagsSparseWindows(t *testing.T) {
	// 12 P0 codes concentrated in the 300 window, leaving the rest
	// empty; B0 has too few codes to audit at all.
	var codes []string
	for i := 0; i < 12; i++ {
		codes = append(codes, fmt.Sprintf("P03%02d", i))
	}
	codes = append(codes, "B0012", "not-a-code")

	m := analyzeCoverage(codes)
	assert.Equal(t, 14, m.TotalCodes)
	assert.Equal(t, 12, m.ByPrefix["P0"])
	assert.Equal(t, 1, m.ByPrefix["B0"])
	assert.Equal(t, 12, m.ByCategory["powertrain"])

	require.NotEmpty(t, m.Gaps)
	for _, gap := range m.Gaps {
		assert.Equal(t, "P0", gap.Prefix, "only P0 cleared the audit threshold")
		assert.NotEqual(t, "P0300-P0399", gap.Range, "the populated window is not a gap")
		assert.Equal(t, config.SeverityHigh, gap.Priority, "empty windows are high priority")
		assert.Zero(t, gap.ExistingCount)
	}
	// 9 empty hundred-windows in P0 outside 300-399.
	assert.Len(t, m.Gaps, 9)
}

func TestAnalyzeCoverageP3StopsAt499(t *testing.T) {
	var codes []string
	for i := 0; i < 11; i++ {
		codes = append(codes, fmt.Sprintf("P31%02d", i))
	}
	// Outside the standardized P3 span; ignored entirely.
	codes = append(codes, "P3500", "P3999")

	m := analyzeCoverage(codes)
	assert.Equal(t, 11, m.ByPrefix["P3"])
	for _, gap := range m.Gaps {
		assert.LessOrEqual(t, gap.Range, "P3400-P3499")
	}
	// Windows 000, 200, 300, 400 are empty; 100 is populated.
	assert.Len(t, m.Gaps, 4)
}

func TestAnalyzeCoverageGapOrdering(t *testing.T) {
	var codes []string
	for i := 0; i < 11; i++ {
		codes = append(codes, fmt.Sprintf("U00%02d", i)) // window 000 populated
	}
	codes = append(codes, "U0101", "U0102") // window 100 sparse but nonzero

	m := analyzeCoverage(codes)
	require.NotEmpty(t, m.Gaps)
	assert.Equal(t, config.SeverityHigh, m.Gaps[0].Priority)
	last := m.Gaps[len(m.Gaps)-1]
	assert.Equal(t, config.SeverityMedium, last.Priority)
	assert.Equal(t, "U0100-U0199", last.Range)
	assert.Equal(t, 2, last.ExistingCount)
}

func TestBuildRecommendationsOrdering(t *testing.T) {
	quality := &QualityMetrics{
		TotalCodes: 40,
		LowestCodes: []CodeCompleteness{
			{Code: "P0420", Confidence: 0.2, Completeness: 0.3},
			{Code: "P0171", Confidence: 0.9, Completeness: 0.9},
		},
	}
	coverage := &CoverageMetrics{
		Gaps: []models.CodeGap{{Range: "P0100-P0199", Prefix: "P0"}},
	}
	pipeline := &PipelineMetrics{
		Health:     config.HealthDegraded,
		Stages:     map[string]models.StageStats{"extracting": {Completed: 2, Failed: 8, ErrorRate: 0.8}},
		StuckCount: 9,
	}

	recs := buildRecommendations(quality, coverage, pipeline)
	require.Len(t, recs, 5)
	assert.Equal(t, models.RecFixPipeline, recs[0].Type)
	assert.Equal(t, models.RecReprocessErrors, recs[1].Type)
	assert.Equal(t, models.RecFillGaps, recs[2].Type)
	assert.Equal(t, models.RecImproveConfidence, recs[3].Type)
	assert.Equal(t, models.RecExpandCoverage, recs[4].Type)

	assert.Equal(t, []string{"P0100-P0199"}, recs[2].TargetRanges)
	assert.Equal(t, []string{"P0420"}, recs[3].TargetCodes)
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i].Priority, recs[i-1].Priority)
	}
}

func TestBuildRecommendationsHealthyQuiet(t *testing.T) {
	quality := &QualityMetrics{TotalCodes: 800}
	coverage := &CoverageMetrics{}
	pipeline := &PipelineMetrics{Health: config.HealthHealthy}

	recs := buildRecommendations(quality, coverage, pipeline)
	assert.Empty(t, recs)
}

func TestClassifyHealth(t *testing.T) {
	assert.Equal(t, config.HealthHealthy, classifyHealth(&PipelineMetrics{}))
	assert.Equal(t, config.HealthBusy, classifyHealth(&PipelineMetrics{TotalQueued: 51}))
	assert.Equal(t, config.HealthDegraded, classifyHealth(&PipelineMetrics{StuckCount: 6}))
	assert.Equal(t, config.HealthDegraded, classifyHealth(&PipelineMetrics{
		Stages: map[string]models.StageStats{
			"evaluating": {Completed: 4, Failed: 2, ErrorRate: 1.0 / 3},
		},
	}))
	// Too few samples to call it degraded.
	assert.Equal(t, config.HealthHealthy, classifyHealth(&PipelineMetrics{
		Stages: map[string]models.StageStats{
			"evaluating": {Completed: 1, Failed: 1, ErrorRate: 0.5},
		},
	}))
}

func TestBuildSnapshotDate(t *testing.T) {
	quality := &QualityMetrics{
		Histogram:       map[string]int{">=0.8": 3},
		AvgCompleteness: 0.42,
	}
	coverage := &CoverageMetrics{TotalCodes: 3, ByCategory: map[string]int{"powertrain": 3}}

	at := time.Date(2026, 8, 25, 17, 4, 5, 0, time.FixedZone("x", 3600))
	snap := buildSnapshot(quality, coverage, at)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), snap.SnapshotDate)
	assert.Equal(t, 3, snap.TotalDTCCodes)
	assert.Equal(t, 3, snap.ByConfidenceTier[">=0.8"])
	assert.InDelta(t, 0.42, snap.CompletenessScore, 1e-9)
}
