// Package auditor inspects the refined knowledge base and the pipeline
// and turns what it finds into an audit report with recommendations for
// the orchestrator.
package auditor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Confidence histogram bucket labels, low to high.
var confidenceBuckets = []string{"<0.2", "0.2-0.4", "0.4-0.6", "0.6-0.8", ">=0.8"}

// Completeness weights per knowledge facet. Diagnostic steps and causes
// dominate: they are what a mechanic actually needs.
const (
	weightDescription = 0.15
	weightCategory    = 0.05
	weightSeverity    = 0.05
	weightCauses      = 0.25
	weightSteps       = 0.30
	weightSensors     = 0.10
	weightTSB         = 0.10
)

const lowestCodeCount = 20

// CodeCompleteness scores one DTC code's knowledge coverage.
type CodeCompleteness struct {
	Code         string  `json:"code"`
	Confidence   float64 `json:"confidence"`
	Completeness float64 `json:"completeness"`
}

// codeFacets is the raw per-code facet row the completeness score is
// computed from.
type codeFacets struct {
	HasDescription bool
	HasCategory    bool
	HasSeverity    bool
	CauseCount     int
	StepCount      int
	SensorCount    int
	TSBCount       int
}

// QualityMetrics summarizes knowledge-base quality for one audit run.
type QualityMetrics struct {
	TotalCodes      int                `json:"total_codes"`
	AvgConfidence   float64            `json:"avg_confidence"`
	Histogram       map[string]int     `json:"confidence_histogram"`
	AvgCompleteness float64            `json:"avg_completeness"`
	LowestCodes     []CodeCompleteness `json:"lowest_codes,omitempty"`
}

// completenessScore applies the facet weights. Presence is binary: one
// cause counts the same as ten for the facet being covered at all.
func completenessScore(f codeFacets) float64 {
	var score float64
	if f.HasDescription {
		score += weightDescription
	}
	if f.HasCategory {
		score += weightCategory
	}
	if f.HasSeverity {
		score += weightSeverity
	}
	if f.CauseCount > 0 {
		score += weightCauses
	}
	if f.StepCount > 0 {
		score += weightSteps
	}
	if f.SensorCount > 0 {
		score += weightSensors
	}
	if f.TSBCount > 0 {
		score += weightTSB
	}
	return score
}

func bucketFor(confidence float64) string {
	switch {
	case confidence < 0.2:
		return confidenceBuckets[0]
	case confidence < 0.4:
		return confidenceBuckets[1]
	case confidence < 0.6:
		return confidenceBuckets[2]
	case confidence < 0.8:
		return confidenceBuckets[3]
	default:
		return confidenceBuckets[4]
	}
}

// QualityAnalyzer computes quality metrics from the refined tables.
type QualityAnalyzer struct {
	pool *pgxpool.Pool
}

// NewQualityAnalyzer creates a QualityAnalyzer.
func NewQualityAnalyzer(pool *pgxpool.Pool) *QualityAnalyzer {
	return &QualityAnalyzer{pool: pool}
}

// Analyze walks every refined code once, building the confidence
// histogram, average completeness and the worst offenders.
func (a *QualityAnalyzer) Analyze(ctx context.Context) (*QualityMetrics, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT d.code, d.confidence_score,
		       COALESCE(d.description, '') <> '',
		       COALESCE(d.category, '') <> '',
		       COALESCE(d.severity, '') <> '',
		       (SELECT COUNT(*) FROM refined.causes c WHERE c.dtc_id = d.id),
		       (SELECT COUNT(*) FROM refined.diagnostic_steps s WHERE s.dtc_id = d.id),
		       (SELECT COUNT(*) FROM refined.sensors se WHERE d.code = ANY(se.related_dtc_codes)),
		       (SELECT COUNT(*) FROM refined.tsb_references t WHERE d.code = ANY(t.related_dtc_codes))
		FROM refined.dtc_codes d`)
	if err != nil {
		return nil, fmt.Errorf("failed to query code quality: %w", err)
	}
	defer rows.Close()

	metrics := &QualityMetrics{Histogram: make(map[string]int, len(confidenceBuckets))}
	for _, b := range confidenceBuckets {
		metrics.Histogram[b] = 0
	}

	var sumConfidence, sumCompleteness float64
	var all []CodeCompleteness
	for rows.Next() {
		var (
			code       string
			confidence float64
			f          codeFacets
		)
		if err := rows.Scan(&code, &confidence,
			&f.HasDescription, &f.HasCategory, &f.HasSeverity,
			&f.CauseCount, &f.StepCount, &f.SensorCount, &f.TSBCount); err != nil {
			return nil, fmt.Errorf("failed to scan code quality row: %w", err)
		}
		completeness := completenessScore(f)
		metrics.TotalCodes++
		metrics.Histogram[bucketFor(confidence)]++
		sumConfidence += confidence
		sumCompleteness += completeness
		all = append(all, CodeCompleteness{Code: code, Confidence: confidence, Completeness: completeness})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read code quality rows: %w", err)
	}

	if metrics.TotalCodes > 0 {
		metrics.AvgConfidence = sumConfidence / float64(metrics.TotalCodes)
		metrics.AvgCompleteness = sumCompleteness / float64(metrics.TotalCodes)
	}
	metrics.LowestCodes = lowestCompleteness(all, lowestCodeCount)
	return metrics, nil
}

// lowestCompleteness returns the n least-complete codes, ties broken by
// confidence then code for stable output.
func lowestCompleteness(codes []CodeCompleteness, n int) []CodeCompleteness {
	sorted := make([]CodeCompleteness, len(codes))
	copy(sorted, codes)
	sortCompleteness(sorted)
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
