package auditor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

// prefixCategories maps the audited code prefixes to vehicle systems.
// P3 is special-cased: only suffixes up to 499 are standardized.
var prefixCategories = map[string]string{
	"P0": "powertrain",
	"P1": "powertrain",
	"P2": "powertrain",
	"P3": "powertrain",
	"B0": "body",
	"B1": "body",
	"C0": "chassis",
	"C1": "chassis",
	"U0": "network",
	"U1": "network",
}

var codePattern = regexp.MustCompile(`^([PBCU]\d)(\d{2,3})$`)

const (
	windowSize      = 100
	sparseThreshold = 5
	minPrefixTotal  = 10
	maxGapRanges    = 30
	p3SuffixMax     = 499
)

// CoverageMetrics summarizes knowledge-base breadth for one audit run.
type CoverageMetrics struct {
	TotalCodes int              `json:"total_codes"`
	ByPrefix   map[string]int   `json:"by_prefix"`
	ByCategory map[string]int   `json:"by_category"`
	Gaps       []models.CodeGap `json:"gaps,omitempty"`
}

// CoverageAnalyzer finds sparse hundred-code windows in the audited
// prefixes.
type CoverageAnalyzer struct {
	pool *pgxpool.Pool
}

// NewCoverageAnalyzer creates a CoverageAnalyzer.
func NewCoverageAnalyzer(pool *pgxpool.Pool) *CoverageAnalyzer {
	return &CoverageAnalyzer{pool: pool}
}

// Analyze loads every known code and computes the gap windows.
func (a *CoverageAnalyzer) Analyze(ctx context.Context) (*CoverageMetrics, error) {
	rows, err := a.pool.Query(ctx, `SELECT code FROM refined.dtc_codes`)
	if err != nil {
		return nil, fmt.Errorf("failed to list codes for coverage: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read codes: %w", err)
	}
	return analyzeCoverage(codes), nil
}

// analyzeCoverage is the pure half of coverage analysis: bucket codes
// into hundred-wide windows per prefix and flag the sparse ones.
func analyzeCoverage(codes []string) *CoverageMetrics {
	metrics := &CoverageMetrics{
		TotalCodes: len(codes),
		ByPrefix:   make(map[string]int),
		ByCategory: make(map[string]int),
	}

	// windows[prefix][windowStart] = count
	windows := make(map[string]map[int]int)
	for _, code := range codes {
		m := codePattern.FindStringSubmatch(code)
		if m == nil {
			continue
		}
		prefix := m[1]
		category, audited := prefixCategories[prefix]
		if !audited {
			continue
		}
		suffix, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if prefix == "P3" && suffix > p3SuffixMax {
			continue
		}
		metrics.ByPrefix[prefix]++
		metrics.ByCategory[category]++
		if windows[prefix] == nil {
			windows[prefix] = make(map[int]int)
		}
		windows[prefix][(suffix/windowSize)*windowSize]++
	}

	var gaps []models.CodeGap
	for prefix, category := range prefixCategories {
		total := metrics.ByPrefix[prefix]
		if total <= minPrefixTotal {
			continue
		}
		suffixMax := 999
		if prefix == "P3" {
			suffixMax = p3SuffixMax
		}
		for start := 0; start <= suffixMax; start += windowSize {
			count := windows[prefix][start]
			if count >= sparseThreshold {
				continue
			}
			priority := config.SeverityMedium
			if count == 0 {
				priority = config.SeverityHigh
			}
			gaps = append(gaps, models.CodeGap{
				Range:         fmt.Sprintf("%s%03d-%s%03d", prefix, start, prefix, start+windowSize-1),
				Prefix:        prefix,
				Category:      category,
				ExistingCount: count,
				ExpectedMin:   sparseThreshold,
				Priority:      priority,
			})
		}
	}

	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].Priority != gaps[j].Priority {
			return gaps[i].Priority == config.SeverityHigh
		}
		return gaps[i].Range < gaps[j].Range
	})
	if len(gaps) > maxGapRanges {
		gaps = gaps[:maxGapRanges]
	}
	metrics.Gaps = gaps
	return metrics
}
