package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/models"
)

// ReportService stores audit reports and coverage snapshots.
type ReportService struct {
	pool *pgxpool.Pool
}

// NewReportService creates a new ReportService.
func NewReportService(pool *pgxpool.Pool) *ReportService {
	return &ReportService{pool: pool}
}

// StoreReport persists an audit report.
func (s *ReportService) StoreReport(ctx context.Context, report *models.AuditReport) error {
	if report.ReportType == "" {
		report.ReportType = "full"
	}
	recs, err := json.Marshal(report.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO research.audit_reports (report_type, summary, metrics, recommendations)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		report.ReportType, report.Summary, []byte(report.Metrics), recs,
	).Scan(&report.ID, &report.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store audit report: %w", err)
	}
	return nil
}

// LatestReport returns the most recent audit report, or ErrNotFound.
func (s *ReportService) LatestReport(ctx context.Context) (*models.AuditReport, error) {
	var (
		report  models.AuditReport
		summary *string
		recs    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, report_type, summary, metrics, recommendations, created_at
		FROM research.audit_reports
		ORDER BY created_at DESC
		LIMIT 1`,
	).Scan(&report.ID, &report.ReportType, &summary, (*[]byte)(&report.Metrics), &recs, &report.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest audit report: %w", err)
	}
	report.Summary = deref(summary)
	if len(recs) > 0 {
		if err := json.Unmarshal(recs, &report.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to decode recommendations: %w", err)
		}
	}
	return &report, nil
}

// LastReportAge returns how long ago the newest audit report was
// written. ErrNotFound when no report exists yet.
func (s *ReportService) LastReportAge(ctx context.Context) (time.Duration, error) {
	var createdAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT created_at FROM research.audit_reports ORDER BY created_at DESC LIMIT 1`,
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check last audit report: %w", err)
	}
	return time.Since(createdAt), nil
}

// StoreSnapshot upserts the coverage snapshot for its date.
func (s *ReportService) StoreSnapshot(ctx context.Context, snap *models.CoverageSnapshot) error {
	byCategory, err := json.Marshal(snap.ByCategory)
	if err != nil {
		return fmt.Errorf("failed to marshal category coverage: %w", err)
	}
	byTier, err := json.Marshal(snap.ByConfidenceTier)
	if err != nil {
		return fmt.Errorf("failed to marshal confidence tiers: %w", err)
	}
	gaps, err := json.Marshal(snap.GapRanges)
	if err != nil {
		return fmt.Errorf("failed to marshal gap ranges: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO research.coverage_snapshots
			(snapshot_date, total_dtc_codes, by_category, by_confidence_tier, gap_ranges, completeness_score)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (snapshot_date) DO UPDATE SET
			total_dtc_codes = EXCLUDED.total_dtc_codes,
			by_category = EXCLUDED.by_category,
			by_confidence_tier = EXCLUDED.by_confidence_tier,
			gap_ranges = EXCLUDED.gap_ranges,
			completeness_score = EXCLUDED.completeness_score
		RETURNING id, created_at`,
		snap.SnapshotDate, snap.TotalDTCCodes, byCategory, byTier, gaps, snap.CompletenessScore,
	).Scan(&snap.ID, &snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store coverage snapshot: %w", err)
	}
	return nil
}
