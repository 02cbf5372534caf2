package services

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/models"
)

// HealingService persists healer decisions for audit.
type HealingService struct {
	pool *pgxpool.Pool
}

// NewHealingService creates a new HealingService.
func NewHealingService(pool *pgxpool.Pool) *HealingService {
	return &HealingService{pool: pool}
}

// Record appends one healing-log row.
func (s *HealingService) Record(ctx context.Context, rec *models.HealingRecord) error {
	if rec.AlertType == "" {
		return NewValidationError("alert_type", "required")
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO research.healing_log
			(alert_fingerprint, alert_type, component, action, decision, confidence, success, reasoning)
		VALUES (NULLIF($1, ''), $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''))
		RETURNING id, created_at`,
		rec.AlertFingerprint, rec.AlertType, rec.Component, rec.Action,
		string(rec.Decision), rec.Confidence, rec.Success, truncate(rec.Reasoning, errorMessageLimit),
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record healing decision: %w", err)
	}
	return nil
}

// RecentActions counts executed healing actions in the last window, per
// the safety throttle.
func (s *HealingService) RecentActions(ctx context.Context, window string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM research.healing_log
		WHERE decision = 'executed' AND created_at > NOW() - $1::interval`, window,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent healing actions: %w", err)
	}
	return n, nil
}
