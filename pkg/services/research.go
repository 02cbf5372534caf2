package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/models"
)

// ResearchService tracks research plans and the source-domain registry.
type ResearchService struct {
	pool *pgxpool.Pool
}

// NewResearchService creates a new ResearchService.
func NewResearchService(pool *pgxpool.Pool) *ResearchService {
	return &ResearchService{pool: pool}
}

// StorePlan records one autonomous research cycle.
func (s *ResearchService) StorePlan(ctx context.Context, plan *models.ResearchPlan) error {
	searches, err := json.Marshal(plan.Searches)
	if err != nil {
		return fmt.Errorf("failed to marshal planned searches: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO research.research_plans (reasoning, searches, urls_submitted)
		VALUES (NULLIF($1, ''), $2, $3)
		RETURNING id, created_at`,
		plan.Reasoning, searches, plan.URLsSubmitted,
	).Scan(&plan.ID, &plan.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store research plan: %w", err)
	}
	return nil
}

// RegisterDomain upserts a source domain. New domains start at the
// given quality tier; existing ones keep their tier and bump counters.
func (s *ResearchService) RegisterDomain(ctx context.Context, domain string, tier int) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return NewValidationError("domain", "required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO research.source_domains (domain, quality_tier, submission_count, last_submitted_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (domain) DO UPDATE SET
			submission_count = research.source_domains.submission_count + 1,
			last_submitted_at = NOW()`,
		domain, tier)
	if err != nil {
		return fmt.Errorf("failed to register domain: %w", err)
	}
	return nil
}

// IsBlockedDomain checks the blocked-domains table for the host or any
// parent domain.
func (s *ResearchService) IsBlockedDomain(ctx context.Context, host string) (bool, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false, nil
	}
	var blocked bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM research.blocked_domains
			WHERE $1 = domain OR $1 LIKE '%.' || domain
		)`, host).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("failed to check blocked domain: %w", err)
	}
	return blocked, nil
}

// BlockDomain adds a host to the blocked-domains table.
func (s *ResearchService) BlockDomain(ctx context.Context, domain, reason string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return NewValidationError("domain", "required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO research.blocked_domains (domain, reason)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (domain) DO NOTHING`, domain, reason)
	if err != nil {
		return fmt.Errorf("failed to block domain: %w", err)
	}
	return nil
}

// DomainTier returns a registered domain's quality tier, or the given
// fallback for unknown domains.
func (s *ResearchService) DomainTier(ctx context.Context, domain string, fallback int) (int, error) {
	var tier int
	err := s.pool.QueryRow(ctx,
		`SELECT quality_tier FROM research.source_domains WHERE domain = $1`,
		strings.ToLower(strings.TrimSpace(domain)),
	).Scan(&tier)
	if err != nil {
		// Unknown domains are not an error.
		return fallback, nil
	}
	return tier, nil
}
