package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dtcforge/refinery/pkg/config"
)

// Task types the orchestrator creates.
const (
	TaskTypeResearch          = "research"
	TaskTypeAudit             = "audit"
	TaskTypeReprocess         = "reprocess"
	TaskTypeCoverageExpansion = "coverage_expansion"
)

// Task is one orchestrator work item. Priority is 1-6, lower wins.
type Task struct {
	ID             uuid.UUID         `json:"id"`
	Type           string            `json:"task_type"`
	Status         config.TaskStatus `json:"status"`
	Priority       int               `json:"priority"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	AssignedTo     string            `json:"assigned_to,omitempty"`
	RetryCount     int               `json:"retry_count"`
	ScheduledAfter *time.Time        `json:"scheduled_after,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Recommendation types emitted by the auditor.
const (
	RecFixPipeline       = "fix_pipeline"
	RecReprocessErrors   = "reprocess_errors"
	RecFillGaps          = "fill_gaps"
	RecImproveConfidence = "improve_confidence"
	RecExpandCoverage    = "expand_coverage"
)

// Recommendation is one auditor suggestion, ordered by priority
// (lower acts first).
type Recommendation struct {
	Type         string   `json:"type"`
	Priority     int      `json:"priority"`
	Description  string   `json:"description"`
	TargetCodes  []string `json:"target_codes,omitempty"`
	TargetRanges []string `json:"target_ranges,omitempty"`
}

// AuditReport is a stored audit run: human summary, raw metrics, and
// the recommendations derived from them.
type AuditReport struct {
	ID              uuid.UUID        `json:"id"`
	ReportType      string           `json:"report_type"`
	Summary         string           `json:"summary"`
	Metrics         json.RawMessage  `json:"metrics"`
	Recommendations []Recommendation `json:"recommendations"`
	CreatedAt       time.Time        `json:"created_at"`
}

// CodeGap is a hundred-code window with too few known codes.
type CodeGap struct {
	Range         string               `json:"range"`
	Prefix        string               `json:"prefix"`
	Category      string               `json:"category"`
	ExistingCount int                  `json:"existing_count"`
	ExpectedMin   int                  `json:"expected_min"`
	Priority      config.AlertSeverity `json:"priority"`
}

// CoverageSnapshot is a per-date summary of knowledge-base coverage,
// upserted by snapshot date.
type CoverageSnapshot struct {
	ID                uuid.UUID      `json:"id"`
	SnapshotDate      time.Time      `json:"snapshot_date"`
	TotalDTCCodes     int            `json:"total_dtc_codes"`
	ByCategory        map[string]int `json:"by_category"`
	ByConfidenceTier  map[string]int `json:"by_confidence_tier"`
	GapRanges         []CodeGap      `json:"gap_ranges,omitempty"`
	CompletenessScore float64        `json:"completeness_score"`
	CreatedAt         time.Time      `json:"created_at"`
}

// PlannedSearch is one search the autonomous researcher intends to run.
type PlannedSearch struct {
	Query       string   `json:"query"`
	Reason      string   `json:"reason,omitempty"`
	TargetCodes []string `json:"target_codes,omitempty"`
}

// ResearchPlan records one autonomous research cycle.
type ResearchPlan struct {
	ID            uuid.UUID       `json:"id"`
	Reasoning     string          `json:"reasoning,omitempty"`
	Searches      []PlannedSearch `json:"searches"`
	URLsSubmitted int             `json:"urls_submitted"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SourceDomain tracks a host the researcher has submitted URLs from.
// QualityTier 1 is best; new domains start at 3.
type SourceDomain struct {
	ID              int64      `json:"id"`
	Domain          string     `json:"domain"`
	QualityTier     int        `json:"quality_tier"`
	SubmissionCount int        `json:"submission_count"`
	LastSubmittedAt *time.Time `json:"last_submitted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// HealingRecord is one healer decision, whether or not it acted.
type HealingRecord struct {
	ID               int64                  `json:"id"`
	AlertFingerprint string                 `json:"alert_fingerprint"`
	AlertType        string                 `json:"alert_type"`
	Component        string                 `json:"component,omitempty"`
	Action           string                 `json:"action,omitempty"`
	Decision         config.HealingDecision `json:"decision"`
	Confidence       float64                `json:"confidence"`
	Success          bool                   `json:"success"`
	Reasoning        string                 `json:"reasoning,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}
