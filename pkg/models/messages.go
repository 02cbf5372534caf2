package models

import (
	"time"

	"github.com/dtcforge/refinery/pkg/config"
)

// Control-message types carried on orchestrator:commands.
const (
	MsgAuditFindings    = "audit_findings"
	MsgResearchComplete = "research_complete"
	MsgManualCommand    = "manual_command"
)

// InboxMessage is the envelope read from orchestrator:commands. Type
// selects which of the optional fields are meaningful.
type InboxMessage struct {
	Type string `json:"type"`

	// audit_findings
	ReportID        int64            `json:"report_id,omitempty"`
	Summary         string           `json:"summary,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`

	// research_complete
	TaskID        string `json:"task_id,omitempty"`
	URLsSubmitted int    `json:"urls_submitted,omitempty"`

	// manual_command
	Command string `json:"command,omitempty"`
}

// ResearchDirective is pushed to orchestrator:research. Codes are bare
// DTC codes, Ranges are "P0100-P0199" style spans, Queries are free-form
// search queries.
type ResearchDirective struct {
	Type    string   `json:"type"`
	TaskID  string   `json:"task_id,omitempty"`
	Queries []string `json:"queries,omitempty"`
	Codes   []string `json:"codes,omitempty"`
	Ranges  []string `json:"ranges,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// AuditDirective is pushed to orchestrator:audit.
type AuditDirective struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SearchResult is one hit returned by the search engine.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"content"`
}

// Alert is one anomaly detected by the monitor, pushed to
// monitoring:alerts and consumed by the healer.
type Alert struct {
	Type            string               `json:"type"`
	Component       string               `json:"component"`
	Severity        config.AlertSeverity `json:"severity"`
	Details         string               `json:"details"`
	SuggestedAction string               `json:"suggested_action,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
}
