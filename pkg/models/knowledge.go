package models

import "time"

// MasterDTC is the knowledge-graph master record for one code.
type MasterDTC struct {
	ID               int64     `json:"id"`
	Code             string    `json:"code"`
	Description      string    `json:"description,omitempty"`
	SystemCategory   string    `json:"system_category"`
	SeverityLevel    int       `json:"severity_level"`
	EmissionsRelated bool      `json:"emissions_related"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// KnowledgeCause is an aggregated cause under a master DTC record.
type KnowledgeCause struct {
	ID            int64      `json:"id"`
	DTCMasterID   int64      `json:"dtc_master_id"`
	Cause         string     `json:"cause"`
	Weight        float64    `json:"weight"`
	EvidenceCount int        `json:"evidence_count"`
	AvgTrust      float64    `json:"avg_trust"`
	AvgRelevance  float64    `json:"avg_relevance"`
	VehicleMake   string     `json:"vehicle_make,omitempty"`
	VehicleModel  string     `json:"vehicle_model,omitempty"`
	YearFrom      int        `json:"year_from,omitempty"`
	YearTo        int        `json:"year_to,omitempty"`
	PriorityRank  int       `json:"priority_rank,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EntitySource links a knowledge entity row back to the chunk that
// contributed evidence for it, with scores at ingestion time.
type EntitySource struct {
	ID          int64     `json:"id"`
	EntityTable string    `json:"entity_table"`
	EntityID    int64     `json:"entity_id"`
	ChunkID     int64     `json:"chunk_id"`
	Trust       float64   `json:"trust"`
	Relevance   float64   `json:"relevance"`
	CreatedAt   time.Time `json:"created_at"`
}

// Resolution-log actions.
const (
	ResolutionCreated  = "created"
	ResolutionUpdated  = "updated"
	ResolutionRejected = "rejected"
	ResolutionMerged   = "merged"
)

// ResolutionEntry records one action taken during a knowledge-base
// resolution run. Details is free-form JSON.
type ResolutionEntry struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Action      string    `json:"action"`
	EntityTable string    `json:"entity_table"`
	EntityID    int64     `json:"entity_id,omitempty"`
	Details     string    `json:"details,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
