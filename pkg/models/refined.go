package models

import (
	"time"

	"github.com/dtcforge/refinery/pkg/config"
)

// DTCCode is an extracted diagnostic trouble code with aggregate
// confidence over all documents that mentioned it.
type DTCCode struct {
	ID                        int64                     `json:"id"`
	Code                      string                    `json:"code"`
	Description               string                    `json:"description,omitempty"`
	Category                  string                    `json:"category,omitempty"`
	Severity                  string                    `json:"severity,omitempty"`
	ConfidenceScore           float64                   `json:"confidence_score"`
	SourceCount               int                       `json:"source_count"`
	VerificationStatus        config.VerificationStatus `json:"verification_status"`
	VerifiedAt                *time.Time                `json:"verified_at,omitempty"`
	PreVerificationConfidence *float64                  `json:"pre_verification_confidence,omitempty"`
	CreatedAt                 time.Time                 `json:"created_at"`
	UpdatedAt                 time.Time                 `json:"updated_at"`
}

// Cause is a possible root cause scoped to one DTC.
type Cause struct {
	ID              int64     `json:"id"`
	DTCID           int64     `json:"dtc_id"`
	Description     string    `json:"description"`
	Likelihood      string    `json:"likelihood,omitempty"`
	SourceChunkID   int64     `json:"source_chunk_id,omitempty"`
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// DiagnosticStep is one ordered step of a DTC's diagnostic procedure.
type DiagnosticStep struct {
	ID              int64     `json:"id"`
	DTCID           int64     `json:"dtc_id"`
	StepOrder       int       `json:"step_order"`
	Description     string    `json:"description"`
	ToolsRequired   string    `json:"tools_required,omitempty"`
	ExpectedValues  string    `json:"expected_values,omitempty"`
	SourceChunkID   int64     `json:"source_chunk_id,omitempty"`
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// Sensor is a vehicle sensor referenced by extracted content. Unique on
// (name, sensor_type); RelatedCodes accumulates across documents.
type Sensor struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	SensorType      string    `json:"sensor_type,omitempty"`
	TypicalRange    string    `json:"typical_range,omitempty"`
	Unit            string    `json:"unit,omitempty"`
	RelatedCodes    []string  `json:"related_dtc_codes,omitempty"`
	SourceChunkID   int64     `json:"source_chunk_id,omitempty"`
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// TSBReference is a technical service bulletin citation, unique on
// tsb_number.
type TSBReference struct {
	ID              int64     `json:"id"`
	TSBNumber       string    `json:"tsb_number"`
	Title           string    `json:"title,omitempty"`
	AffectedModels  string    `json:"affected_models,omitempty"`
	RelatedCodes    []string  `json:"related_dtc_codes,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	SourceChunkID   int64     `json:"source_chunk_id,omitempty"`
	ConfidenceScore float64   `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// VehicleMention records vehicle context found in a chunk, waiting for
// the vehicle linker. YearEnd is zero when the mention names one year.
type VehicleMention struct {
	ID            int64     `json:"id"`
	Make          string    `json:"make"`
	Model         string    `json:"model,omitempty"`
	YearStart     int       `json:"year_start,omitempty"`
	YearEnd       int       `json:"year_end,omitempty"`
	Engine        string    `json:"engine,omitempty"`
	Transmission  string    `json:"transmission,omitempty"`
	RelatedCodes  []string  `json:"related_dtc_codes,omitempty"`
	SourceChunkID int64     `json:"source_chunk_id"`
	Linked        bool      `json:"linked"`
	CreatedAt     time.Time `json:"created_at"`
}

// VerificationResult is one fact-check verdict for a single field of a
// DTC record.
type VerificationResult struct {
	ID                   int64     `json:"id"`
	DTCID                int64     `json:"dtc_id"`
	Field                string    `json:"field"`
	Verdict              string    `json:"verdict"`
	Correction           string    `json:"correction,omitempty"`
	Notes                string    `json:"notes,omitempty"`
	ConfidenceAdjustment float64   `json:"confidence_adjustment"`
	Model                string    `json:"model"`
	TokensUsed           int       `json:"tokens_used"`
	CreatedAt            time.Time `json:"created_at"`
}
