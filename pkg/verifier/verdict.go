package verifier

import (
	"fmt"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/llm"
	"github.com/dtcforge/refinery/pkg/models"
)

// maxConfidenceDelta bounds how far one verification can move a stored
// confidence score, in either direction.
const maxConfidenceDelta = 0.3

// verdict is the decoded model response.
type verdict struct {
	OverallStatus   string         `json:"overall_status"`
	ConfidenceDelta float64        `json:"confidence_delta"`
	Fields          []fieldVerdict `json:"fields"`
}

type fieldVerdict struct {
	Field      string `json:"field"`
	Verdict    string `json:"verdict"`
	Correction string `json:"correction,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// parseVerdict decodes and sanitizes a model response: unknown statuses
// fall back to uncertain and the delta is clamped.
func parseVerdict(raw string) (*verdict, error) {
	var v verdict
	if err := llm.DecodeJSON(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to parse verification response: %w", err)
	}
	if !validStatus(v.OverallStatus) {
		v.OverallStatus = string(config.VerificationUncertain)
	}
	v.ConfidenceDelta = clampDelta(v.ConfidenceDelta)
	for i := range v.Fields {
		if !validStatus(v.Fields[i].Verdict) {
			v.Fields[i].Verdict = string(config.VerificationUncertain)
		}
	}
	return &v, nil
}

// results converts field verdicts into storable rows. The token count
// is attributed to the first row.
func (v *verdict) results(model string, tokensUsed int) []models.VerificationResult {
	out := make([]models.VerificationResult, 0, len(v.Fields))
	for i, f := range v.Fields {
		r := models.VerificationResult{
			Field:      f.Field,
			Verdict:    f.Verdict,
			Correction: f.Correction,
			Notes:      f.Notes,
			Model:      model,
		}
		if i == 0 {
			r.TokensUsed = tokensUsed
			r.ConfidenceAdjustment = v.ConfidenceDelta
		}
		out = append(out, r)
	}
	return out
}

func validStatus(s string) bool {
	switch config.VerificationStatus(s) {
	case config.VerificationVerified, config.VerificationCorrected,
		config.VerificationDisputed, config.VerificationUncertain:
		return true
	default:
		return false
	}
}

func clampDelta(d float64) float64 {
	if d > maxConfidenceDelta {
		return maxConfidenceDelta
	}
	if d < -maxConfidenceDelta {
		return -maxConfidenceDelta
	}
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
