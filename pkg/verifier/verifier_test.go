package verifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcforge/refinery/pkg/models"
)

func TestParseVerdict(t *testing.T) {
	raw := `{
		"overall_status": "corrected",
		"confidence_delta": 0.15,
		"fields": [
			{"field": "description", "verdict": "verified", "notes": "matches SAE definition"},
			{"field": "causes", "verdict": "corrected", "correction": "add vacuum leak", "notes": "common cause missing"}
		]
	}`
	v, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "corrected", v.OverallStatus)
	assert.Equal(t, 0.15, v.ConfidenceDelta)
	require.Len(t, v.Fields, 2)
	assert.Equal(t, "add vacuum leak", v.Fields[1].Correction)
}

func TestParseVerdictSanitizes(t *testing.T) {
	raw := `{
		"overall_status": "looks fine to me",
		"confidence_delta": 2.5,
		"fields": [{"field": "severity", "verdict": "yes"}]
	}`
	v, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "uncertain", v.OverallStatus, "unknown statuses collapse to uncertain")
	assert.Equal(t, maxConfidenceDelta, v.ConfidenceDelta, "delta clamped upward")
	assert.Equal(t, "uncertain", v.Fields[0].Verdict)

	v, err = parseVerdict(`{"overall_status": "verified", "confidence_delta": -1.0}`)
	require.NoError(t, err)
	assert.Equal(t, -maxConfidenceDelta, v.ConfidenceDelta, "delta clamped downward")

	_, err = parseVerdict("the model refused to answer")
	assert.Error(t, err)
}

func TestVerdictResults(t *testing.T) {
	v := &verdict{
		ConfidenceDelta: 0.1,
		Fields: []fieldVerdict{
			{Field: "description", Verdict: "verified"},
			{Field: "causes", Verdict: "disputed", Notes: "wrong for this platform"},
		},
	}
	results := v.results("gpt-4o-mini", 900)
	require.Len(t, results, 2)
	assert.Equal(t, 900, results[0].TokensUsed, "token count attributed once")
	assert.Equal(t, 0.1, results[0].ConfidenceAdjustment)
	assert.Zero(t, results[1].TokensUsed)
	assert.Equal(t, "gpt-4o-mini", results[1].Model)
}

func TestBuildPrompt(t *testing.T) {
	dtc := &models.DTCCode{
		Code:            "P0301",
		Description:     "Cylinder 1 Misfire Detected",
		Severity:        "high",
		ConfidenceScore: 0.72,
		SourceCount:     5,
	}
	causes := []models.Cause{{Description: "Worn spark plug", Likelihood: "common"}}
	steps := []models.DiagnosticStep{{StepOrder: 1, Description: "Swap coil with cylinder 2", ToolsRequired: "socket set"}}
	sensors := []models.Sensor{{Name: "Crankshaft position sensor", SensorType: "position"}}

	prompt := buildPrompt(dtc, causes, steps, sensors)
	assert.Contains(t, prompt, "DTC code: P0301")
	assert.Contains(t, prompt, "Cylinder 1 Misfire Detected")
	assert.Contains(t, prompt, "0.72 (from 5 sources)")
	assert.Contains(t, prompt, "Worn spark plug (likelihood: common)")
	assert.Contains(t, prompt, "1. Swap coil with cylinder 2 [tools: socket set]")
	assert.Contains(t, prompt, "Crankshaft position sensor (position)")

	empty := buildPrompt(&models.DTCCode{Code: "U0100"}, nil, nil, nil)
	assert.Contains(t, empty, "(not recorded)")
	assert.Contains(t, empty, "(none recorded)")
}

func TestClampDelta(t *testing.T) {
	assert.Equal(t, 0.2, clampDelta(0.2))
	assert.Equal(t, maxConfidenceDelta, clampDelta(0.31))
	assert.Equal(t, -maxConfidenceDelta, clampDelta(-5))
}
