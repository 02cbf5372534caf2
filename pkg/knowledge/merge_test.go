package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase and trim", "  Vacuum Leak  ", "vacuum leak"},
		{"punctuation stripped", "MAF sensor, dirty/clogged!", "maf sensor dirtyclogged"},
		{"hyphens kept", "O2-sensor heater circuit", "o2-sensor heater circuit"},
		{"whitespace collapsed", "bad\t fuel \n pump", "bad fuel pump"},
		{"compatibility decomposition", "ﬁlter", "filter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeText(tt.in))
		})
	}
}

func TestMergeTextGroupsDuplicates(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, Text: "Vacuum leak", EvidenceCount: 3, AvgTrust: 0.9, AvgRelevance: 0.8, ChunkIDs: []int64{10, 11}},
		{ID: 2, Text: "vacuum LEAK!", EvidenceCount: 1, AvgTrust: 0.5, AvgRelevance: 0.4, ChunkIDs: []int64{11, 12}},
		{ID: 3, Text: "Dirty MAF sensor", EvidenceCount: 2, AvgTrust: 0.7, AvgRelevance: 0.7, ChunkIDs: []int64{13}},
	}
	winners, rejected := MergeText(candidates)

	require.Len(t, winners, 2)
	require.Len(t, rejected, 1)

	w := winners[0]
	assert.Equal(t, int64(1), w.ID)
	assert.Equal(t, 4, w.EvidenceCount)
	assert.InDelta(t, 0.7, w.AvgTrust, 1e-9)
	assert.InDelta(t, 0.6, w.AvgRelevance, 1e-9)
	assert.Equal(t, []int64{10, 11, 12}, w.ChunkIDs)

	loser := rejected[0]
	assert.True(t, loser.Rejected)
	assert.Equal(t, RejectDuplicateMerged, loser.RejectReason)
	assert.Equal(t, int64(1), loser.MergedInto)
}

func TestMergeTextAveragesOverWholeGroup(t *testing.T) {
	// Averages are taken over all group members at once; folding members
	// in pairwise would yield ((1.0+1.0)/2 + 0.1)/2 = 0.55 here.
	candidates := []Candidate{
		{ID: 1, Text: "stuck EGR valve", EvidenceCount: 2, AvgTrust: 1.0, AvgRelevance: 0.9},
		{ID: 2, Text: "Stuck EGR valve", EvidenceCount: 2, AvgTrust: 1.0, AvgRelevance: 0.9},
		{ID: 3, Text: "stuck egr VALVE", EvidenceCount: 1, AvgTrust: 0.1, AvgRelevance: 0.3},
	}
	winners, rejected := MergeText(candidates)

	require.Len(t, winners, 1)
	require.Len(t, rejected, 2)
	assert.InDelta(t, 0.7, winners[0].AvgTrust, 1e-9)
	assert.InDelta(t, 0.7, winners[0].AvgRelevance, 1e-9)
	assert.Equal(t, 5, winners[0].EvidenceCount)
}

func TestMergeTextZeroEvidenceDoesNotDilute(t *testing.T) {
	candidates := []Candidate{
		{ID: 1, Text: "fuel pump", EvidenceCount: 2, AvgTrust: 0.8, AvgRelevance: 0.8},
		{ID: 2, Text: "Fuel pump", EvidenceCount: 0, AvgTrust: 0.1, AvgRelevance: 0.1},
	}
	winners, _ := MergeText(candidates)
	require.Len(t, winners, 1)
	assert.InDelta(t, 0.8, winners[0].AvgTrust, 1e-9)
	assert.Equal(t, 2, winners[0].EvidenceCount)
}

func TestMergeRangesSingleCandidate(t *testing.T) {
	result := MergeRanges([]RangeCandidate{
		{ID: 1, Values: map[string]float64{"voltage_min": 0.1, "voltage_max": 0.9}},
	}, []string{"voltage_min", "voltage_max"})

	assert.False(t, result.Conflict)
	assert.Equal(t, 0.1, result.Values["voltage_min"])
	assert.Equal(t, 0.9, result.Values["voltage_max"])
}

func TestMergeRangesAgreementKeepsBest(t *testing.T) {
	result := MergeRanges([]RangeCandidate{
		{ID: 1, Score: 80, Values: map[string]float64{"voltage_min": 0.10, "voltage_max": 0.90}},
		{ID: 2, Score: 60, Values: map[string]float64{"voltage_min": 0.11, "voltage_max": 0.85}},
	}, []string{"voltage_min", "voltage_max"})

	assert.False(t, result.Conflict)
	assert.Equal(t, int64(1), result.BestID)
	assert.Equal(t, 0.10, result.Values["voltage_min"])
	assert.Equal(t, 0.90, result.Values["voltage_max"])
}

func TestMergeRangesConflictWidensEnvelope(t *testing.T) {
	result := MergeRanges([]RangeCandidate{
		{ID: 1, Score: 80, Values: map[string]float64{"pressure_min": 30, "pressure_max": 40}},
		{ID: 2, Score: 60, Values: map[string]float64{"pressure_min": 50, "pressure_max": 70}},
	}, []string{"pressure_min", "pressure_max"})

	assert.True(t, result.Conflict)
	assert.Equal(t, 30.0, result.Values["pressure_min"])
	assert.Equal(t, 70.0, result.Values["pressure_max"])
}

func TestMergeRangesZeroVersusNonzeroConflicts(t *testing.T) {
	result := MergeRanges([]RangeCandidate{
		{ID: 1, Score: 80, Values: map[string]float64{"rpm_min": 0}},
		{ID: 2, Score: 60, Values: map[string]float64{"rpm_min": 600}},
	}, []string{"rpm_min"})

	assert.True(t, result.Conflict)
	assert.Equal(t, 0.0, result.Values["rpm_min"])
}

func TestMergeRangesConflictIsSticky(t *testing.T) {
	// Only pressure disagrees, but once the group is conflicted the
	// voltage range widens to the envelope as well.
	result := MergeRanges([]RangeCandidate{
		{ID: 1, Score: 80, Values: map[string]float64{
			"pressure_min": 30, "voltage_min": 0.20, "voltage_max": 0.80,
		}},
		{ID: 2, Score: 60, Values: map[string]float64{
			"pressure_min": 50, "voltage_min": 0.19, "voltage_max": 0.82,
		}},
	}, []string{"pressure_min", "voltage_min", "voltage_max"})

	assert.True(t, result.Conflict)
	assert.Equal(t, 30.0, result.Values["pressure_min"])
	assert.Equal(t, 0.19, result.Values["voltage_min"])
	assert.Equal(t, 0.82, result.Values["voltage_max"])
}

func TestMergeRangesMissingFieldUsesFirstReporter(t *testing.T) {
	// The best candidate does not report rpm_min; the first candidate
	// that does supplies the value, with no zero-vs-nonzero conflict
	// manufactured against the silent best.
	result := MergeRanges([]RangeCandidate{
		{ID: 1, Score: 80, Values: map[string]float64{"voltage_min": 0.1}},
		{ID: 2, Score: 60, Values: map[string]float64{"voltage_min": 0.1, "rpm_min": 600}},
		{ID: 3, Score: 40, Values: map[string]float64{"rpm_min": 620}},
	}, []string{"voltage_min", "rpm_min"})

	assert.False(t, result.Conflict)
	assert.Equal(t, 600.0, result.Values["rpm_min"])

	_, present := MergeRanges([]RangeCandidate{
		{ID: 1, Values: map[string]float64{}},
	}, []string{"rpm_min"}).Values["rpm_min"]
	assert.False(t, present, "fields nobody reports stay unset")
}

func TestSystemCategory(t *testing.T) {
	assert.Equal(t, "powertrain", SystemCategory("Engine"))
	assert.Equal(t, "powertrain", SystemCategory("transmission"))
	assert.Equal(t, "electrical", SystemCategory(" electrical "))
	assert.Equal(t, "unknown", SystemCategory("flux capacitor"))
	assert.Equal(t, "unknown", SystemCategory(""))
}

func TestSeverityLevel(t *testing.T) {
	assert.Equal(t, 5, SeverityLevel("Critical"))
	assert.Equal(t, 1, SeverityLevel("info"))
	assert.Equal(t, 1, SeverityLevel("informational"))
	assert.Equal(t, 3, SeverityLevel("whatever"))
}

func TestLikelihoodWeight(t *testing.T) {
	assert.Equal(t, 1.0, LikelihoodWeight("certain"))
	assert.Equal(t, 0.95, LikelihoodWeight("Very High"))
	assert.Equal(t, 0.15, LikelihoodWeight("unlikely"))
	assert.Equal(t, 0.5, LikelihoodWeight(""))
}

func TestEmissionsRelated(t *testing.T) {
	assert.True(t, EmissionsRelated("P0171"))
	assert.True(t, EmissionsRelated("p0420"))
	assert.False(t, EmissionsRelated("P1171"))
	assert.False(t, EmissionsRelated("B0171"))
	assert.False(t, EmissionsRelated("P017"))
}

func TestTransmissionType(t *testing.T) {
	assert.Equal(t, "manual", TransmissionType("6-speed Manual"))
	assert.Equal(t, "automatic", TransmissionType("CVT"))
	assert.Equal(t, "automatic", TransmissionType("8-speed automatic"))
	assert.Equal(t, "automatic", TransmissionType("7-speed DSG"))
	assert.Equal(t, "unknown", TransmissionType("torque tube"))
}
