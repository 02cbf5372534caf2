package knowledge

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreEvidenceQuality(t *testing.T) {
	// Perfect trust and relevance saturate the 0-50 band; no evidence
	// count keeps consensus at zero.
	c := Candidate{Kind: KindStep, AvgTrust: 1, AvgRelevance: 1}
	assert.InDelta(t, 50+6, Score(c, Context{}), 1e-9)

	c = Candidate{Kind: KindStep, AvgTrust: 0.8, AvgRelevance: 0.4}
	want := 50*(0.65*0.8+0.35*0.4) + 6
	assert.InDelta(t, want, Score(c, Context{}), 1e-9)
}

func TestScoreConsensusCaps(t *testing.T) {
	ten := Candidate{Kind: KindStep, EvidenceCount: 10}
	hundred := Candidate{Kind: KindStep, EvidenceCount: 100}
	// Consensus saturates at ten pieces of evidence.
	assert.InDelta(t, consensus(ten), 20, 1e-9)
	assert.Equal(t, consensus(ten), consensus(hundred))

	five := Candidate{EvidenceCount: 5}
	assert.InDelta(t, 20*math.Log(6)/math.Log(11), consensus(five), 1e-9)
}

func TestVehicleSpecificity(t *testing.T) {
	honda2015 := Context{Make: "Honda", Model: "Civic", Year: 2015}
	tests := []struct {
		name string
		c    Candidate
		ctx  Context
		want float64
	}{
		{"no context", Candidate{Make: "Honda"}, Context{}, 6},
		{"generic entity", Candidate{}, honda2015, 6},
		{"make mismatch", Candidate{Make: "Toyota"}, honda2015, -20},
		{"make only", Candidate{Make: "honda"}, honda2015, 12},
		{"model mismatch", Candidate{Make: "Honda", Model: "Accord"}, honda2015, -20},
		{"full match no years", Candidate{Make: "Honda", Model: "Civic"}, honda2015, 20},
		{"year in range", Candidate{Make: "Honda", Model: "Civic", YearStart: 2012, YearEnd: 2016}, honda2015, 20},
		{"year below range", Candidate{Make: "Honda", Model: "Civic", YearStart: 2016}, honda2015, -20},
		{"open-ended range", Candidate{Make: "Honda", Model: "Civic", YearStart: 2012}, honda2015, 20},
		{"year above range", Candidate{Make: "Honda", Model: "Civic", YearStart: 2010, YearEnd: 2012}, honda2015, -20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, vehicleSpecificity(tt.c, tt.ctx))
		})
	}
}

func TestPracticalImpact(t *testing.T) {
	assert.InDelta(t, 10*0.85, practicalImpact(Candidate{Kind: KindCause, ProbabilityWeight: 0.85}), 1e-9)
	assert.Equal(t, 6.0, practicalImpact(Candidate{Kind: KindThread, SolutionMarked: true}))
	assert.Equal(t, 0.0, practicalImpact(Candidate{Kind: KindThread}))
	assert.Equal(t, 0.0, practicalImpact(Candidate{Kind: KindStep}))
	assert.Equal(t, 0.0, practicalImpact(Candidate{Kind: KindSensor}))
	assert.InDelta(t, 7.0, practicalImpact(Candidate{Kind: KindSymptom, FrequencyScore: 7}), 1e-9)

	// Fifty repairs saturate the fix band.
	assert.InDelta(t, 10, practicalImpact(Candidate{Kind: KindFix, RepairCount: 50}), 1e-9)
	assert.Equal(t, practicalImpact(Candidate{Kind: KindFix, RepairCount: 50}),
		practicalImpact(Candidate{Kind: KindPart, RepairCount: 500}))
}

func TestRankOrdering(t *testing.T) {
	candidates := []Candidate{
		{ID: 3, Kind: KindCause, AvgTrust: 0.5, AvgRelevance: 0.5, EvidenceCount: 1},
		{ID: 1, Kind: KindCause, AvgTrust: 0.9, AvgRelevance: 0.9, EvidenceCount: 5},
		{ID: 2, Kind: KindCause, AvgTrust: 0.9, AvgRelevance: 0.9, EvidenceCount: 5},
	}
	Rank(candidates, Context{})

	// Equal scores fall back to id ascending.
	assert.Equal(t, int64(1), candidates[0].ID)
	assert.Equal(t, int64(2), candidates[1].ID)
	assert.Equal(t, int64(3), candidates[2].ID)
	assert.Greater(t, candidates[0].Score, candidates[2].Score)
}
