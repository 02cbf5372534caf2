// Package knowledge consolidates extracted entities into the knowledge
// schema: scoring candidates, merging duplicates, upserting winners and
// linking vehicle mentions to the catalog.
package knowledge

import (
	"math"
	"sort"
	"strings"
)

// Kind selects the practical-impact formula for a candidate.
type Kind string

const (
	KindCause   Kind = "cause"
	KindStep    Kind = "step"
	KindSensor  Kind = "sensor"
	KindFix     Kind = "fix"
	KindPart    Kind = "part"
	KindSymptom Kind = "symptom"
	KindThread  Kind = "thread"
)

// Candidate is one entity competing for a slot in the knowledge base,
// carrying its evidence aggregates and scoring inputs.
type Candidate struct {
	ID            int64
	Kind          Kind
	Text          string
	EvidenceCount int
	AvgTrust      float64
	AvgRelevance  float64
	ChunkIDs      []int64

	// Vehicle applicability of the entity itself. Zero values mean the
	// entity is generic.
	Make      string
	Model     string
	YearStart int
	YearEnd   int

	// Practical-impact inputs, populated per kind.
	ProbabilityWeight float64
	RepairCount       int
	FrequencyScore    float64
	SolutionMarked    bool

	// Carried payload, not scored.
	Likelihood string
	StepOrder  int

	Score float64

	Rejected     bool
	RejectReason string
	MergedInto   int64
}

// Context is the vehicle the caller is resolving for. The zero value
// means no vehicle context.
type Context struct {
	Make  string
	Model string
	Year  int
}

// Score computes the composite 0-100 relevance score for a candidate:
// evidence quality (0-50), consensus (0-20), vehicle specificity
// (-20..+20) and practical impact (0-10).
func Score(c Candidate, ctx Context) float64 {
	return evidenceQuality(c) + consensus(c) + vehicleSpecificity(c, ctx) + practicalImpact(c)
}

func evidenceQuality(c Candidate) float64 {
	return 50 * (0.65*clamp01(c.AvgTrust) + 0.35*clamp01(c.AvgRelevance))
}

func consensus(c Candidate) float64 {
	if c.EvidenceCount <= 0 {
		return 0
	}
	return 20 * clamp01(math.Log(1+float64(c.EvidenceCount))/math.Log(11))
}

func vehicleSpecificity(c Candidate, ctx Context) float64 {
	if ctx.Make == "" {
		return 6
	}
	if c.Make == "" {
		return 6
	}
	if !strings.EqualFold(c.Make, ctx.Make) {
		return -20
	}
	if c.Model == "" || ctx.Model == "" {
		return 12
	}
	if !strings.EqualFold(c.Model, ctx.Model) {
		return -20
	}
	if c.YearStart == 0 || ctx.Year == 0 {
		return 20
	}
	if ctx.Year < c.YearStart {
		return -20
	}
	if c.YearEnd != 0 && ctx.Year > c.YearEnd {
		return -20
	}
	return 20
}

func practicalImpact(c Candidate) float64 {
	switch c.Kind {
	case KindFix, KindPart:
		if c.RepairCount <= 0 {
			return 0
		}
		return 10 * clamp01(math.Log(1+float64(c.RepairCount))/math.Log(51))
	case KindCause:
		return 10 * clamp01(c.ProbabilityWeight)
	case KindSymptom:
		return 10 * clamp01(c.FrequencyScore/10)
	case KindThread:
		if c.SolutionMarked {
			return 6
		}
		return 0
	default:
		return 0
	}
}

// Rank scores every candidate against the context and sorts them best
// first: score, then evidence count, then trust, then relevance, with
// id ascending as the final tiebreaker. The sort is stable.
func Rank(candidates []Candidate, ctx Context) {
	for i := range candidates {
		candidates[i].Score = Score(candidates[i], ctx)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.EvidenceCount != b.EvidenceCount {
			return a.EvidenceCount > b.EvidenceCount
		}
		if a.AvgTrust != b.AvgTrust {
			return a.AvgTrust > b.AvgTrust
		}
		if a.AvgRelevance != b.AvgRelevance {
			return a.AvgRelevance > b.AvgRelevance
		}
		return a.ID < b.ID
	})
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
