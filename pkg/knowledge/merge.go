package knowledge

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// RejectDuplicateMerged marks a candidate folded into a higher-scoring
// duplicate.
const RejectDuplicateMerged = "duplicate_merged"

var (
	punctPattern = regexp.MustCompile(`[^\w\s-]`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// NormalizeText canonicalizes entity text for duplicate grouping:
// NFKD decomposition, lowercase, punctuation stripped except hyphens,
// whitespace collapsed.
func NormalizeText(s string) string {
	s = norm.NFKD.String(s)
	s = strings.ToLower(s)
	s = punctPattern.ReplaceAllString(s, "")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// groupAgg accumulates trust/relevance sums for one duplicate group so
// averages are taken over the whole group at the end, not pairwise.
type groupAgg struct {
	sumTrust     float64
	sumRelevance float64
	members      int
}

func (g *groupAgg) add(c Candidate) {
	// Members without evidence do not dilute the group.
	if c.EvidenceCount <= 0 {
		return
	}
	g.sumTrust += c.AvgTrust
	g.sumRelevance += c.AvgRelevance
	g.members++
}

// MergeText folds candidates with the same normalized text into their
// highest-scoring member. Winners aggregate evidence (count summed,
// trust and relevance averaged over all members with positive evidence,
// chunk ids unioned); losers come back marked rejected with the
// winner's id. Candidates must already be ranked best first.
func MergeText(candidates []Candidate) (winners, rejected []Candidate) {
	groups := make(map[string]int) // normalized text -> index into winners
	var aggs []groupAgg
	for _, c := range candidates {
		key := NormalizeText(c.Text)
		if key == "" {
			continue
		}
		idx, seen := groups[key]
		if !seen {
			groups[key] = len(winners)
			winners = append(winners, c)
			aggs = append(aggs, groupAgg{})
			aggs[len(aggs)-1].add(c)
			continue
		}
		aggs[idx].add(c)
		w := &winners[idx]
		w.EvidenceCount += c.EvidenceCount
		w.ChunkIDs = unionChunks(w.ChunkIDs, c.ChunkIDs)

		c.Rejected = true
		c.RejectReason = RejectDuplicateMerged
		c.MergedInto = w.ID
		rejected = append(rejected, c)
	}
	for i := range winners {
		if n := aggs[i].members; n > 0 {
			winners[i].AvgTrust = aggs[i].sumTrust / float64(n)
			winners[i].AvgRelevance = aggs[i].sumRelevance / float64(n)
		}
	}
	return winners, rejected
}

func unionChunks(a, b []int64) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, ids := range [][]int64{a, b} {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// RangeCandidate is one candidate for numeric-range merging: a score
// and the numeric fields it reports.
type RangeCandidate struct {
	ID     int64
	Score  float64
	Values map[string]float64
}

// RangeResult is the merged outcome. Values holds the best candidate's
// numbers, widened to the group envelope on the conflicted min/max
// fields.
type RangeResult struct {
	BestID   int64
	Values   map[string]float64
	Conflict bool
}

// MergeRanges reconciles numeric readings across candidates for the
// listed fields. A field conflicts when any other candidate disagrees
// with the reference by more than 20% relative, or reports zero against
// a non-zero reference (and vice versa). The reference is the best
// candidate's value, or the first candidate reporting the field when
// the best is silent on it. The conflict flag is sticky: once any field
// disagrees, that field and every later *_min/*_max field widen to the
// envelope across all candidates. Everything else keeps the reference
// value. Candidates must already be sorted best first.
func MergeRanges(candidates []RangeCandidate, fields []string) RangeResult {
	if len(candidates) == 0 {
		return RangeResult{Values: map[string]float64{}}
	}
	best := candidates[0]
	result := RangeResult{BestID: best.ID, Values: make(map[string]float64, len(fields))}

	for _, f := range fields {
		ref, ok := best.Values[f]
		if !ok {
			for _, c := range candidates {
				if v, present := c.Values[f]; present {
					ref, ok = v, true
					break
				}
			}
		}
		if !ok {
			continue
		}
		result.Values[f] = ref

		lo, hi := ref, ref
		for _, c := range candidates[1:] {
			v, present := c.Values[f]
			if !present {
				continue
			}
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
			if disagrees(ref, v) {
				result.Conflict = true
			}
		}
		if !result.Conflict {
			continue
		}
		switch {
		case strings.HasSuffix(f, "_min"):
			result.Values[f] = lo
		case strings.HasSuffix(f, "_max"):
			result.Values[f] = hi
		}
	}
	return result
}

func disagrees(best, other float64) bool {
	if best == other {
		return false
	}
	if best == 0 || other == 0 {
		return true
	}
	diff := best - other
	if diff < 0 {
		diff = -diff
	}
	ref := best
	if ref < 0 {
		ref = -ref
	}
	return diff/ref > 0.20
}
