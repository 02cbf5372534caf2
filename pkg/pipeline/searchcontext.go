package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dtcforge/refinery/pkg/models"
)

// Searcher is the slice of the search engine the evaluate stage needs.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error)
}

// dtcPattern matches OBD-II style trouble codes.
var dtcPattern = regexp.MustCompile(`(?i)\b[PBCU][0-9A-F]{4}\b`)

// sensorTerms and automotiveTerms seed the context query when a chunk
// names no code.
var (
	sensorTerms = []string{
		"oxygen sensor", "o2 sensor", "maf sensor", "map sensor",
		"camshaft sensor", "crankshaft sensor", "knock sensor",
		"coolant temperature sensor", "throttle position sensor",
	}
	automotiveTerms = []string{
		"check engine", "misfire", "catalytic converter", "fuel trim",
		"vacuum leak", "ignition coil", "fuel injector", "egr valve",
		"transmission slip",
	}
)

const (
	maxContextCodes   = 2
	maxContextResults = 3
	maxSnippetChars   = 300
)

// buildSearchContext queries the search engine for terms found in the
// chunk and renders a compact context block. Best effort: any failure
// returns an empty string.
func buildSearchContext(ctx context.Context, searcher Searcher, chunk string) string {
	if searcher == nil {
		return ""
	}
	query := contextQuery(chunk)
	if query == "" {
		return ""
	}

	results, err := searcher.Search(ctx, query+" automotive diagnostic", maxContextResults)
	if err != nil || len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Web search context:\n")
	for i, r := range results {
		snippet := r.Snippet
		if len(snippet) > maxSnippetChars {
			snippet = snippet[:maxSnippetChars]
		}
		fmt.Fprintf(&b, "%d. %s — %s\n", i+1, r.Title, snippet)
	}
	return b.String()
}

// contextQuery picks the most specific terms the chunk mentions: DTC
// codes first, then sensor names, then general automotive terms.
func contextQuery(chunk string) string {
	codes := dtcPattern.FindAllString(chunk, maxContextCodes)
	if len(codes) > 0 {
		for i := range codes {
			codes[i] = strings.ToUpper(codes[i])
		}
		return strings.Join(codes, " ")
	}

	lower := strings.ToLower(chunk)
	for _, term := range sensorTerms {
		if strings.Contains(lower, term) {
			return term
		}
	}
	for _, term := range automotiveTerms {
		if strings.Contains(lower, term) {
			return term
		}
	}
	return ""
}
