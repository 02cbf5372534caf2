package knowledge

import "strings"

// systemCategories is the closed category set of the knowledge schema.
// Free-form extraction categories collapse into it; engine and
// transmission both fold into powertrain.
var systemCategories = map[string]string{
	"engine":       "powertrain",
	"transmission": "powertrain",
	"powertrain":   "powertrain",
	"chassis":      "chassis",
	"body":         "body",
	"network":      "network",
	"electrical":   "electrical",
	"emissions":    "emissions",
}

// SystemCategory maps a free-form category to the closed enum, with
// "unknown" for anything outside it.
func SystemCategory(raw string) string {
	if cat, ok := systemCategories[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return cat
	}
	return "unknown"
}

// severityLevels maps severity text to the 1-5 scale.
var severityLevels = map[string]int{
	"critical":      5,
	"high":          4,
	"medium":        3,
	"low":           2,
	"informational": 1,
	"info":          1,
}

// SeverityLevel maps severity text to 1-5, defaulting to 3.
func SeverityLevel(raw string) int {
	if lvl, ok := severityLevels[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return lvl
	}
	return 3
}

// likelihoodWeights maps extraction likelihood text to a probability
// weight.
var likelihoodWeights = map[string]float64{
	"certain":   1.0,
	"very high": 0.95,
	"high":      0.85,
	"medium":    0.55,
	"low":       0.25,
	"very low":  0.10,
	"unlikely":  0.15,
}

// LikelihoodWeight maps likelihood text to a weight, defaulting to 0.5.
func LikelihoodWeight(raw string) float64 {
	if w, ok := likelihoodWeights[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return w
	}
	return 0.5
}

// EmissionsRelated reports whether a code is a generic powertrain
// emissions code (P0xxx).
func EmissionsRelated(code string) bool {
	return len(code) == 5 && strings.HasPrefix(strings.ToUpper(code), "P0")
}
