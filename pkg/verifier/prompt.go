// Package verifier fact-checks refined DTC records against an external
// chat-completion model and adjusts their confidence.
package verifier

import (
	"fmt"
	"strings"

	"github.com/dtcforge/refinery/pkg/models"
)

const verificationSystemPrompt = `You are an automotive diagnostics expert fact-checking a knowledge base entry
for an OBD-II diagnostic trouble code. Judge whether the stored description,
causes, diagnostic steps and sensor associations are accurate for the code.

Respond with JSON only:
{
  "overall_status": "verified" | "corrected" | "disputed" | "uncertain",
  "confidence_delta": <-0.3 to 0.3, how much to adjust the stored confidence>,
  "fields": [
    {
      "field": "description" | "causes" | "diagnostic_steps" | "sensors" | "severity",
      "verdict": "verified" | "corrected" | "disputed" | "uncertain",
      "correction": "<the corrected content, only when verdict is corrected>",
      "notes": "<short justification>"
    }
  ]
}
Use "verified" when the content matches established knowledge, "corrected"
for fixable inaccuracies, "disputed" for content that is wrong, and
"uncertain" when you cannot judge.`

// buildPrompt renders one DTC record for fact-checking.
func buildPrompt(dtc *models.DTCCode, causes []models.Cause, steps []models.DiagnosticStep, sensors []models.Sensor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DTC code: %s\n", dtc.Code)
	fmt.Fprintf(&b, "Description: %s\n", orUnknown(dtc.Description))
	fmt.Fprintf(&b, "Category: %s\n", orUnknown(dtc.Category))
	fmt.Fprintf(&b, "Severity: %s\n", orUnknown(dtc.Severity))
	fmt.Fprintf(&b, "Stored confidence: %.2f (from %d sources)\n", dtc.ConfidenceScore, dtc.SourceCount)

	b.WriteString("\nCauses:\n")
	if len(causes) == 0 {
		b.WriteString("  (none recorded)\n")
	}
	for _, c := range causes {
		fmt.Fprintf(&b, "  - %s", c.Description)
		if c.Likelihood != "" {
			fmt.Fprintf(&b, " (likelihood: %s)", c.Likelihood)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nDiagnostic steps:\n")
	if len(steps) == 0 {
		b.WriteString("  (none recorded)\n")
	}
	for _, s := range steps {
		fmt.Fprintf(&b, "  %d. %s", s.StepOrder, s.Description)
		if s.ToolsRequired != "" {
			fmt.Fprintf(&b, " [tools: %s]", s.ToolsRequired)
		}
		if s.ExpectedValues != "" {
			fmt.Fprintf(&b, " [expect: %s]", s.ExpectedValues)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nAssociated sensors:\n")
	if len(sensors) == 0 {
		b.WriteString("  (none recorded)\n")
	}
	for _, sn := range sensors {
		fmt.Fprintf(&b, "  - %s", sn.Name)
		if sn.SensorType != "" {
			fmt.Fprintf(&b, " (%s)", sn.SensorType)
		}
		if sn.TypicalRange != "" {
			fmt.Fprintf(&b, ", typical range %s %s", sn.TypicalRange, sn.Unit)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "(not recorded)"
	}
	return s
}
