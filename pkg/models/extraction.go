package models

// EvaluationVerdict is the JSON contract for chunk evaluation responses.
type EvaluationVerdict struct {
	TrustScore     float64 `json:"trust_score"`
	RelevanceScore float64 `json:"relevance_score"`
	Domain         string  `json:"domain"`
	Reasoning      string  `json:"reasoning"`
}

// ExtractedCode is one DTC mention in extraction output.
type ExtractedCode struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// ExtractedCause ties a cause to the DTC it was stated for.
type ExtractedCause struct {
	DTCCode     string `json:"dtc_code"`
	Description string `json:"description"`
	Likelihood  string `json:"likelihood,omitempty"`
}

// ExtractedStep is one diagnostic step in extraction output.
type ExtractedStep struct {
	DTCCode        string `json:"dtc_code"`
	StepOrder      int    `json:"step_order,omitempty"`
	Description    string `json:"description"`
	ToolsRequired  string `json:"tools_required,omitempty"`
	ExpectedValues string `json:"expected_values,omitempty"`
}

// ExtractedSensor is one sensor mention in extraction output.
type ExtractedSensor struct {
	Name         string   `json:"name"`
	SensorType   string   `json:"sensor_type,omitempty"`
	TypicalRange string   `json:"typical_range,omitempty"`
	Unit         string   `json:"unit,omitempty"`
	RelatedCodes []string `json:"related_dtc_codes,omitempty"`
}

// ExtractedTSB is one service-bulletin citation in extraction output.
type ExtractedTSB struct {
	TSBNumber      string   `json:"tsb_number"`
	Title          string   `json:"title,omitempty"`
	AffectedModels string   `json:"affected_models,omitempty"`
	RelatedCodes   []string `json:"related_dtc_codes,omitempty"`
	Summary        string   `json:"summary,omitempty"`
}

// ExtractedVehicle is one vehicle-context mention in extraction output.
type ExtractedVehicle struct {
	Make         string   `json:"make"`
	Model        string   `json:"model,omitempty"`
	YearStart    int      `json:"year_start,omitempty"`
	YearEnd      int      `json:"year_end,omitempty"`
	Engine       string   `json:"engine,omitempty"`
	Transmission string   `json:"transmission,omitempty"`
	RelatedCodes []string `json:"related_dtc_codes,omitempty"`
}

// Extraction is the JSON contract for chunk extraction responses.
type Extraction struct {
	DTCCodes        []ExtractedCode    `json:"dtc_codes"`
	Causes          []ExtractedCause   `json:"causes"`
	DiagnosticSteps []ExtractedStep    `json:"diagnostic_steps"`
	Sensors         []ExtractedSensor  `json:"sensors"`
	TSBReferences   []ExtractedTSB     `json:"tsb_references"`
	Vehicles        []ExtractedVehicle `json:"vehicles,omitempty"`
}

// Count totals extracted items across all categories.
func (e Extraction) Count() int {
	return len(e.DTCCodes) + len(e.Causes) + len(e.DiagnosticSteps) +
		len(e.Sensors) + len(e.TSBReferences) + len(e.Vehicles)
}
