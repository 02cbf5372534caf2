// Package healer consumes monitoring alerts and remediates them:
// an LLM proposes an action, safety gates decide whether it may run,
// and an executor carries it out. Every decision is logged.
package healer

import (
	"context"
	"fmt"

	"github.com/dtcforge/refinery/pkg/llm"
	"github.com/dtcforge/refinery/pkg/models"
)

// Remediation action names. The executor understands exactly these.
const (
	ActionRestartWorker    = "restart_worker"
	ActionRestartContainer = "restart_container"
	ActionRequeueDocuments = "requeue_documents"
	ActionRequeueErrors    = "requeue_errors"
	ActionClearStaleLocks  = "clear_stale_locks"
	ActionEscalate         = "escalate_to_human"
)

const analysisSystemPrompt = `You are the remediation advisor for a document-processing pipeline.
Given one monitoring alert, choose the single best remediation action from:
- restart_worker: a stage worker stopped consuming its queue
- restart_container: a service container fails its health checks
- requeue_documents: documents are stuck mid-pipeline and should be re-enqueued
- requeue_errors: a stage failed many documents that should be retried
- clear_stale_locks: abandoned processing locks are blocking work
- escalate_to_human: the situation is unclear or remediation is risky

Respond with JSON only:
{
  "action": "<one of the actions above>",
  "confidence": <0.0-1.0, how certain you are this action is safe and will help>,
  "reasoning": "<one or two sentences>",
  "parameters": {"<key>": "<value>"},
  "alternatives": ["<other plausible actions>"]
}
Prefer escalate_to_human with low confidence over guessing.`

// Remedy is the analyzer's verdict on one alert.
type Remedy struct {
	Action       string            `json:"action"`
	Confidence   float64           `json:"confidence"`
	Reasoning    string            `json:"reasoning"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Alternatives []string          `json:"alternatives,omitempty"`
}

// Analyzer asks the reasoning model what to do about an alert.
type Analyzer struct {
	llm *llm.OllamaClient
}

// NewAnalyzer builds an Analyzer.
func NewAnalyzer(client *llm.OllamaClient) *Analyzer {
	return &Analyzer{llm: client}
}

// Analyze produces a remedy for the alert.
func (a *Analyzer) Analyze(ctx context.Context, alert models.Alert) (*Remedy, error) {
	prompt := fmt.Sprintf(
		"Alert type: %s\nComponent: %s\nSeverity: %s\nDetails: %s\nSuggested action from the monitor: %s\n",
		alert.Type, alert.Component, alert.Severity, alert.Details, orNone(alert.SuggestedAction))

	resp, err := a.llm.Generate(ctx, llm.GenerateRequest{
		Prompt:      prompt,
		System:      analysisSystemPrompt,
		Temperature: 0.1,
		JSONFormat:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("remediation analysis failed: %w", err)
	}

	var remedy Remedy
	if err := llm.DecodeJSON(resp, &remedy); err != nil {
		return nil, fmt.Errorf("failed to parse remediation analysis: %w", err)
	}
	remedy.Confidence = clamp01(remedy.Confidence)
	return &remedy, nil
}

// fallbackRemedy stands in when the analyzer is unavailable: follow the
// monitor's suggestion at a confidence below the execution floor, so it
// is logged as deferred rather than acted on blindly.
func fallbackRemedy(alert models.Alert, cause error) *Remedy {
	action := alert.SuggestedAction
	if action == "" {
		action = ActionEscalate
	}
	return &Remedy{
		Action:     action,
		Confidence: 0.5,
		Reasoning:  fmt.Sprintf("analysis unavailable (%v), falling back to the monitor's suggestion", cause),
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
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
