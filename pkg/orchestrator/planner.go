package orchestrator

import (
	"fmt"
	"sort"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

// Planner actions.
const (
	ActionWait         = "wait"
	ActionIdle         = "idle"
	ActionTriggerAudit = "trigger_audit"
	ActionAlert        = "alert"
	ActionResearch     = "research"
)

// Task priorities per decision source.
const (
	prioAlertPipeline     = 1
	prioAlertErrors       = 2
	prioAudit             = 3
	prioResearchGaps      = 4
	prioResearchWeak      = 5
	prioResearchExpansion = 6
)

// Decision is one planner output. Exactly one of Alert or Research is
// set for their respective actions.
type Decision struct {
	Action   string
	Priority int
	Reason   string
	Alert    *models.Alert
	Research *models.ResearchDirective
}

// Planner turns an observed state into the next action. Stateless:
// every cycle decides from scratch.
type Planner struct {
	cfg config.OrchestratorConfig
}

// NewPlanner creates a Planner.
func NewPlanner(cfg config.OrchestratorConfig) *Planner {
	return &Planner{cfg: cfg}
}

// Decide walks the decision cascade: back off while the system is
// saturated, keep the audit fresh, then turn every actionable
// recommendation of the newest audit into a decision, sorted by
// priority.
func (p *Planner) Decide(state *SystemState) []Decision {
	if state.TotalQueued > int64(p.cfg.BusyQueueTotal) && !state.GPUAvailable(p.cfg.MaxGPUQueueItems) {
		return []Decision{{
			Action: ActionWait,
			Reason: fmt.Sprintf("system busy: %d queued, %d on gpu queues", state.TotalQueued, state.GPUQueued),
		}}
	}

	if state.AuditStale {
		return []Decision{{
			Action:   ActionTriggerAudit,
			Priority: prioAudit,
			Reason:   "audit report missing or stale",
		}}
	}

	var decisions []Decision
	if state.LatestAudit != nil {
		for _, rec := range state.LatestAudit.Recommendations {
			if d, ok := p.decideRecommendation(state, rec); ok {
				decisions = append(decisions, d)
			}
		}
	}
	if len(decisions) == 0 {
		return []Decision{{Action: ActionIdle, Reason: "nothing to do"}}
	}
	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].Priority < decisions[j].Priority
	})
	return decisions
}

func (p *Planner) decideRecommendation(state *SystemState, rec models.Recommendation) (Decision, bool) {
	switch rec.Type {
	case models.RecFixPipeline:
		return Decision{
			Action:   ActionAlert,
			Priority: prioAlertPipeline,
			Reason:   rec.Description,
			Alert: &models.Alert{
				Type:      "pipeline_degraded",
				Component: "pipeline",
				Severity:  config.SeverityHigh,
				Details:   rec.Description,
			},
		}, true
	case models.RecReprocessErrors:
		return Decision{
			Action:   ActionAlert,
			Priority: prioAlertErrors,
			Reason:   rec.Description,
			Alert: &models.Alert{
				Type:            "stage_errors",
				Component:       "pipeline",
				Severity:        config.SeverityMedium,
				Details:         rec.Description,
				SuggestedAction: "requeue_errors",
			},
		}, true
	case models.RecImproveConfidence:
		if !p.cfg.AutoResearch || !state.CrawlAvailable(p.cfg.MaxConcurrentCrawls) {
			return Decision{}, false
		}
		return Decision{
			Action:   ActionResearch,
			Priority: prioResearchWeak,
			Reason:   rec.Description,
			Research: &models.ResearchDirective{
				Type:   "codes",
				Codes:  rec.TargetCodes,
				Reason: rec.Description,
			},
		}, true
	case models.RecFillGaps:
		if !p.cfg.AutoResearch || !state.CrawlAvailable(p.cfg.MaxConcurrentCrawls) {
			return Decision{}, false
		}
		return Decision{
			Action:   ActionResearch,
			Priority: prioResearchGaps,
			Reason:   rec.Description,
			Research: &models.ResearchDirective{
				Type:   "ranges",
				Ranges: rec.TargetRanges,
				Reason: rec.Description,
			},
		}, true
	case models.RecExpandCoverage:
		if !p.cfg.AutoResearch {
			return Decision{}, false
		}
		return Decision{
			Action:   ActionResearch,
			Priority: prioResearchExpansion,
			Reason:   rec.Description,
			Research: &models.ResearchDirective{
				Type:   "expand",
				Reason: rec.Description,
			},
		}, true
	default:
		return Decision{}, false
	}
}
