package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

func testPlanner() *Planner {
	return NewPlanner(config.DefaultOrchestratorConfig())
}

func freshState() *SystemState {
	return &SystemState{
		QueueDepths: map[string]int64{},
		LatestAudit: &models.AuditReport{},
	}
}

func TestDecideWaitsWhenBusy(t *testing.T) {
	p := testPlanner()

	// Back off only when the pipeline carries a backlog AND the gpu
	// queues are saturated; either pressure alone keeps planning.
	state := freshState()
	state.TotalQueued = 51
	state.GPUQueued = 20
	ds := p.Decide(state)
	require.Len(t, ds, 1)
	assert.Equal(t, ActionWait, ds[0].Action)

	state = freshState()
	state.TotalQueued = 51
	ds = p.Decide(state)
	assert.Equal(t, ActionIdle, ds[0].Action, "backlog alone does not stall planning")

	state = freshState()
	state.GPUQueued = 20
	ds = p.Decide(state)
	assert.Equal(t, ActionIdle, ds[0].Action, "gpu load alone does not stall planning")
}

func TestDecideTriggersAuditWhenStale(t *testing.T) {
	state := freshState()
	state.AuditStale = true

	ds := testPlanner().Decide(state)
	require.Len(t, ds, 1)
	assert.Equal(t, ActionTriggerAudit, ds[0].Action)
	assert.Equal(t, 3, ds[0].Priority)
}

func TestDecideEmitsActionPerRecommendation(t *testing.T) {
	state := freshState()
	state.LatestAudit.Recommendations = []models.Recommendation{
		{Type: models.RecFillGaps, Priority: 4, TargetRanges: []string{"P0100-P0199"}},
		{Type: models.RecFixPipeline, Priority: 1, Description: "degraded"},
	}

	ds := testPlanner().Decide(state)
	require.Len(t, ds, 2, "each recommendation yields its own action")

	assert.Equal(t, ActionAlert, ds[0].Action)
	assert.Equal(t, 1, ds[0].Priority)
	require.NotNil(t, ds[0].Alert)
	assert.Equal(t, "pipeline_degraded", ds[0].Alert.Type)
	assert.Equal(t, config.SeverityHigh, ds[0].Alert.Severity)

	assert.Equal(t, ActionResearch, ds[1].Action)
	assert.Equal(t, 4, ds[1].Priority)
	require.NotNil(t, ds[1].Research)
	assert.Equal(t, "ranges", ds[1].Research.Type)
	assert.Equal(t, []string{"P0100-P0199"}, ds[1].Research.Ranges)
}

func TestDecideIsStableAcrossCycles(t *testing.T) {
	state := freshState()
	state.LatestAudit.Recommendations = []models.Recommendation{
		{Type: models.RecFixPipeline, Priority: 1, Description: "degraded"},
		{Type: models.RecFillGaps, Priority: 4, TargetRanges: []string{"P0100-P0199"}},
	}

	p := testPlanner()
	for i := 0; i < 5; i++ {
		ds := p.Decide(state)
		require.Len(t, ds, 2)
		assert.Equal(t, ActionAlert, ds[0].Action)
		assert.Equal(t, ActionResearch, ds[1].Action,
			"the research directive fires every cycle, not only after the alert clears")
	}
}

func TestDecideResearchNeedsCrawlHeadroom(t *testing.T) {
	state := freshState()
	state.LatestAudit.Recommendations = []models.Recommendation{
		{Type: models.RecFillGaps, Priority: 4, TargetRanges: []string{"P0100-P0199"}},
	}
	state.CrawlQueued = 5

	ds := testPlanner().Decide(state)
	require.Len(t, ds, 1)
	assert.Equal(t, ActionIdle, ds[0].Action, "research deferred while crawling is saturated")

	state.CrawlQueued = 0
	ds = testPlanner().Decide(state)
	require.Len(t, ds, 1)
	assert.Equal(t, ActionResearch, ds[0].Action)
	assert.Equal(t, 4, ds[0].Priority)
	require.NotNil(t, ds[0].Research)
	assert.Equal(t, "ranges", ds[0].Research.Type)
	assert.Equal(t, []string{"P0100-P0199"}, ds[0].Research.Ranges)
}

func TestDecideRespectsAutoResearchGate(t *testing.T) {
	cfg := config.DefaultOrchestratorConfig()
	cfg.AutoResearch = false
	p := NewPlanner(cfg)

	state := freshState()
	state.LatestAudit.Recommendations = []models.Recommendation{
		{Type: models.RecImproveConfidence, Priority: 5, TargetCodes: []string{"P0420"}},
		{Type: models.RecExpandCoverage, Priority: 6},
	}

	ds := p.Decide(state)
	require.Len(t, ds, 1)
	assert.Equal(t, ActionIdle, ds[0].Action)
}

func TestDecideExpandCoverage(t *testing.T) {
	state := freshState()
	state.LatestAudit.Recommendations = []models.Recommendation{
		{Type: models.RecExpandCoverage, Priority: 6, Description: "more codes"},
	}

	ds := testPlanner().Decide(state)
	require.Len(t, ds, 1)
	assert.Equal(t, ActionResearch, ds[0].Action)
	assert.Equal(t, 6, ds[0].Priority)
	require.NotNil(t, ds[0].Research)
	assert.Equal(t, "expand", ds[0].Research.Type)
}

func TestDecideIdleFallback(t *testing.T) {
	ds := testPlanner().Decide(freshState())
	require.Len(t, ds, 1)
	assert.Equal(t, ActionIdle, ds[0].Action)
}

func TestStateAvailability(t *testing.T) {
	s := &SystemState{GPUQueued: 19, CrawlQueued: 4}
	assert.True(t, s.GPUAvailable(20))
	assert.True(t, s.CrawlAvailable(5))

	s = &SystemState{GPUQueued: 20, CrawlQueued: 5}
	assert.False(t, s.GPUAvailable(20))
	assert.False(t, s.CrawlAvailable(5))
}
