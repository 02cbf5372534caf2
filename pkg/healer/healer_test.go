package healer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/llm"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
)

func newTestGatekeeper(t *testing.T, cfg config.HealerConfig) *Gatekeeper {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewGatekeeper(cfg, queue.NewFromRedis(rdb), nil)
}

func TestGatekeeperDenyWins(t *testing.T) {
	cfg := config.DefaultHealerConfig()
	cfg.Cooldown = 0
	cfg.AllowActions = []string{ActionRestartWorker, ActionRestartContainer}
	cfg.DenyActions = []string{ActionRestartContainer}
	g := newTestGatekeeper(t, cfg)
	ctx := context.Background()

	require.NoError(t, g.Permit(ctx, ActionRestartWorker))

	err := g.Permit(ctx, ActionRestartContainer)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDenied, "deny list beats allow list")

	err = g.Permit(ctx, ActionClearStaleLocks)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDenied, "unlisted actions are denied")
}

func TestGatekeeperBudget(t *testing.T) {
	cfg := config.DefaultHealerConfig()
	cfg.Cooldown = 0
	cfg.MaxActionsPerHour = 2
	g := newTestGatekeeper(t, cfg)
	ctx := context.Background()

	require.NoError(t, g.Permit(ctx, ActionRestartWorker))
	require.NoError(t, g.RecordExecution(ctx))
	require.NoError(t, g.Permit(ctx, ActionRestartWorker))
	require.NoError(t, g.RecordExecution(ctx))

	err := g.Permit(ctx, ActionRestartWorker)
	require.Error(t, err)
	assert.ErrorIs(t, err, errThrottled)
}

func TestGatekeeperCooldown(t *testing.T) {
	cfg := config.DefaultHealerConfig()
	cfg.Cooldown = time.Hour
	g := newTestGatekeeper(t, cfg)
	ctx := context.Background()

	require.NoError(t, g.Permit(ctx, ActionRestartWorker))
	require.NoError(t, g.RecordExecution(ctx))

	err := g.Permit(ctx, ActionRestartWorker)
	require.Error(t, err)
	assert.ErrorIs(t, err, errThrottled)
}

func TestWorkerContainer(t *testing.T) {
	assert.Equal(t, "refinery_embed", workerContainer("refinery_", "jobs:embed"))
	assert.Equal(t, "refinery_crawler", workerContainer("refinery_", "crawler"))
}

func TestTargetStage(t *testing.T) {
	stage, err := targetStage("evaluating", "pipeline")
	require.NoError(t, err)
	assert.Equal(t, config.StageEvaluating, stage)

	stage, err = targetStage("", "jobs:extract")
	require.NoError(t, err)
	assert.Equal(t, config.StageExtracting, stage)

	_, err = targetStage("", "pipeline")
	assert.Error(t, err, "no stage resolvable")

	_, err = targetStage("complete", "pipeline")
	assert.Error(t, err, "terminal stages have no queue")
}

func TestStageForQueue(t *testing.T) {
	assert.Equal(t, config.StageEmbedding, stageForQueue(config.QueueEmbed))
	assert.Equal(t, config.Stage(""), stageForQueue("jobs:nope"))
}

func TestFallbackRemedy(t *testing.T) {
	alert := models.Alert{Type: "queue_stalled", SuggestedAction: ActionRestartWorker}
	r := fallbackRemedy(alert, assert.AnError)
	assert.Equal(t, ActionRestartWorker, r.Action)
	assert.Less(t, r.Confidence, config.DefaultHealerConfig().MinConfidence,
		"fallback must stay below the execution floor")

	r = fallbackRemedy(models.Alert{Type: "processing_slowdown"}, assert.AnError)
	assert.Equal(t, ActionEscalate, r.Action)
}

func TestRemedyDecode(t *testing.T) {
	raw := `Here is my analysis:
{"action": "restart_worker", "confidence": 0.85, "reasoning": "queue consumer is wedged",
 "parameters": {"stage": "embedding"}, "alternatives": ["escalate_to_human"]}`

	var r Remedy
	require.NoError(t, llm.DecodeJSON(raw, &r))
	assert.Equal(t, ActionRestartWorker, r.Action)
	assert.Equal(t, 0.85, r.Confidence)
	assert.Equal(t, "embedding", r.Parameters["stage"])
	assert.Equal(t, []string{ActionEscalate}, r.Alternatives)
}
