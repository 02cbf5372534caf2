package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/knowledge"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

// ResolveHandler is the final stage: it recomputes confidence from the
// accumulated evidence, dedupes, promotes the document's extractions
// into the knowledge tables and links its vehicle mentions.
type ResolveHandler struct {
	env     stageEnv
	refined *services.RefinedService
	upsert  *knowledge.Upserter
	linker  *knowledge.Linker
}

// NewResolveHandler builds the resolve stage handler.
func NewResolveHandler(cfg config.PipelineConfig, q *queue.Client, pool *pgxpool.Pool, docs *services.DocumentService, pipe *services.PipelineService, refined *services.RefinedService, logger *slog.Logger) *ResolveHandler {
	return &ResolveHandler{
		env: stageEnv{
			cfg: cfg, queue: q, docs: docs, pipe: pipe,
			logger: logger.With("worker", "resolve"),
		},
		refined: refined,
		upsert:  knowledge.NewUpserter(pool, logger),
		linker:  knowledge.NewLinker(pool, logger),
	}
}

// Stage implements Handler.
func (h *ResolveHandler) Stage() config.Stage { return config.StageResolving }

// Handle resolves one document into the knowledge base.
func (h *ResolveHandler) Handle(ctx context.Context, payload string) error {
	docID, err := parseDocID(payload)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := h.env.pipe.Begin(ctx, docID, config.StageResolving); err != nil {
		return err
	}

	recalced, err := h.refined.RecalculateConfidence(ctx, docID)
	if err != nil {
		return h.env.fail(ctx, docID, config.StageResolving, err, start)
	}
	dupCauses, err := h.refined.DedupeCauses(ctx)
	if err != nil {
		return h.env.fail(ctx, docID, config.StageResolving, err, start)
	}
	dupSteps, err := h.refined.DedupeSteps(ctx)
	if err != nil {
		return h.env.fail(ctx, docID, config.StageResolving, err, start)
	}

	vmake, vmodel, vyear, err := h.refined.DominantVehicle(ctx, docID)
	if err != nil {
		return h.env.fail(ctx, docID, config.StageResolving, err, start)
	}
	runStats, err := h.upsert.Run(ctx, docID, knowledge.Context{
		Make: vmake, Model: vmodel, Year: vyear,
	})
	if err != nil {
		return h.env.fail(ctx, docID, config.StageResolving, err, start)
	}

	linkStats, err := h.linker.Run(ctx, docID)
	if err != nil {
		return h.env.fail(ctx, docID, config.StageResolving, err, start)
	}

	category, err := h.refined.MajorityCategory(ctx, docID)
	if err != nil {
		return h.env.fail(ctx, docID, config.StageResolving, err, start)
	}
	if category != "" {
		if err := h.env.docs.SetCategory(ctx, docID, category); err != nil {
			return h.env.fail(ctx, docID, config.StageResolving, err, start)
		}
	}

	h.env.logger.Info("document resolved",
		"document_id", docID,
		"run_id", runStats.RunID,
		"confidence_updated", recalced,
		"duplicate_causes_removed", dupCauses,
		"duplicate_steps_removed", dupSteps,
		"masters", runStats.Masters,
		"causes", runStats.Causes,
		"steps", runStats.Steps,
		"sensors", runStats.Sensors,
		"vehicles_linked", linkStats.Vehicles,
		"category", category,
	)
	return h.env.advance(ctx, docID, config.StageResolving, "knowledge resolved", start)
}
