package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/llm"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

// evaluationSystemPrompt anchors the trust and relevance scales so runs
// are comparable across documents and models.
const evaluationSystemPrompt = `You are a quality evaluator for automotive diagnostic content.

Rate the text on two scales between 0.0 and 1.0:

trust_score — how reliable the information is:
  0.9-1.0 manufacturer documentation, official service manuals, TSBs
  0.7-0.9 professional mechanic resources, established repair databases
  0.5-0.7 experienced-forum consensus, detailed walkthroughs
  0.3-0.5 unverified forum posts, anecdotal reports
  0.0-0.3 speculation, contradictory or promotional content

relevance_score — how much of the text is about automotive diagnostics:
  0.9-1.0 entirely diagnostic content (codes, causes, procedures, specs)
  0.6-0.9 mostly diagnostic with some filler
  0.3-0.6 mixed automotive content, diagnostics incidental
  0.0-0.3 barely or not automotive

domain — exactly one of: obd, electrical, engine, transmission, brakes,
suspension, hvac, body, general, unknown.

Respond with only a JSON object:
{"trust_score": 0.0, "relevance_score": 0.0, "domain": "...", "reasoning": "..."}`

// maxReasoningChars bounds stored evaluation reasoning.
const maxReasoningChars = 1000

// EvaluateHandler scores each chunk for trust and relevance via the
// reasoning model, optionally grounded with search-engine context.
type EvaluateHandler struct {
	env      stageEnv
	llm      *llm.OllamaClient
	refined  *services.RefinedService
	searcher Searcher
}

// NewEvaluateHandler builds the evaluate stage handler. searcher may be
// nil; evaluation then runs without web context.
func NewEvaluateHandler(cfg config.PipelineConfig, q *queue.Client, docs *services.DocumentService, pipe *services.PipelineService, refined *services.RefinedService, client *llm.OllamaClient, searcher Searcher, logger *slog.Logger) *EvaluateHandler {
	return &EvaluateHandler{
		env: stageEnv{
			cfg: cfg, queue: q, docs: docs, pipe: pipe,
			logger: logger.With("worker", "evaluate"),
		},
		llm:      client,
		refined:  refined,
		searcher: searcher,
	}
}

// Stage implements Handler.
func (h *EvaluateHandler) Stage() config.Stage { return config.StageEvaluating }

// Handle evaluates one document's chunks.
func (h *EvaluateHandler) Handle(ctx context.Context, payload string) error {
	docID, err := parseDocID(payload)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := h.env.pipe.Begin(ctx, docID, config.StageEvaluating); err != nil {
		return err
	}

	chunks, err := h.env.docs.Chunks(ctx, docID)
	if err != nil {
		return h.env.fail(ctx, docID, config.StageEvaluating, err, start)
	}
	for _, c := range chunks {
		eval := h.evaluateChunk(ctx, c)
		if err := h.env.docs.UpsertEvaluation(ctx, eval); err != nil {
			return h.env.fail(ctx, docID, config.StageEvaluating, err, start)
		}
		if eval.Domain != config.DomainUnknown {
			// Domain votes feed the document-category majority vote.
			if err := h.refined.StoreCategory(ctx, c.ID, string(eval.Domain)); err != nil {
				return h.env.fail(ctx, docID, config.StageEvaluating, err, start)
			}
		}
	}

	return h.env.advance(ctx, docID, config.StageEvaluating,
		fmt.Sprintf("%d chunks evaluated", len(chunks)), start)
}

// evaluateChunk never fails: an unusable model response degrades to the
// neutral defaults.
func (h *EvaluateHandler) evaluateChunk(ctx context.Context, c models.Chunk) *models.ChunkEvaluation {
	eval := &models.ChunkEvaluation{
		ChunkID:        c.ID,
		TrustScore:     0.5,
		RelevanceScore: 0.5,
		Domain:         config.DomainUnknown,
		Model:          h.llm.ReasoningModel(),
	}

	prompt := c.Content
	if webCtx := buildSearchContext(ctx, h.searcher, c.Content); webCtx != "" {
		prompt = webCtx + "\nText to evaluate:\n" + c.Content
	}

	raw, err := h.llm.Generate(ctx, llm.GenerateRequest{
		Prompt:      prompt,
		System:      evaluationSystemPrompt,
		Temperature: 0.1,
		JSONFormat:  true,
	})
	if err != nil {
		h.env.logger.Warn("evaluation call failed, using defaults", "chunk_id", c.ID, "error", err)
		return eval
	}

	var verdict models.EvaluationVerdict
	if err := llm.DecodeJSON(raw, &verdict); err != nil {
		h.env.logger.Warn("unparseable evaluation, using defaults", "chunk_id", c.ID, "error", err)
		return eval
	}

	eval.TrustScore = clamp01(verdict.TrustScore)
	eval.RelevanceScore = clamp01(verdict.RelevanceScore)
	eval.Domain = config.NormalizeDomain(verdict.Domain)
	if len(verdict.Reasoning) > maxReasoningChars {
		verdict.Reasoning = verdict.Reasoning[:maxReasoningChars]
	}
	eval.Reasoning = verdict.Reasoning
	return eval
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
