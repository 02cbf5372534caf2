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

// extractionSystemPrompt spells out the exact JSON contract so the
// model output decodes straight into models.Extraction.
const extractionSystemPrompt = `You are an automotive diagnostic knowledge extractor.

From the text, extract every diagnostic trouble code and the knowledge
stated about it. Only extract what the text actually says. Do not
invent codes, causes or values.

Respond with only a JSON object of this exact shape (omit empty lists):
{
  "dtc_codes": [{"code": "P0301", "description": "...", "category": "engine", "severity": "high"}],
  "causes": [{"dtc_code": "P0301", "description": "...", "likelihood": "high"}],
  "diagnostic_steps": [{"dtc_code": "P0301", "step_order": 1, "description": "...", "tools_required": "...", "expected_values": "..."}],
  "sensors": [{"name": "...", "sensor_type": "...", "typical_range": "...", "unit": "...", "related_dtc_codes": ["P0301"]}],
  "tsb_references": [{"tsb_number": "...", "title": "...", "affected_models": "...", "related_dtc_codes": ["P0301"], "summary": "..."}],
  "vehicles": [{"make": "...", "model": "...", "year_start": 2015, "year_end": 2018, "engine": "...", "transmission": "...", "related_dtc_codes": ["P0301"]}]
}

Codes are uppercase letter plus four hex digits (P0301, U0100, B1342).
Likelihood is one of: certain, very high, high, medium, low, very low, unlikely.
Severity is one of: critical, high, medium, low, informational.`

// ExtractHandler pulls structured diagnostic knowledge out of chunks
// whose evaluation cleared the relevance floor.
type ExtractHandler struct {
	env     stageEnv
	llm     *llm.OllamaClient
	refined *services.RefinedService
}

// NewExtractHandler builds the extract stage handler.
func NewExtractHandler(cfg config.PipelineConfig, q *queue.Client, docs *services.DocumentService, pipe *services.PipelineService, refined *services.RefinedService, client *llm.OllamaClient, logger *slog.Logger) *ExtractHandler {
	return &ExtractHandler{
		env: stageEnv{
			cfg: cfg, queue: q, docs: docs, pipe: pipe,
			logger: logger.With("worker", "extract"),
		},
		llm:     client,
		refined: refined,
	}
}

// Stage implements Handler.
func (h *ExtractHandler) Stage() config.Stage { return config.StageExtracting }

// Handle extracts one document's relevant chunks. An irrelevant
// document (no chunks above the floor) still advances: nothing to
// extract is not a failure.
func (h *ExtractHandler) Handle(ctx context.Context, payload string) error {
	docID, err := parseDocID(payload)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := h.env.pipe.Begin(ctx, docID, config.StageExtracting); err != nil {
		return err
	}

	chunks, err := h.env.docs.RelevantChunks(ctx, docID, h.env.cfg.MinExtractRelevance)
	if err != nil {
		return h.env.fail(ctx, docID, config.StageExtracting, err, start)
	}

	var extracted, skipped int
	for _, c := range chunks {
		ex, err := h.extractChunk(ctx, c)
		if err != nil {
			// One bad chunk should not sink a mostly-good document.
			h.env.logger.Warn("chunk extraction failed",
				"document_id", docID, "chunk_id", c.ID, "error", err)
			skipped++
			continue
		}
		if ex.Count() == 0 {
			continue
		}
		stats, err := h.refined.StoreExtraction(ctx, c.ID, ex)
		if err != nil {
			return h.env.fail(ctx, docID, config.StageExtracting, err, start)
		}
		extracted += stats.Codes
	}
	if skipped > 0 && skipped == len(chunks) {
		return h.env.fail(ctx, docID, config.StageExtracting,
			fmt.Errorf("extraction failed on all %d chunks", skipped), start)
	}

	return h.env.advance(ctx, docID, config.StageExtracting,
		fmt.Sprintf("%d codes from %d chunks", extracted, len(chunks)), start)
}

func (h *ExtractHandler) extractChunk(ctx context.Context, c models.Chunk) (*models.Extraction, error) {
	raw, err := h.llm.Generate(ctx, llm.GenerateRequest{
		Prompt:      c.Content,
		System:      extractionSystemPrompt,
		Temperature: 0.1,
		JSONFormat:  true,
	})
	if err != nil {
		return nil, err
	}
	var ex models.Extraction
	if err := llm.DecodeJSON(raw, &ex); err != nil {
		return nil, fmt.Errorf("unparseable extraction: %w", err)
	}
	return &ex, nil
}
