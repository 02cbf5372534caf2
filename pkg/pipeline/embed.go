package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/llm"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

// EmbedHandler writes an embedding vector for every chunk. One failed
// chunk fails the whole document: partial embeddings would poison
// similarity search.
type EmbedHandler struct {
	env stageEnv
	llm *llm.OllamaClient
}

// NewEmbedHandler builds the embed stage handler.
func NewEmbedHandler(cfg config.PipelineConfig, q *queue.Client, docs *services.DocumentService, pipe *services.PipelineService, client *llm.OllamaClient, logger *slog.Logger) *EmbedHandler {
	return &EmbedHandler{
		env: stageEnv{
			cfg: cfg, queue: q, docs: docs, pipe: pipe,
			logger: logger.With("worker", "embed"),
		},
		llm: client,
	}
}

// Stage implements Handler.
func (h *EmbedHandler) Stage() config.Stage { return config.StageEmbedding }

// Handle embeds one document's chunks in order.
func (h *EmbedHandler) Handle(ctx context.Context, payload string) error {
	docID, err := parseDocID(payload)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := h.env.pipe.Begin(ctx, docID, config.StageEmbedding); err != nil {
		return err
	}

	chunks, err := h.env.docs.UnembeddedChunks(ctx, docID)
	if err != nil {
		return h.env.fail(ctx, docID, config.StageEmbedding, err, start)
	}
	for _, c := range chunks {
		vec, err := h.llm.Embed(ctx, c.Content)
		if err != nil {
			return h.env.fail(ctx, docID, config.StageEmbedding,
				fmt.Errorf("chunk %d: %w", c.ChunkIndex, err), start)
		}
		if err := h.env.docs.SetEmbedding(ctx, c.ID, vec); err != nil {
			return h.env.fail(ctx, docID, config.StageEmbedding,
				fmt.Errorf("chunk %d: %w", c.ChunkIndex, err), start)
		}
	}

	return h.env.advance(ctx, docID, config.StageEmbedding,
		fmt.Sprintf("%d chunks embedded", len(chunks)), start)
}
