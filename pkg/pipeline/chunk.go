package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/content"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
	"github.com/dtcforge/refinery/pkg/storage"
)

// ChunkHandler splits a document's raw text into overlapping windows.
type ChunkHandler struct {
	env   stageEnv
	store *storage.Store
}

// NewChunkHandler builds the chunk stage handler.
func NewChunkHandler(cfg config.PipelineConfig, q *queue.Client, docs *services.DocumentService, pipe *services.PipelineService, store *storage.Store, logger *slog.Logger) *ChunkHandler {
	return &ChunkHandler{
		env: stageEnv{
			cfg: cfg, queue: q, docs: docs, pipe: pipe,
			logger: logger.With("worker", "chunk"),
		},
		store: store,
	}
}

// Stage implements Handler.
func (h *ChunkHandler) Stage() config.Stage { return config.StageChunking }

// Handle splits one document.
func (h *ChunkHandler) Handle(ctx context.Context, payload string) error {
	docID, err := parseDocID(payload)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := h.env.pipe.Begin(ctx, docID, config.StageChunking); err != nil {
		return err
	}

	text, err := h.store.GetText(ctx, storage.RawKey(docID.String()))
	if err != nil {
		return h.env.fail(ctx, docID, config.StageChunking, err, start)
	}

	pieces := content.Split(text, h.env.cfg.ChunkSize, h.env.cfg.ChunkOverlap)
	if len(pieces) == 0 {
		return h.env.fail(ctx, docID, config.StageChunking,
			fmt.Errorf("document produced no chunks"), start)
	}

	chunks := make([]models.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = models.Chunk{
			DocumentID: docID,
			ChunkIndex: i,
			Content:    p.Content,
			CharStart:  p.Start,
			CharEnd:    p.End,
		}
	}
	if err := h.env.docs.ReplaceChunks(ctx, docID, chunks); err != nil {
		return h.env.fail(ctx, docID, config.StageChunking, err, start)
	}

	return h.env.advance(ctx, docID, config.StageChunking,
		fmt.Sprintf("%d chunks", len(chunks)), start)
}
