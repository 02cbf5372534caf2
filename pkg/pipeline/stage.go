package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

// stageEnv is the plumbing every stage handler shares: queue access,
// the document and transition services, and a stage-scoped logger.
type stageEnv struct {
	cfg    config.PipelineConfig
	queue  *queue.Client
	docs   *services.DocumentService
	pipe   *services.PipelineService
	logger *slog.Logger
}

// advance records completion, moves the document to the next stage and
// pushes its job. Terminal stages have no queue and push nothing.
func (e *stageEnv) advance(ctx context.Context, docID uuid.UUID, completed config.Stage, message string, start time.Time) error {
	next, err := e.pipe.Advance(ctx, docID, completed, message, time.Since(start))
	if err != nil {
		return err
	}
	if q := next.Queue(); q != "" {
		if err := e.queue.Push(ctx, q, docID.String()); err != nil {
			// The sweeper re-enqueues documents whose push was lost.
			e.logger.Warn("failed to push next stage job",
				"document_id", docID, "queue", q, "error", err)
		}
	}
	return nil
}

// fail records the failure against the document and returns the cause
// for the worker log.
func (e *stageEnv) fail(ctx context.Context, docID uuid.UUID, stage config.Stage, cause error, start time.Time) error {
	if err := e.pipe.Fail(ctx, docID, stage, cause, time.Since(start)); err != nil {
		e.logger.Error("failed to record stage failure",
			"document_id", docID, "stage", stage, "error", err)
	}
	return fmt.Errorf("%s failed for document %s: %w", stage, docID, cause)
}

func parseDocID(payload string) (uuid.UUID, error) {
	id, err := uuid.Parse(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job payload %q: %w", payload, err)
	}
	return id, nil
}
