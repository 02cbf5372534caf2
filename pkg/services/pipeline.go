package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

// PipelineService drives stage transitions and keeps the per-document
// processing log. Queue pushes stay with the workers; this service only
// records state.
type PipelineService struct {
	pool *pgxpool.Pool
	docs *DocumentService
}

// NewPipelineService creates a new PipelineService.
func NewPipelineService(pool *pgxpool.Pool) *PipelineService {
	return &PipelineService{pool: pool, docs: NewDocumentService(pool)}
}

// Begin marks a document as actively processing in the given stage and
// writes a started log entry. Stage update and log insert commit
// together.
func (s *PipelineService) Begin(ctx context.Context, docID uuid.UUID, stage config.Stage) error {
	return s.transition(ctx, func(tx pgx.Tx) error {
		if err := s.docs.setStage(ctx, tx, docID, stage); err != nil {
			return err
		}
		return s.log(ctx, tx, docID, stage, models.LogStarted, "", 0)
	})
}

// Advance records stage completion and moves the document to the next
// stage of the DAG, in one transaction. The returned stage is what the
// caller should push a job for (or no queue when the pipeline is done).
func (s *PipelineService) Advance(ctx context.Context, docID uuid.UUID, completed config.Stage, message string, took time.Duration) (config.Stage, error) {
	next := completed.Next()
	err := s.transition(ctx, func(tx pgx.Tx) error {
		if err := s.log(ctx, tx, docID, completed, models.LogCompleted, message, took); err != nil {
			return err
		}
		return s.docs.setStage(ctx, tx, docID, next)
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// Fail records a stage failure and parks the document in the error
// stage, in one transaction.
func (s *PipelineService) Fail(ctx context.Context, docID uuid.UUID, stage config.Stage, cause error, took time.Duration) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, func(tx pgx.Tx) error {
		if err := s.log(ctx, tx, docID, stage, models.LogFailed, msg, took); err != nil {
			return err
		}
		return s.docs.setError(ctx, tx, docID, msg)
	})
}

// transition runs fn inside one transaction so a crash can never leave
// the stage column and the processing log disagreeing.
func (s *PipelineService) transition(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin stage transition: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Log appends one processing-log row.
func (s *PipelineService) Log(ctx context.Context, docID uuid.UUID, stage config.Stage, status, message string, took time.Duration) error {
	return s.log(ctx, s.pool, docID, stage, status, message, took)
}

func (s *PipelineService) log(ctx context.Context, db execer, docID uuid.UUID, stage config.Stage, status, message string, took time.Duration) error {
	_, err := db.Exec(ctx, `
		INSERT INTO research.processing_log (document_id, stage, status, message, duration_ms)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		docID, string(stage), status, truncate(message, errorMessageLimit), took.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to append processing log: %w", err)
	}
	return nil
}

// Sweep finds documents stuck mid-pipeline longer than staleAfter and
// resets each to its active stage so the caller can re-push its job.
// Returns the swept documents with ProcessingStage set to the stage to
// requeue.
func (s *PipelineService) Sweep(ctx context.Context, staleAfter time.Duration, limit int) ([]models.Document, error) {
	docs, err := s.docs.StuckDocuments(ctx, staleAfter, limit)
	if err != nil {
		return nil, err
	}
	var swept []models.Document
	for _, doc := range docs {
		// chunked/embedded are rest states between stages; nudge the
		// document into the next queue-driven stage.
		stage := doc.ProcessingStage
		if stage.Queue() == "" {
			stage = stage.Next()
		}
		if stage.Queue() == "" {
			continue
		}
		err := s.transition(ctx, func(tx pgx.Tx) error {
			if err := s.docs.setStage(ctx, tx, doc.ID, stage); err != nil {
				return err
			}
			return s.log(ctx, tx, doc.ID, stage, models.LogStarted, "requeued by sweeper", 0)
		})
		if err != nil {
			return swept, err
		}
		doc.ProcessingStage = stage
		swept = append(swept, doc)
	}
	return swept, nil
}

// PruneProcessingLog deletes log entries older than the retention
// window and returns how many rows went away.
func (s *PipelineService) PruneProcessingLog(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM research.processing_log
		WHERE created_at < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("failed to prune processing log: %w", err)
	}
	return tag.RowsAffected(), nil
}
