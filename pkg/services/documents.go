package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

// execer is the slice of pgx shared by pgxpool.Pool and pgx.Tx; writes
// that must join a caller's transaction take it instead of the pool.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// DocumentService manages documents, chunks and chunk evaluations.
type DocumentService struct {
	pool *pgxpool.Pool
}

// NewDocumentService creates a new DocumentService.
func NewDocumentService(pool *pgxpool.Pool) *DocumentService {
	return &DocumentService{pool: pool}
}

// Create inserts a new document. ErrDuplicate is returned when another
// document already carries the same content hash.
func (s *DocumentService) Create(ctx context.Context, doc *models.Document) (uuid.UUID, error) {
	if doc.Title == "" {
		return uuid.Nil, NewValidationError("title", "required")
	}
	if doc.ProcessingStage == "" {
		doc.ProcessingStage = config.StagePending
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO research.documents
			(title, source_url, content_hash, mime_type, minio_bucket, minio_key, processing_stage)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)
		RETURNING id`,
		doc.Title, doc.SourceURL, doc.ContentHash, doc.MimeType,
		doc.Bucket, doc.ObjectKey, string(doc.ProcessingStage),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return uuid.Nil, ErrDuplicate
		}
		return uuid.Nil, fmt.Errorf("failed to create document: %w", err)
	}
	doc.ID = id
	return id, nil
}

// HashExists reports whether a document with this content hash exists.
func (s *DocumentService) HashExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM research.documents WHERE content_hash = $1)`,
		hash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check content hash: %w", err)
	}
	return exists, nil
}

// Get loads one document by ID.
func (s *DocumentService) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var (
		doc                                     models.Document
		sourceURL, hash, mime, bucket, key, cat *string
		errMsg                                  *string
		stage                                   string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, source_url, content_hash, mime_type, minio_bucket, minio_key,
		       processing_stage, error_message, chunk_count, document_category,
		       ingestion_timestamp, updated_at
		FROM research.documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.Title, &sourceURL, &hash, &mime, &bucket, &key,
		&stage, &errMsg, &doc.ChunkCount, &cat, &doc.IngestedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	doc.ProcessingStage = config.Stage(stage)
	doc.SourceURL = deref(sourceURL)
	doc.ContentHash = deref(hash)
	doc.MimeType = deref(mime)
	doc.Bucket = deref(bucket)
	doc.ObjectKey = deref(key)
	doc.ErrorMessage = deref(errMsg)
	doc.DocumentCategory = deref(cat)
	return &doc, nil
}

// SetStage moves a document to the given stage and clears any previous
// error message.
func (s *DocumentService) SetStage(ctx context.Context, id uuid.UUID, stage config.Stage) error {
	return s.setStage(ctx, s.pool, id, stage)
}

func (s *DocumentService) setStage(ctx context.Context, db execer, id uuid.UUID, stage config.Stage) error {
	if !stage.IsValid() {
		return NewValidationError("processing_stage", fmt.Sprintf("unknown stage %q", stage))
	}
	tag, err := db.Exec(ctx, `
		UPDATE research.documents
		SET processing_stage = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $1`, id, string(stage))
	if err != nil {
		return fmt.Errorf("failed to set document stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetError moves a document to the error stage, keeping a truncated
// error message.
func (s *DocumentService) SetError(ctx context.Context, id uuid.UUID, msg string) error {
	return s.setError(ctx, s.pool, id, msg)
}

func (s *DocumentService) setError(ctx context.Context, db execer, id uuid.UUID, msg string) error {
	_, err := db.Exec(ctx, `
		UPDATE research.documents
		SET processing_stage = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`, id, string(config.StageError), truncate(msg, errorMessageLimit))
	if err != nil {
		return fmt.Errorf("failed to set document error: %w", err)
	}
	return nil
}

// SetObjectLocation records where the document's raw content lives.
func (s *DocumentService) SetObjectLocation(ctx context.Context, id uuid.UUID, bucket, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE research.documents
		SET minio_bucket = $2, minio_key = $3, updated_at = NOW()
		WHERE id = $1`, id, bucket, key)
	if err != nil {
		return fmt.Errorf("failed to set object location: %w", err)
	}
	return nil
}

// SetCategory stores the majority-vote document category.
func (s *DocumentService) SetCategory(ctx context.Context, id uuid.UUID, category string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE research.documents
		SET document_category = $2, updated_at = NOW()
		WHERE id = $1`, id, category)
	if err != nil {
		return fmt.Errorf("failed to set document category: %w", err)
	}
	return nil
}

// ReplaceChunks deletes any existing chunks for the document and inserts
// the new set in one transaction, updating chunk_count.
func (s *DocumentService) ReplaceChunks(ctx context.Context, docID uuid.UUID, chunks []models.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM research.document_chunks WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("failed to clear old chunks: %w", err)
	}
	for i := range chunks {
		c := &chunks[i]
		err := tx.QueryRow(ctx, `
			INSERT INTO research.document_chunks
				(document_id, chunk_index, content, char_start, char_end)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			docID, c.ChunkIndex, c.Content, c.CharStart, c.CharEnd,
		).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE research.documents
		SET chunk_count = $2, updated_at = NOW()
		WHERE id = $1`, docID, len(chunks)); err != nil {
		return fmt.Errorf("failed to update chunk count: %w", err)
	}
	return tx.Commit(ctx)
}

// Chunks returns a document's chunks ordered by chunk index.
func (s *DocumentService) Chunks(ctx context.Context, docID uuid.UUID) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, chunk_index, content, char_start, char_end, created_at
		FROM research.document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.CharStart, &c.CharEnd, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// UnembeddedChunks returns the document's chunks without an embedding.
func (s *DocumentService) UnembeddedChunks(ctx context.Context, docID uuid.UUID) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, chunk_index, content, char_start, char_end, created_at
		FROM research.document_chunks
		WHERE document_id = $1 AND embedding IS NULL
		ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unembedded chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.CharStart, &c.CharEnd, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SetEmbedding stores one chunk's embedding. The bracketed literal is
// valid for both the pgvector column and the text fallback.
func (s *DocumentService) SetEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	if len(embedding) == 0 {
		return NewValidationError("embedding", "empty vector")
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE research.document_chunks SET embedding = $2 WHERE id = $1`,
		chunkID, EmbeddingLiteral(embedding))
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// EmbeddingLiteral renders a vector as the '[f1,f2,...]' input literal.
func EmbeddingLiteral(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// UpsertEvaluation stores a chunk evaluation, overwriting any previous
// verdict for the same chunk.
func (s *DocumentService) UpsertEvaluation(ctx context.Context, eval *models.ChunkEvaluation) error {
	if eval.ChunkID == 0 {
		return NewValidationError("chunk_id", "required")
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO research.chunk_evaluations
			(chunk_id, trust_score, relevance_score, automotive_domain, reasoning, model_used)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		ON CONFLICT (chunk_id) DO UPDATE SET
			trust_score = EXCLUDED.trust_score,
			relevance_score = EXCLUDED.relevance_score,
			automotive_domain = EXCLUDED.automotive_domain,
			reasoning = EXCLUDED.reasoning,
			model_used = EXCLUDED.model_used,
			evaluated_at = NOW()
		RETURNING id`,
		eval.ChunkID, eval.TrustScore, eval.RelevanceScore,
		string(eval.Domain), eval.Reasoning, eval.Model,
	).Scan(&eval.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert evaluation: %w", err)
	}
	return nil
}

// UnevaluatedChunks returns the document's chunks with no evaluation row.
func (s *DocumentService) UnevaluatedChunks(ctx context.Context, docID uuid.UUID) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.char_start, c.char_end, c.created_at
		FROM research.document_chunks c
		LEFT JOIN research.chunk_evaluations e ON e.chunk_id = c.id
		WHERE c.document_id = $1 AND e.id IS NULL
		ORDER BY c.chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unevaluated chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.CharStart, &c.CharEnd, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// RelevantChunks returns the document's chunks worth extracting from:
// evaluated at or above minRelevance, or not yet evaluated at all.
func (s *DocumentService) RelevantChunks(ctx context.Context, docID uuid.UUID, minRelevance float64) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.char_start, c.char_end, c.created_at
		FROM research.document_chunks c
		LEFT JOIN research.chunk_evaluations e ON e.chunk_id = c.id
		WHERE c.document_id = $1 AND (e.id IS NULL OR e.relevance_score >= $2)
		ORDER BY c.chunk_index`, docID, minRelevance)
	if err != nil {
		return nil, fmt.Errorf("failed to list relevant chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content,
			&c.CharStart, &c.CharEnd, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountsByStage returns document counts grouped by processing stage.
func (s *DocumentService) CountsByStage(ctx context.Context) (map[config.Stage]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT processing_stage, COUNT(*)
		FROM research.documents
		GROUP BY processing_stage`)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents by stage: %w", err)
	}
	defer rows.Close()

	counts := make(map[config.Stage]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stage count: %w", err)
		}
		counts[config.Stage(stage)] = n
	}
	return counts, rows.Err()
}

// StuckDocuments returns non-terminal documents untouched for longer
// than maxAge, oldest first.
func (s *DocumentService) StuckDocuments(ctx context.Context, maxAge time.Duration, limit int) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, processing_stage, updated_at
		FROM research.documents
		WHERE processing_stage NOT IN ('pending', 'complete', 'error')
		  AND updated_at < NOW() - $1::interval
		ORDER BY updated_at
		LIMIT $2`, maxAge.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		var stage string
		if err := rows.Scan(&d.ID, &d.Title, &stage, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.ProcessingStage = config.Stage(stage)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// OldestAtStage returns up to limit document IDs sitting at one stage,
// oldest first. The healer uses this to requeue dropped jobs.
func (s *DocumentService) OldestAtStage(ctx context.Context, stage config.Stage, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM research.documents
		WHERE processing_stage = $1
		ORDER BY updated_at
		LIMIT $2`, string(stage), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents at stage: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetErrors moves up to limit error documents back to target,
// returning their IDs for requeueing.
func (s *DocumentService) ResetErrors(ctx context.Context, target config.Stage, limit int) ([]uuid.UUID, error) {
	if !target.IsValid() || target.IsTerminal() {
		return nil, NewValidationError("stage", fmt.Sprintf("cannot reset errors to %q", target))
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE research.documents
		SET processing_stage = $1, error_message = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM research.documents
			WHERE processing_stage = 'error'
			ORDER BY updated_at
			LIMIT $2
		)
		RETURNING id`, string(target), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to reset error documents: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
