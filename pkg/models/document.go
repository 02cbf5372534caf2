// Package models defines the records stored in the research, refined,
// knowledge and vehicle schemas, plus the JSON message shapes exchanged
// over the control queues.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dtcforge/refinery/pkg/config"
)

// Document is a source document traversing the processing pipeline.
type Document struct {
	ID               uuid.UUID    `json:"id"`
	Title            string       `json:"title"`
	SourceURL        string       `json:"source_url,omitempty"`
	ContentHash      string       `json:"content_hash,omitempty"`
	MimeType         string       `json:"mime_type,omitempty"`
	Bucket           string       `json:"minio_bucket,omitempty"`
	ObjectKey        string       `json:"minio_key,omitempty"`
	ProcessingStage  config.Stage `json:"processing_stage"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	ChunkCount       int          `json:"chunk_count"`
	DocumentCategory string       `json:"document_category,omitempty"`
	IngestedAt       time.Time    `json:"ingestion_timestamp"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Chunk is an ordered slice of a document's text. CharEnd is exclusive.
type Chunk struct {
	ID         int64     `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	CharStart  int       `json:"char_start"`
	CharEnd    int       `json:"char_end"`
	Embedding  []float32 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkEvaluation scores one chunk for trust and automotive relevance.
// Unique per chunk; re-evaluation overwrites.
type ChunkEvaluation struct {
	ID             int64         `json:"id"`
	ChunkID        int64         `json:"chunk_id"`
	TrustScore     float64       `json:"trust_score"`
	RelevanceScore float64       `json:"relevance_score"`
	Domain         config.Domain `json:"automotive_domain"`
	Reasoning      string        `json:"reasoning,omitempty"`
	Model          string        `json:"model,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Processing-log statuses.
const (
	LogStarted   = "started"
	LogCompleted = "completed"
	LogFailed    = "failed"
)

// ProcessingLogEntry is one audit-trail row for a document stage.
type ProcessingLogEntry struct {
	ID         int64        `json:"id"`
	DocumentID uuid.UUID    `json:"document_id"`
	Stage      config.Stage `json:"stage"`
	Status     string       `json:"status"`
	Message    string       `json:"message,omitempty"`
	DurationMS int64        `json:"duration_ms"`
	CreatedAt  time.Time    `json:"created_at"`
}

// CrawlJob is a URL waiting to be fetched. URL is unique across the
// table; re-submitting a known URL resets it to pending.
type CrawlJob struct {
	ID           uuid.UUID          `json:"id"`
	URL          string             `json:"url"`
	Status       config.CrawlStatus `json:"status"`
	Depth        int                `json:"depth"`
	MaxDepth     int                `json:"max_depth"`
	Source       string             `json:"source,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}
