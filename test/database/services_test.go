// Package database_test runs the service layer against a real
// PostgreSQL instance (testcontainers locally, CI_DATABASE_URL in CI).
package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/services"
	"github.com/dtcforge/refinery/test/util"
)

func TestDocumentLifecycle(t *testing.T) {
	pool := util.SetupTestPool(t)
	docs := services.NewDocumentService(pool)
	ctx := context.Background()

	doc := &models.Document{
		Title:       "P0301 Misfire Guide",
		SourceURL:   "https://www.obd-codes.com/p0301",
		ContentHash: "hash-p0301",
		MimeType:    "text/html",
	}
	id, err := docs.Create(ctx, doc)
	require.NoError(t, err)
	require.NotEqual(t, id.String(), "00000000-0000-0000-0000-000000000000")

	exists, err := docs.HashExists(ctx, "hash-p0301")
	require.NoError(t, err)
	assert.True(t, exists)

	// Same content hash is rejected.
	_, err = docs.Create(ctx, &models.Document{Title: "copy", ContentHash: "hash-p0301"})
	assert.ErrorIs(t, err, services.ErrDuplicate)

	loaded, err := docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "P0301 Misfire Guide", loaded.Title)
	assert.Equal(t, config.StagePending, loaded.ProcessingStage)

	require.NoError(t, docs.SetStage(ctx, id, config.StageChunking))
	loaded, err = docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, config.StageChunking, loaded.ProcessingStage)

	chunks := []models.Chunk{
		{ChunkIndex: 0, Content: "P0301 indicates a cylinder 1 misfire.", CharStart: 0, CharEnd: 37},
		{ChunkIndex: 1, Content: "Check the spark plug and coil pack.", CharStart: 37, CharEnd: 72},
	}
	require.NoError(t, docs.ReplaceChunks(ctx, id, chunks))

	stored, err := docs.Chunks(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 0, stored[0].ChunkIndex)

	// Re-chunking replaces, not appends.
	require.NoError(t, docs.ReplaceChunks(ctx, id, chunks[:1]))
	stored, err = docs.Chunks(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	require.NoError(t, docs.UpsertEvaluation(ctx, &models.ChunkEvaluation{
		ChunkID:        stored[0].ID,
		TrustScore:     0.8,
		RelevanceScore: 0.9,
		Domain:         config.DomainEngine,
		Reasoning:      "dense diagnostic content",
	}))
	relevant, err := docs.RelevantChunks(ctx, id, 0.5)
	require.NoError(t, err)
	assert.Len(t, relevant, 1)

	relevant, err = docs.RelevantChunks(ctx, id, 0.95)
	require.NoError(t, err)
	assert.Empty(t, relevant)

	counts, err := docs.CountsByStage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[config.StageChunking])

	_, err = docs.Get(ctx, doc.ID)
	require.NoError(t, err)
}

func TestPipelineTransitions(t *testing.T) {
	pool := util.SetupTestPool(t)
	docs := services.NewDocumentService(pool)
	pipe := services.NewPipelineService(pool)
	ctx := context.Background()

	id, err := docs.Create(ctx, &models.Document{Title: "transitions", ContentHash: "hash-transitions"})
	require.NoError(t, err)

	logCount := func(stage, status string) int {
		var n int
		require.NoError(t, pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM research.processing_log
			WHERE document_id = $1 AND stage = $2 AND status = $3`,
			id, stage, status).Scan(&n))
		return n
	}

	require.NoError(t, pipe.Begin(ctx, id, config.StageChunking))
	doc, err := docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, config.StageChunking, doc.ProcessingStage)
	assert.Equal(t, 1, logCount("chunking", models.LogStarted),
		"stage column and started log row commit together")

	next, err := pipe.Advance(ctx, id, config.StageChunking, "2 chunks", 40*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, config.StageEmbedding, next)
	doc, err = docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, config.StageEmbedding, doc.ProcessingStage)
	assert.Equal(t, 1, logCount("chunking", models.LogCompleted))

	require.NoError(t, pipe.Fail(ctx, id, config.StageEmbedding, context.DeadlineExceeded, time.Second))
	doc, err = docs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, config.StageError, doc.ProcessingStage)
	assert.Equal(t, 1, logCount("embedding", models.LogFailed))

	// A failed stage update rolls the completed-log insert back with it.
	ghost := uuid.New()
	_, err = pipe.Advance(ctx, ghost, config.StageChunking, "", 0)
	require.ErrorIs(t, err, services.ErrNotFound)
	var orphaned int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM research.processing_log WHERE document_id = $1`,
		ghost).Scan(&orphaned))
	assert.Zero(t, orphaned, "no log row without the matching stage update")
}

func TestCrawlQueue(t *testing.T) {
	pool := util.SetupTestPool(t)
	crawls := services.NewCrawlService(pool)
	ctx := context.Background()

	id, err := crawls.Submit(ctx, "https://dtcbase.com/P0420", "researcher")
	require.NoError(t, err)

	_, err = crawls.Submit(ctx, "https://dtcbase.com/P0420", "researcher")
	assert.ErrorIs(t, err, services.ErrDuplicate)

	known, err := crawls.KnownURL(ctx, "https://dtcbase.com/P0420")
	require.NoError(t, err)
	assert.True(t, known)

	known, err = crawls.KnownURL(ctx, "https://dtcbase.com/P0430")
	require.NoError(t, err)
	assert.False(t, known)

	job, err := crawls.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, config.CrawlPending, job.Status)
	assert.Equal(t, "researcher", job.Source)
}

func TestTaskLifecycle(t *testing.T) {
	pool := util.SetupTestPool(t)
	tasks := services.NewTaskService(pool)
	ctx := context.Background()

	id, err := tasks.Create(ctx, "audit", 3, map[string]string{"reason": "scheduled"})
	require.NoError(t, err)

	open, err := tasks.HasOpenOfType(ctx, "audit")
	require.NoError(t, err)
	assert.True(t, open)

	open, err = tasks.HasOpenOfType(ctx, "research")
	require.NoError(t, err)
	assert.False(t, open)

	require.NoError(t, tasks.Claim(ctx, id, "worker-1"))
	assert.ErrorIs(t, tasks.Claim(ctx, id, "worker-2"), services.ErrNotFound,
		"claimed tasks cannot be claimed again")

	// Still open while in progress.
	open, err = tasks.HasOpenOfType(ctx, "audit")
	require.NoError(t, err)
	assert.True(t, open)

	require.NoError(t, tasks.Complete(ctx, id, map[string]int{"recommendations": 2}))
	open, err = tasks.HasOpenOfType(ctx, "audit")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestRecoverStaleTasks(t *testing.T) {
	pool := util.SetupTestPool(t)
	tasks := services.NewTaskService(pool)
	ctx := context.Background()

	id, err := tasks.Create(ctx, "research", 4, nil)
	require.NoError(t, err)
	require.NoError(t, tasks.Claim(ctx, id, "worker-1"))

	// Fresh claims are left alone.
	recovered, err := tasks.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	time.Sleep(50 * time.Millisecond)
	recovered, err = tasks.RecoverStale(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, recovered)

	require.NoError(t, tasks.Claim(ctx, id, "worker-2"), "recovered task is pending again")
}

func TestRefinedKnowledge(t *testing.T) {
	pool := util.SetupTestPool(t)
	docs := services.NewDocumentService(pool)
	refined := services.NewRefinedService(pool)
	ctx := context.Background()

	docID, err := docs.Create(ctx, &models.Document{Title: "misfire notes", ContentHash: "hash-refined"})
	require.NoError(t, err)
	require.NoError(t, docs.ReplaceChunks(ctx, docID, []models.Chunk{
		{ChunkIndex: 0, Content: "P0301 cylinder 1 misfire", CharEnd: 24},
	}))
	chunks, err := docs.Chunks(ctx, docID)
	require.NoError(t, err)
	chunkID := chunks[0].ID

	ex := &models.Extraction{
		DTCCodes: []models.ExtractedCode{
			{Code: "p0301", Description: "Cylinder 1 Misfire Detected", Category: "powertrain", Severity: "high"},
		},
		Causes: []models.ExtractedCause{
			{DTCCode: "P0301", Description: "Worn spark plug", Likelihood: "common"},
		},
		DiagnosticSteps: []models.ExtractedStep{
			{DTCCode: "P0301", StepOrder: 1, Description: "Inspect spark plug"},
		},
		Sensors: []models.ExtractedSensor{
			{Name: "Crankshaft position sensor", SensorType: "position", RelatedCodes: []string{"P0301"}},
		},
	}
	stats, err := refined.StoreExtraction(ctx, chunkID, ex)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total())

	// A second sighting bumps source_count instead of duplicating.
	_, err = refined.StoreExtraction(ctx, chunkID, ex)
	require.NoError(t, err)

	dtc, err := refined.NextUnverified(ctx)
	require.NoError(t, err)
	assert.Equal(t, "P0301", dtc.Code, "codes are stored uppercase")
	assert.Equal(t, 2, dtc.SourceCount)

	causes, err := refined.Causes(ctx, dtc.ID)
	require.NoError(t, err)
	require.Len(t, causes, 1)
	assert.Equal(t, "Worn spark plug", causes[0].Description)

	steps, err := refined.Steps(ctx, dtc.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	sensors, err := refined.SensorsForCode(ctx, "p0301")
	require.NoError(t, err)
	require.Len(t, sensors, 1)

	err = refined.StoreVerification(ctx, dtc.ID, config.VerificationVerified,
		dtc.ConfidenceScore+0.1, dtc.ConfidenceScore, "key_1",
		[]models.VerificationResult{
			{Field: "description", Verdict: "verified", Model: "gpt-4o-mini", TokensUsed: 700},
		})
	require.NoError(t, err)

	counts, err := refined.VerificationCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[config.VerificationVerified])

	_, err = refined.NextUnverified(ctx)
	assert.ErrorIs(t, err, services.ErrNoWork, "verified codes leave the queue")

	// A row that never went through verification stays eligible even
	// when its status column says otherwise.
	_, err = pool.Exec(ctx, `
		INSERT INTO refined.dtc_codes (code, verification_status, source_count)
		VALUES ('U0100', 'uncertain', 9)`)
	require.NoError(t, err)
	dtc, err = refined.NextUnverified(ctx)
	require.NoError(t, err)
	assert.Equal(t, "U0100", dtc.Code)
}

func TestAuditReports(t *testing.T) {
	pool := util.SetupTestPool(t)
	reports := services.NewReportService(pool)
	ctx := context.Background()

	_, err := reports.LatestReport(ctx)
	assert.ErrorIs(t, err, services.ErrNotFound)

	report := &models.AuditReport{
		ReportType: "full",
		Summary:    "12 codes, pipeline healthy",
		Metrics:    []byte(`{"total_codes": 12}`),
		Recommendations: []models.Recommendation{
			{Type: "expand_coverage", Priority: 6, Description: "below target volume"},
		},
	}
	require.NoError(t, reports.StoreReport(ctx, report))

	latest, err := reports.LatestReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "12 codes, pipeline healthy", latest.Summary)
	require.Len(t, latest.Recommendations, 1)
	assert.Equal(t, "expand_coverage", latest.Recommendations[0].Type)

	age, err := reports.LastReportAge(ctx)
	require.NoError(t, err)
	assert.Less(t, age, time.Minute)
}
