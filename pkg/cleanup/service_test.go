package cleanup

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/services"
	"github.com/dtcforge/refinery/test/util"
)

func insertLogEntry(t *testing.T, pool *pgxpool.Pool, age time.Duration) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO research.processing_log (document_id, stage, status, created_at)
		VALUES ($1, 'chunking', 'completed', NOW() - $2::interval)`,
		uuid.New(), age.String())
	require.NoError(t, err)
}

func TestRetentionPass(t *testing.T) {
	pool := util.SetupTestPool(t)
	ctx := context.Background()

	insertLogEntry(t, pool, 30*24*time.Hour)
	insertLogEntry(t, pool, time.Hour)

	crawls := services.NewCrawlService(pool)
	oldID, err := crawls.Submit(ctx, "https://dtcbase.com/old", "seed")
	require.NoError(t, err)
	freshID, err := crawls.Submit(ctx, "https://dtcbase.com/fresh", "seed")
	require.NoError(t, err)
	pendingID, err := crawls.Submit(ctx, "https://dtcbase.com/pending", "seed")
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		UPDATE research.crawl_queue
		SET status = 'completed', completed_at = NOW() - interval '60 days'
		WHERE id = $1`, oldID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		UPDATE research.crawl_queue
		SET status = 'completed', completed_at = NOW()
		WHERE id = $1`, freshID)
	require.NoError(t, err)

	svc := NewService(config.DefaultRetentionConfig(), pool, slog.Default())
	svc.runAll()

	var logs int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM research.processing_log`).Scan(&logs))
	assert.Equal(t, 1, logs, "only the fresh log entry survives")

	_, err = crawls.Get(ctx, oldID)
	assert.ErrorIs(t, err, services.ErrNotFound)
	_, err = crawls.Get(ctx, freshID)
	assert.NoError(t, err, "recently completed rows are kept")
	_, err = crawls.Get(ctx, pendingID)
	assert.NoError(t, err, "pending rows are never pruned")
}

func TestServiceStartStop(t *testing.T) {
	pool := util.SetupTestPool(t)

	cfg := config.DefaultRetentionConfig()
	cfg.Interval = 50 * time.Millisecond
	svc := NewService(cfg, pool, slog.Default())
	svc.Start()

	// Let the immediate pass and at least one tick run.
	time.Sleep(120 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx), "stop is idempotent")
}
