package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

// CrawlService manages the crawl queue table. The Redis job queue only
// carries row IDs; state lives here.
type CrawlService struct {
	pool *pgxpool.Pool
}

// NewCrawlService creates a new CrawlService.
func NewCrawlService(pool *pgxpool.Pool) *CrawlService {
	return &CrawlService{pool: pool}
}

// Submit registers a URL for crawling. A URL already in the queue is
// left untouched and ErrDuplicate is returned.
func (s *CrawlService) Submit(ctx context.Context, url, source string) (uuid.UUID, error) {
	if url == "" {
		return uuid.Nil, NewValidationError("url", "required")
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO research.crawl_queue (url, source)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (url) DO NOTHING
		RETURNING id`, url, source,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrDuplicate
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to submit crawl url: %w", err)
	}
	return id, nil
}

// KnownURL reports whether the URL was ever submitted.
func (s *CrawlService) KnownURL(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM research.crawl_queue WHERE url = $1)`, url,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check crawl url: %w", err)
	}
	return exists, nil
}

// Get loads one crawl-queue row.
func (s *CrawlService) Get(ctx context.Context, id uuid.UUID) (*models.CrawlJob, error) {
	var (
		job            models.CrawlJob
		status         string
		source, errMsg *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, url, status, depth, max_depth, source, error_message, created_at, completed_at
		FROM research.crawl_queue WHERE id = $1`, id,
	).Scan(&job.ID, &job.URL, &status, &job.Depth, &job.MaxDepth,
		&source, &errMsg, &job.CreatedAt, &job.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crawl job: %w", err)
	}
	job.Status = config.CrawlStatus(status)
	job.Source = deref(source)
	job.ErrorMessage = deref(errMsg)
	return &job, nil
}

// MarkCrawling flags the row as actively being fetched.
func (s *CrawlService) MarkCrawling(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, config.CrawlCrawling, "")
}

// MarkCompleted flags the row as fetched.
func (s *CrawlService) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, config.CrawlCompleted, "")
}

// MarkFailed flags the row as failed with a truncated error message.
func (s *CrawlService) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return s.setStatus(ctx, id, config.CrawlFailed, msg)
}

func (s *CrawlService) setStatus(ctx context.Context, id uuid.UUID, status config.CrawlStatus, msg string) error {
	completed := status == config.CrawlCompleted || status == config.CrawlFailed
	tag, err := s.pool.Exec(ctx, `
		UPDATE research.crawl_queue
		SET status = $2,
		    error_message = NULLIF($3, ''),
		    completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END
		WHERE id = $1`,
		id, string(status), truncate(msg, errorMessageLimit), completed)
	if err != nil {
		return fmt.Errorf("failed to update crawl status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingIDs returns up to limit pending rows, oldest first. Used to
// refill the crawl queue after Redis loss.
func (s *CrawlService) PendingIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM research.crawl_queue
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending crawls: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan crawl id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats returns crawl-queue counts by status.
func (s *CrawlService) Stats(ctx context.Context) (map[config.CrawlStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM research.crawl_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count crawl queue: %w", err)
	}
	defer rows.Close()

	counts := make(map[config.CrawlStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan crawl count: %w", err)
		}
		counts[config.CrawlStatus(status)] = n
	}
	return counts, rows.Err()
}

// PruneCompleted deletes completed crawl-queue rows whose completion is
// older than the retention window. Pending and failed rows stay so the
// URL dedup keeps working for sources still worth revisiting.
func (s *CrawlService) PruneCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM research.crawl_queue
		WHERE status = 'completed' AND completed_at < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("failed to prune crawl queue: %w", err)
	}
	return tag.RowsAffected(), nil
}
