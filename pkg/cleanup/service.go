// Package cleanup enforces database retention policies. The pipeline
// writes a processing-log row per stage transition and a crawl-queue
// row per URL ever seen; both grow without bound unless pruned.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/services"
)

// Service periodically prunes aged operational history:
//   - processing-log entries past LogRetention
//   - completed crawl-queue rows past CrawlRetention
//
// All operations are idempotent and safe to run from multiple
// processes.
type Service struct {
	cfg    config.RetentionConfig
	pipe   *services.PipelineService
	crawls *services.CrawlService
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService builds the retention service.
func NewService(cfg config.RetentionConfig, pool *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		pipe:   services.NewPipelineService(pool),
		crawls: services.NewCrawlService(pool),
		logger: logger.With("worker", "cleanup"),
		stopCh: make(chan struct{}),
	}
}

// Start runs one pass immediately, then on every Interval tick.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("cleanup service started",
			"interval", s.cfg.Interval,
			"log_retention", s.cfg.LogRetention,
			"crawl_retention", s.cfg.CrawlRetention)
		s.runAll()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				s.logger.Info("cleanup service stopped")
				return
			case <-ticker.C:
				s.runAll()
			}
		}
	}()
}

func (s *Service) runAll() {
	ctx := context.Background()

	logs, err := s.pipe.PruneProcessingLog(ctx, s.cfg.LogRetention)
	if err != nil {
		s.logger.Error("failed to prune processing log", "error", err)
	}
	crawls, err := s.crawls.PruneCompleted(ctx, s.cfg.CrawlRetention)
	if err != nil {
		s.logger.Error("failed to prune crawl queue", "error", err)
	}
	if logs > 0 || crawls > 0 {
		s.logger.Info("retention pass completed",
			"log_rows", logs, "crawl_rows", crawls)
	}
}

// Stop signals the loop to exit and waits for an in-flight pass, up to
// the context deadline.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
