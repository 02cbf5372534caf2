package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

// sweepLimit bounds one sweep pass.
const sweepLimit = 100

// Sweeper periodically requeues documents stuck mid-stage: crashed
// workers and lost queue pushes both leave a document parked in an
// active stage with no job carrying it.
type Sweeper struct {
	cfg    config.PipelineConfig
	queue  *queue.Client
	pipe   *services.PipelineService
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper builds a Sweeper.
func NewSweeper(cfg config.PipelineConfig, q *queue.Client, pipe *services.PipelineService, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:    cfg,
		queue:  q,
		pipe:   pipe,
		logger: logger.With("worker", "sweeper"),
		stopCh: make(chan struct{}),
	}
}

// Start runs one sweep immediately, then on every SweepInterval tick.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sweeper started",
			"interval", s.cfg.SweepInterval, "stale_after", s.cfg.SweepStaleAfter)
		s.sweep()

		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				s.logger.Info("sweeper stopped")
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Sweeper) sweep() {
	ctx := context.Background()
	swept, err := s.pipe.Sweep(ctx, s.cfg.SweepStaleAfter, sweepLimit)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	for _, doc := range swept {
		q := doc.ProcessingStage.Queue()
		if err := s.queue.Push(ctx, q, doc.ID.String()); err != nil {
			s.logger.Error("failed to requeue swept document",
				"document_id", doc.ID, "queue", q, "error", err)
			continue
		}
		s.logger.Warn("requeued stalled document",
			"document_id", doc.ID, "stage", doc.ProcessingStage)
	}
	if len(swept) > 0 {
		s.logger.Info("sweep completed", "requeued", len(swept))
	}
}

// Stop signals the loop to exit and waits for the in-flight sweep, up
// to the context deadline.
func (s *Sweeper) Stop(ctx context.Context) error {
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
