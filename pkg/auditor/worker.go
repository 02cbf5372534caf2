package auditor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

// Worker runs audits: on demand from the orchestrator:audit queue and
// on its own interval.
type Worker struct {
	cfg      config.AuditorConfig
	queue    *queue.Client
	reports  *services.ReportService
	quality  *QualityAnalyzer
	coverage *CoverageAnalyzer
	pipeline *PipelineAnalyzer
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds the audit worker.
func NewWorker(cfg config.AuditorConfig, pool *pgxpool.Pool, q *queue.Client, docs *services.DocumentService, reports *services.ReportService, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		queue:    q,
		reports:  reports,
		quality:  NewQualityAnalyzer(pool),
		coverage: NewCoverageAnalyzer(pool),
		pipeline: NewPipelineAnalyzer(pool, q, docs),
		logger:   logger.With("worker", "auditor"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the directive/timer loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("auditor started", "interval", w.cfg.Interval)
		lastRun := time.Time{}
		for {
			select {
			case <-w.stopCh:
				w.logger.Info("auditor stopped")
				return
			default:
			}

			var directive models.AuditDirective
			err := w.queue.BlockingPopJSON(context.Background(), config.QueueAudit, w.cfg.PollTimeout, &directive)
			switch {
			case err == nil:
				w.runAudit(context.Background(), directive.TaskID, directive.Reason)
				lastRun = time.Now()
			case errors.Is(err, queue.ErrEmpty):
				if time.Since(lastRun) >= w.cfg.Interval {
					w.runAudit(context.Background(), "", "scheduled")
					lastRun = time.Now()
				}
			default:
				w.logger.Error("audit queue pop failed", "error", err)
				select {
				case <-w.stopCh:
				case <-time.After(w.cfg.PollTimeout):
				}
			}
		}
	}()
}

// runAudit performs one full audit: analyze, store, snapshot, report
// back to the orchestrator.
func (w *Worker) runAudit(ctx context.Context, taskID, reason string) {
	start := time.Now()
	w.logger.Info("audit started", "task_id", taskID, "reason", reason)

	quality, err := w.quality.Analyze(ctx)
	if err != nil {
		w.logger.Error("quality analysis failed", "error", err)
		return
	}
	coverage, err := w.coverage.Analyze(ctx)
	if err != nil {
		w.logger.Error("coverage analysis failed", "error", err)
		return
	}
	pipeline, err := w.pipeline.Analyze(ctx)
	if err != nil {
		w.logger.Error("pipeline analysis failed", "error", err)
		return
	}

	report, err := buildReport(quality, coverage, pipeline)
	if err != nil {
		w.logger.Error("failed to build audit report", "error", err)
		return
	}
	if err := w.reports.StoreReport(ctx, report); err != nil {
		w.logger.Error("failed to store audit report", "error", err)
		return
	}
	if err := w.reports.StoreSnapshot(ctx, buildSnapshot(quality, coverage, time.Now())); err != nil {
		w.logger.Error("failed to store coverage snapshot", "error", err)
	}

	msg := models.InboxMessage{
		Type:            models.MsgAuditFindings,
		Summary:         report.Summary,
		Recommendations: report.Recommendations,
	}
	if taskID != "" {
		msg.TaskID = taskID
	}
	if err := w.queue.PushJSON(ctx, config.QueueCommands, msg); err != nil {
		w.logger.Error("failed to push audit findings", "error", err)
	}

	w.logger.Info("audit completed",
		"duration", time.Since(start),
		"codes", quality.TotalCodes,
		"gaps", len(coverage.Gaps),
		"health", pipeline.Health,
		"recommendations", len(report.Recommendations))
}

// Stop signals the loop to exit and waits up to the context deadline.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
