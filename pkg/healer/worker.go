package healer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/llm"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/monitor"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

// Worker pops alerts, decides, and acts. One alert fingerprint is
// handled at most once per dedup window.
type Worker struct {
	cfg      config.HealerConfig
	queue    *queue.Client
	healing  *services.HealingService
	analyzer *Analyzer
	gates    *Gatekeeper
	executor *Executor
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds the healer worker. A nil restarter gets the docker
// CLI implementation.
func NewWorker(cfg config.HealerConfig, pool *pgxpool.Pool, q *queue.Client, llmClient *llm.OllamaClient, restarter Restarter, logger *slog.Logger) *Worker {
	if restarter == nil {
		restarter = &DockerRestarter{Timeout: cfg.RestartTimeout}
	}
	logger = logger.With("worker", "healer")
	healing := services.NewHealingService(pool)
	return &Worker{
		cfg:      cfg,
		queue:    q,
		healing:  healing,
		analyzer: NewAnalyzer(llmClient),
		gates:    NewGatekeeper(cfg, q, healing),
		executor: NewExecutor(cfg, q, services.NewDocumentService(pool), restarter, logger),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the alert loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("healer started", "auto_fix", w.cfg.AutoFix)
		for {
			select {
			case <-w.stopCh:
				w.logger.Info("healer stopped")
				return
			default:
			}

			var alert models.Alert
			err := w.queue.BlockingPopJSON(context.Background(), config.QueueAlerts, w.cfg.PollTimeout, &alert)
			switch {
			case err == nil:
				w.handleAlert(context.Background(), alert)
			case errors.Is(err, queue.ErrEmpty):
			default:
				w.logger.Error("alert queue pop failed", "error", err)
				select {
				case <-w.stopCh:
				case <-time.After(w.cfg.PollTimeout):
				}
			}
		}
	}()
}

func (w *Worker) handleAlert(ctx context.Context, alert models.Alert) {
	fingerprint := monitor.Fingerprint(alert)
	first, err := w.queue.ClaimFingerprint(ctx, "healing:"+fingerprint, fingerprintTTL)
	if err != nil {
		w.logger.Error("healing dedup check failed", "error", err)
		return
	}
	if !first {
		w.logger.Debug("alert already being handled", "type", alert.Type, "component", alert.Component)
		return
	}

	remedy, err := w.analyzer.Analyze(ctx, alert)
	if err != nil {
		w.logger.Warn("remediation analysis failed", "error", err)
		remedy = fallbackRemedy(alert, err)
	}

	rec := &models.HealingRecord{
		AlertFingerprint: fingerprint,
		AlertType:        alert.Type,
		Component:        alert.Component,
		Action:           remedy.Action,
		Confidence:       remedy.Confidence,
		Reasoning:        remedy.Reasoning,
	}
	rec.Decision, rec.Success = w.decide(ctx, remedy, alert)

	if err := w.healing.Record(ctx, rec); err != nil {
		w.logger.Error("failed to record healing decision", "error", err)
	}
	w.logger.Info("alert handled",
		"type", alert.Type,
		"component", alert.Component,
		"action", remedy.Action,
		"decision", rec.Decision,
		"confidence", remedy.Confidence,
		"success", rec.Success)
}

// decide applies the policy and, when allowed, executes.
func (w *Worker) decide(ctx context.Context, remedy *Remedy, alert models.Alert) (config.HealingDecision, bool) {
	if remedy.Action == "" || remedy.Action == ActionEscalate {
		return config.DecisionEscalated, false
	}
	if !w.cfg.AutoFix {
		return config.DecisionDeferred, false
	}
	if remedy.Confidence < w.cfg.MinConfidence {
		return config.DecisionDeferred, false
	}

	if err := w.gates.Permit(ctx, remedy.Action); err != nil {
		w.logger.Info("action blocked", "action", remedy.Action, "reason", err)
		if errors.Is(err, errDenied) {
			return config.DecisionEscalated, false
		}
		return config.DecisionDeferred, false
	}

	if err := w.gates.RecordExecution(ctx); err != nil {
		w.logger.Error("failed to record action against budget", "error", err)
	}
	if err := w.executor.Execute(ctx, remedy, alert); err != nil {
		w.logger.Error("remediation failed", "action", remedy.Action, "error", err)
		return config.DecisionExecuted, false
	}
	return config.DecisionExecuted, true
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
