package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

// Worker runs the monitoring loop: collect a snapshot, store it,
// detect anomalies, publish deduplicated alerts. It also serves the
// metrics endpoints.
type Worker struct {
	cfg       config.MonitorConfig
	queue     *queue.Client
	collector *Collector
	detector  *Detector
	server    *Server
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds the monitor worker. probes maps container names to
// health-check URLs.
func NewWorker(cfg config.MonitorConfig, pool *pgxpool.Pool, q *queue.Client, docs *services.DocumentService, probes map[string]string, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:       cfg,
		queue:     q,
		collector: NewCollector(cfg, pool, q, docs, probes),
		detector:  NewDetector(cfg),
		server:    NewServer(q, cfg.HTTPAddr),
		logger:    logger.With("worker", "monitor"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the metrics server and the collection loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.server.Start(); err != nil {
			w.logger.Error("metrics server exited", "error", err)
		}
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("monitor started", "interval", w.cfg.Interval, "http_addr", w.cfg.HTTPAddr)
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		w.runCycle(context.Background())
		for {
			select {
			case <-w.stopCh:
				w.logger.Info("monitor stopped")
				return
			case <-ticker.C:
				w.runCycle(context.Background())
			}
		}
	}()
}

func (w *Worker) runCycle(ctx context.Context) {
	snap, err := w.collector.Collect(ctx)
	if err != nil {
		w.logger.Error("metrics collection failed", "error", err)
		return
	}
	if err := w.queue.StoreSnapshot(ctx, snap, snap.Timestamp, w.cfg.MetricsRetention); err != nil {
		w.logger.Error("failed to store metrics snapshot", "error", err)
	}

	alerts := w.detector.Detect(snap, snap.Timestamp)
	published := 0
	for _, alert := range alerts {
		if w.publish(ctx, alert) {
			published++
		}
	}
	w.logger.Debug("monitoring cycle complete",
		"queued", len(snap.QueueDepths),
		"alerts", len(alerts),
		"published", published)
}

// publish pushes an alert unless an identical one fired within the
// dedup window.
func (w *Worker) publish(ctx context.Context, alert models.Alert) bool {
	first, err := w.queue.ClaimFingerprint(ctx, "alert:"+Fingerprint(alert), w.cfg.AlertDedupTTL)
	if err != nil {
		w.logger.Error("alert dedup check failed", "error", err)
		return false
	}
	if !first {
		return false
	}
	if err := w.queue.PushJSON(ctx, config.QueueAlerts, alert); err != nil {
		w.logger.Error("failed to push alert", "type", alert.Type, "error", err)
		return false
	}
	w.logger.Warn("alert raised",
		"type", alert.Type,
		"component", alert.Component,
		"severity", alert.Severity,
		"details", alert.Details)
	return true
}

// Stop shuts down the server and the loop, waiting up to the context
// deadline.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error("metrics server shutdown failed", "error", err)
	}

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
