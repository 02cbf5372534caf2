// Package orchestrator runs the control loop that watches the pipeline
// and decides what the system should work on next: audit, research, or
// nothing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

// SystemState is one observation of the whole system, logged with every
// cycle decision.
type SystemState struct {
	QueueDepths map[string]int64          `json:"queue_depths"`
	TotalQueued int64                     `json:"total_queued"`
	GPUQueued   int64                     `json:"gpu_queued"`
	CrawlQueued int64                     `json:"crawl_queued"`
	DocsByStage map[string]int            `json:"docs_by_stage"`
	TaskCounts  map[config.TaskStatus]int `json:"task_counts"`
	AuditStale  bool                      `json:"audit_stale"`
	LatestAudit *models.AuditReport       `json:"-"`
}

// GPUAvailable reports whether the inference-bound queues have headroom.
func (s *SystemState) GPUAvailable(max int) bool {
	return s.GPUQueued < int64(max)
}

// CrawlAvailable reports whether the fetch-bound queues have headroom.
func (s *SystemState) CrawlAvailable(max int) bool {
	return s.CrawlQueued < int64(max)
}

// Observer assembles the system state each cycle.
type Observer struct {
	cfg     config.OrchestratorConfig
	queue   *queue.Client
	docs    *services.DocumentService
	tasks   *services.TaskService
	reports *services.ReportService
}

// NewObserver creates an Observer.
func NewObserver(cfg config.OrchestratorConfig, q *queue.Client, docs *services.DocumentService, tasks *services.TaskService, reports *services.ReportService) *Observer {
	return &Observer{cfg: cfg, queue: q, docs: docs, tasks: tasks, reports: reports}
}

// Observe gathers one snapshot of queues, documents, tasks and the
// latest audit.
func (o *Observer) Observe(ctx context.Context) (*SystemState, error) {
	state := &SystemState{}

	depths, err := o.queue.StageDepths(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to observe queue depths: %w", err)
	}
	state.QueueDepths = depths
	for _, depth := range depths {
		state.TotalQueued += depth
	}
	state.GPUQueued = depths[config.QueueEvaluate] + depths[config.QueueExtract] + depths[config.QueueEmbed]
	state.CrawlQueued = depths[config.QueueCrawl] + depths[config.QueueChunk]

	byStage, err := o.docs.CountsByStage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to observe document stages: %w", err)
	}
	state.DocsByStage = make(map[string]int, len(byStage))
	for stage, n := range byStage {
		state.DocsByStage[string(stage)] = n
	}

	state.TaskCounts, err = o.tasks.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to observe tasks: %w", err)
	}

	report, err := o.reports.LatestReport(ctx)
	switch {
	case errors.Is(err, services.ErrNotFound):
		state.AuditStale = true
	case err != nil:
		return nil, fmt.Errorf("failed to load latest audit: %w", err)
	default:
		state.LatestAudit = report
		state.AuditStale = time.Since(report.CreatedAt) > o.cfg.AuditMaxAge
	}
	return state, nil
}
