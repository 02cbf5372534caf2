package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

// Worker runs the observe-decide-act cycle.
type Worker struct {
	cfg      config.OrchestratorConfig
	queue    *queue.Client
	observer *Observer
	planner  *Planner
	tasks    *services.TaskService
	workerID string
	logger   *slog.Logger

	cycle    int64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds the orchestrator worker.
func NewWorker(cfg config.OrchestratorConfig, q *queue.Client, observer *Observer, tasks *services.TaskService, workerID string, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		queue:    q,
		observer: observer,
		planner:  NewPlanner(cfg),
		tasks:    tasks,
		workerID: workerID,
		logger:   logger.With("worker", "orchestrator"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the cycle loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("orchestrator started", "cycle_interval", w.cfg.CycleInterval)
		ticker := time.NewTicker(w.cfg.CycleInterval)
		defer ticker.Stop()

		w.runCycle(context.Background())
		for {
			select {
			case <-w.stopCh:
				w.logger.Info("orchestrator stopped")
				return
			case <-ticker.C:
				w.runCycle(context.Background())
			}
		}
	}()
}

// runCycle is one full OODA pass: recover stranded tasks, drain the
// inbox, observe, decide, act, log.
func (w *Worker) runCycle(ctx context.Context) {
	w.cycle++
	logger := w.logger.With("cycle", w.cycle)

	if recovered, err := w.tasks.RecoverStale(ctx, w.cfg.StaleTaskAfter); err != nil {
		logger.Error("failed to recover stale tasks", "error", err)
	} else if recovered > 0 {
		logger.Warn("recovered stale tasks", "count", recovered)
	}

	forced := w.drainInbox(ctx, logger)

	state, err := w.observer.Observe(ctx)
	if err != nil {
		logger.Error("observation failed", "error", err)
		return
	}

	decisions := w.planner.Decide(state)
	if forced != "" {
		decisions = []Decision{{Action: forced, Priority: prioAudit, Reason: "manual command"}}
	}
	for _, decision := range decisions {
		w.act(ctx, logger, state, decision)
	}

	if err := w.tasks.LogDecision(ctx, w.cycle, decisions[0].Action, decisions, state); err != nil {
		logger.Error("failed to log decision", "error", err)
	}
	if _, err := w.tasks.PruneLog(ctx, w.cfg.LogKeep); err != nil {
		logger.Error("failed to prune decision log", "error", err)
	}
}

// drainInbox consumes up to InboxBatch control messages. A manual
// command returns the action it forces for this cycle.
func (w *Worker) drainInbox(ctx context.Context, logger *slog.Logger) string {
	var forced string
	for i := 0; i < w.cfg.InboxBatch; i++ {
		var msg models.InboxMessage
		err := w.queue.PopJSON(ctx, config.QueueCommands, &msg)
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			logger.Error("failed to read inbox", "error", err)
			break
		}
		switch msg.Type {
		case models.MsgAuditFindings:
			logger.Info("audit findings received",
				"summary", msg.Summary, "recommendations", len(msg.Recommendations))
			w.completeTask(ctx, logger, msg.TaskID, msg)
		case models.MsgResearchComplete:
			logger.Info("research completed",
				"task_id", msg.TaskID, "urls_submitted", msg.URLsSubmitted)
			w.completeTask(ctx, logger, msg.TaskID, msg)
		case models.MsgManualCommand:
			switch msg.Command {
			case "trigger_audit":
				forced = ActionTriggerAudit
			case "trigger_research":
				forced = ActionResearch
			default:
				logger.Warn("unknown manual command", "command", msg.Command)
			}
		default:
			logger.Warn("unknown inbox message", "type", msg.Type)
		}
	}
	return forced
}

func (w *Worker) completeTask(ctx context.Context, logger *slog.Logger, taskID string, result any) {
	if taskID == "" {
		return
	}
	id, err := uuid.Parse(taskID)
	if err != nil {
		logger.Warn("unparseable task id in inbox message", "task_id", taskID)
		return
	}
	if err := w.tasks.Complete(ctx, id, result); err != nil && !errors.Is(err, services.ErrNotFound) {
		logger.Error("failed to complete task", "task_id", taskID, "error", err)
	}
}

// act executes one decision: create a deduplicated task and push its
// directive, or raise an alert.
func (w *Worker) act(ctx context.Context, logger *slog.Logger, state *SystemState, decision Decision) {
	logger.Info("cycle decision",
		"action", decision.Action,
		"reason", decision.Reason,
		"total_queued", state.TotalQueued)

	switch decision.Action {
	case ActionWait, ActionIdle:

	case ActionTriggerAudit:
		taskID, ok := w.createTask(ctx, logger, models.TaskTypeAudit, decision.Priority, nil)
		if !ok {
			return
		}
		directive := models.AuditDirective{Type: "audit", TaskID: taskID, Reason: decision.Reason}
		if err := w.queue.PushJSON(ctx, config.QueueAudit, directive); err != nil {
			logger.Error("failed to push audit directive", "error", err)
		}

	case ActionResearch:
		if decision.Research == nil {
			decision.Research = &models.ResearchDirective{Type: "expand", Reason: decision.Reason}
		}
		taskID, ok := w.createTask(ctx, logger, models.TaskTypeResearch, decision.Priority, decision.Research)
		if !ok {
			return
		}
		decision.Research.TaskID = taskID
		if err := w.queue.PushJSON(ctx, config.QueueResearch, decision.Research); err != nil {
			logger.Error("failed to push research directive", "error", err)
		}

	case ActionAlert:
		if decision.Alert == nil {
			return
		}
		decision.Alert.Timestamp = time.Now()
		if err := w.queue.PushJSON(ctx, config.QueueAlerts, decision.Alert); err != nil {
			logger.Error("failed to push alert", "error", err)
		}
	}
}

// createTask inserts and claims a task row unless one of its type is
// already open.
func (w *Worker) createTask(ctx context.Context, logger *slog.Logger, taskType string, priority int, payload any) (string, bool) {
	open, err := w.tasks.HasOpenOfType(ctx, taskType)
	if err != nil {
		logger.Error("failed to check open tasks", "task_type", taskType, "error", err)
		return "", false
	}
	if open {
		logger.Debug("task of type already open, skipping", "task_type", taskType)
		return "", false
	}
	id, err := w.tasks.Create(ctx, taskType, priority, payload)
	if err != nil {
		logger.Error("failed to create task", "task_type", taskType, "error", err)
		return "", false
	}
	if err := w.tasks.Claim(ctx, id, w.workerID); err != nil {
		logger.Error("failed to claim task", "task_id", id, "error", err)
		return "", false
	}
	return id.String(), true
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
