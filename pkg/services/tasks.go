package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

// maxTaskRetries is how many times a failed task returns to pending
// before it is declared failed for good.
const maxTaskRetries = 3

// TaskService manages orchestrator tasks and the decision log.
type TaskService struct {
	pool *pgxpool.Pool
}

// NewTaskService creates a new TaskService.
func NewTaskService(pool *pgxpool.Pool) *TaskService {
	return &TaskService{pool: pool}
}

// Create inserts a new pending task.
func (s *TaskService) Create(ctx context.Context, taskType string, priority int, payload any) (uuid.UUID, error) {
	if taskType == "" {
		return uuid.Nil, NewValidationError("task_type", "required")
	}
	if priority < 1 || priority > 6 {
		return uuid.Nil, NewValidationError("priority", "must be 1-6")
	}
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return uuid.Nil, fmt.Errorf("failed to marshal task payload: %w", err)
		}
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO research.orchestrator_tasks (task_type, priority, payload)
		VALUES ($1, $2, $3)
		RETURNING id`, taskType, priority, raw,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create task: %w", err)
	}
	return id, nil
}

// NextPending claims the highest-priority runnable task for worker,
// marking it in progress. ErrNoWork when the queue is drained.
func (s *TaskService) NextPending(ctx context.Context, worker string) (*models.Task, error) {
	var (
		t        models.Task
		status   string
		errMsg   *string
		assignee *string
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE research.orchestrator_tasks
		SET status = 'in_progress', assigned_to = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM research.orchestrator_tasks
			WHERE status = 'pending'
			  AND (scheduled_after IS NULL OR scheduled_after <= NOW())
			ORDER BY priority, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, task_type, status, priority, payload, assigned_to, retry_count,
		          scheduled_after, result, error_message, created_at, started_at, completed_at`,
		worker,
	).Scan(&t.ID, &t.Type, &status, &t.Priority, &t.Payload, &assignee, &t.RetryCount,
		&t.ScheduledAfter, &t.Result, &errMsg, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	t.Status = config.TaskStatus(status)
	t.AssignedTo = deref(assignee)
	t.ErrorMessage = deref(errMsg)
	return &t, nil
}

// Complete records a successful task result.
func (s *TaskService) Complete(ctx context.Context, id uuid.UUID, result any) error {
	var raw []byte
	if result != nil {
		var err error
		if raw, err = json.Marshal(result); err != nil {
			return fmt.Errorf("failed to marshal task result: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE research.orchestrator_tasks
		SET status = 'completed', result = $2, completed_at = NOW()
		WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records a task failure. Tasks under the retry budget return to
// pending with an incremented retry count; beyond it they fail for good.
func (s *TaskService) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE research.orchestrator_tasks
		SET retry_count = retry_count + 1,
		    error_message = $2,
		    status = CASE WHEN retry_count + 1 < $3 THEN 'pending' ELSE 'failed' END,
		    assigned_to = NULL,
		    completed_at = CASE WHEN retry_count + 1 < $3 THEN NULL ELSE NOW() END
		WHERE id = $1`, id, truncate(msg, errorMessageLimit), maxTaskRetries)
	if err != nil {
		return fmt.Errorf("failed to fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Claim marks one specific task in progress for worker.
func (s *TaskService) Claim(ctx context.Context, id uuid.UUID, worker string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE research.orchestrator_tasks
		SET status = 'in_progress', assigned_to = $2, started_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, worker)
	if err != nil {
		return fmt.Errorf("failed to claim task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HasOpenOfType reports whether a pending or in-progress task of the
// given type already exists. The planner uses this to avoid stacking
// duplicate work.
func (s *TaskService) HasOpenOfType(ctx context.Context, taskType string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM research.orchestrator_tasks
			WHERE task_type = $1 AND status IN ('pending', 'in_progress')
		)`, taskType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check open tasks: %w", err)
	}
	return exists, nil
}

// RecoverStale returns in-progress tasks older than maxAge to pending.
// A crashed agent leaves its claim behind; this releases it.
func (s *TaskService) RecoverStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE research.orchestrator_tasks
		SET status = 'pending', assigned_to = NULL, started_at = NULL
		WHERE status = 'in_progress'
		  AND started_at < NOW() - $1::interval`, maxAge.String())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Counts returns task totals by status.
func (s *TaskService) Counts(ctx context.Context) (map[config.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM research.orchestrator_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[config.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[config.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// InProgressCount returns how many tasks are currently claimed.
func (s *TaskService) InProgressCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM research.orchestrator_tasks WHERE status = 'in_progress'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-progress tasks: %w", err)
	}
	return n, nil
}

// LogDecision appends one decision-log row and prunes the log to the
// newest keep rows.
func (s *TaskService) LogDecision(ctx context.Context, cycle int64, action string, details, systemState any) error {
	detailsJSON, err := marshalNullable(details)
	if err != nil {
		return fmt.Errorf("failed to marshal decision details: %w", err)
	}
	stateJSON, err := marshalNullable(systemState)
	if err != nil {
		return fmt.Errorf("failed to marshal system state: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO research.orchestrator_log (cycle, action, details, system_state)
		VALUES ($1, $2, $3, $4)`, cycle, action, detailsJSON, stateJSON); err != nil {
		return fmt.Errorf("failed to append decision log: %w", err)
	}
	return nil
}

// PruneLog deletes decision-log rows beyond the newest keep.
func (s *TaskService) PruneLog(ctx context.Context, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM research.orchestrator_log
		WHERE id NOT IN (
			SELECT id FROM research.orchestrator_log
			ORDER BY id DESC
			LIMIT $1
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune decision log: %w", err)
	}
	return tag.RowsAffected(), nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
