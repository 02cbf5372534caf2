package healer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

const (
	requeueDocLimit = 100
	requeueErrLimit = 200
	staleLockAge    = time.Hour
	lockScanPattern = "lock:*"
	lockScanBatch   = 100
)

// Restarter restarts a named container. Pluggable so tests and
// non-docker deployments can substitute their own.
type Restarter interface {
	Restart(ctx context.Context, container string) error
}

// DockerRestarter shells out to the docker CLI.
type DockerRestarter struct {
	Timeout time.Duration
}

// Restart restarts the container, bounded by the configured timeout.
func (r *DockerRestarter) Restart(ctx context.Context, container string) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "restart", container).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker restart %s failed: %v: %s", container, err, bytes.TrimSpace(out))
	}
	return nil
}

// Executor performs the remediation actions the gates approved.
type Executor struct {
	cfg       config.HealerConfig
	queue     *queue.Client
	docs      *services.DocumentService
	restarter Restarter
	logger    *slog.Logger
}

// NewExecutor builds an Executor.
func NewExecutor(cfg config.HealerConfig, q *queue.Client, docs *services.DocumentService, restarter Restarter, logger *slog.Logger) *Executor {
	return &Executor{cfg: cfg, queue: q, docs: docs, restarter: restarter, logger: logger}
}

// Execute carries out one remedy against one alert.
func (e *Executor) Execute(ctx context.Context, remedy *Remedy, alert models.Alert) error {
	switch remedy.Action {
	case ActionRestartWorker:
		return e.restarter.Restart(ctx, workerContainer(e.cfg.ContainerPrefix, alert.Component))
	case ActionRestartContainer:
		return e.restarter.Restart(ctx, e.cfg.ContainerPrefix+alert.Component)
	case ActionRequeueDocuments:
		return e.requeueDocuments(ctx, remedy, alert)
	case ActionRequeueErrors:
		return e.requeueErrors(ctx, remedy)
	case ActionClearStaleLocks:
		return e.clearStaleLocks(ctx)
	default:
		return fmt.Errorf("unknown remediation action %q", remedy.Action)
	}
}

// requeueDocuments re-enqueues the oldest documents sitting at a stage.
func (e *Executor) requeueDocuments(ctx context.Context, remedy *Remedy, alert models.Alert) error {
	stage, err := targetStage(remedy.Parameters["stage"], alert.Component)
	if err != nil {
		return err
	}
	ids, err := e.docs.OldestAtStage(ctx, stage, requeueDocLimit)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.queue.Push(ctx, stage.Queue(), id.String()); err != nil {
			return err
		}
	}
	e.logger.Info("requeued documents", "stage", stage, "count", len(ids))
	return nil
}

// requeueErrors resets errored documents to a stage and re-enqueues
// them.
func (e *Executor) requeueErrors(ctx context.Context, remedy *Remedy) error {
	target := config.Stage(remedy.Parameters["stage"])
	if target.Queue() == "" {
		target = config.StageExtracting
	}
	ids, err := e.docs.ResetErrors(ctx, target, requeueErrLimit)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.queue.Push(ctx, target.Queue(), id.String()); err != nil {
			return err
		}
	}
	e.logger.Info("requeued errored documents", "stage", target, "count", len(ids))
	return nil
}

// clearStaleLocks deletes processing locks that are old or were left
// without an expiry.
func (e *Executor) clearStaleLocks(ctx context.Context) error {
	rdb := e.queue.Redis()
	var cursor uint64
	cleared := 0
	for {
		keys, next, err := rdb.Scan(ctx, cursor, lockScanPattern, lockScanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan locks: %w", err)
		}
		for _, key := range keys {
			ttl, err := rdb.TTL(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to read TTL for %s: %w", key, err)
			}
			if ttl < 0 || ttl > staleLockAge {
				if err := rdb.Del(ctx, key).Err(); err != nil {
					return fmt.Errorf("failed to delete %s: %w", key, err)
				}
				cleared++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	e.logger.Info("cleared stale locks", "count", cleared)
	return nil
}

// workerContainer derives the container name for a stage worker from
// the queue named in the alert: jobs:embed -> <prefix>embed.
func workerContainer(prefix, component string) string {
	return prefix + strings.TrimPrefix(component, "jobs:")
}

// targetStage resolves the stage to requeue, preferring an explicit
// parameter, then the alert component when it names a stage queue.
func targetStage(param, component string) (config.Stage, error) {
	if s := config.Stage(param); s.Queue() != "" {
		return s, nil
	}
	for _, q := range config.StageQueues {
		if q == component {
			return stageForQueue(q), nil
		}
	}
	return "", fmt.Errorf("no requeue stage resolvable from %q / %q", param, component)
}

func stageForQueue(queueName string) config.Stage {
	for _, s := range []config.Stage{
		config.StageCrawling, config.StageChunking, config.StageEmbedding,
		config.StageEvaluating, config.StageExtracting, config.StageResolving,
	} {
		if s.Queue() == queueName {
			return s
		}
	}
	return ""
}
