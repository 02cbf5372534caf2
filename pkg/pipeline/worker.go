// Package pipeline runs the six stage workers that move documents from
// crawl to complete, plus the sweeper that rescues stalled documents.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/queue"
)

// Handler processes one job payload for its stage.
type Handler interface {
	// Stage identifies the stage (and therefore the queue) served.
	Stage() config.Stage
	// Handle processes one payload. A returned error has already been
	// recorded against the document; the worker only logs it.
	Handle(ctx context.Context, payload string) error
}

// Worker runs one Handler in a poll loop over its stage queue. The
// in-flight job always finishes before Stop returns.
type Worker struct {
	handler     Handler
	queue       *queue.Client
	logger      *slog.Logger
	pollTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds a Worker for one stage handler.
func NewWorker(handler Handler, q *queue.Client, logger *slog.Logger, pollTimeout time.Duration) *Worker {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &Worker{
		handler:     handler,
		queue:       q,
		logger:      logger.With("worker", string(handler.Stage())),
		pollTimeout: pollTimeout,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("stage worker started", "queue", w.handler.Stage().Queue())
		for {
			select {
			case <-w.stopCh:
				w.logger.Info("stage worker stopped")
				return
			default:
			}
			w.poll()
		}
	}()
}

func (w *Worker) poll() {
	ctx := context.Background()
	payload, err := w.queue.BlockingPop(ctx, w.handler.Stage().Queue(), w.pollTimeout)
	if errors.Is(err, queue.ErrEmpty) {
		return
	}
	if err != nil {
		w.logger.Error("queue pop failed", "error", err)
		// Back off briefly so a dead Redis does not spin the loop.
		select {
		case <-w.stopCh:
		case <-time.After(w.pollTimeout):
		}
		return
	}
	w.handle(ctx, payload)
}

func (w *Worker) handle(ctx context.Context, payload string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("stage handler panicked",
				"payload", payload,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	if err := w.handler.Handle(ctx, payload); err != nil {
		w.logger.Error("job failed",
			"payload", payload,
			"duration", time.Since(start),
			"error", err)
		return
	}
	w.logger.Debug("job completed", "payload", payload, "duration", time.Since(start))
}

// Stop signals the loop to exit and waits for the in-flight job, up to
// the context deadline.
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
		return fmt.Errorf("worker %s did not stop in time: %w", w.handler.Stage(), ctx.Err())
	}
}
