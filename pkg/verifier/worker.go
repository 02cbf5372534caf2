package verifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/llm"
	"github.com/dtcforge/refinery/pkg/services"
)

// idleMultiplier stretches the interval when there is nothing to verify.
const idleMultiplier = 4

// statsEvery is how many cycles pass between key-usage log lines.
const statsEvery = 10

// Worker verifies one DTC record per cycle through the external model.
type Worker struct {
	cfg     config.VerifierConfig
	refined *services.RefinedService
	chat    *llm.ChatClient
	keys    *llm.KeyManager
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds the verifier worker.
func NewWorker(cfg config.VerifierConfig, pool *pgxpool.Pool, keys *llm.KeyManager, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		refined: services.NewRefinedService(pool),
		chat:    llm.NewChatClient(keys),
		keys:    keys,
		logger:  logger.With("worker", "verifier"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the verification loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("verifier started",
			"interval", w.cfg.Interval, "model", w.cfg.Model, "keys", w.keys.KeyCount())
		cycle := 0
		for {
			cycle++
			wait := w.cfg.Interval
			if !w.verifyNext(context.Background()) {
				wait = w.cfg.Interval * idleMultiplier
			}
			if cycle%statsEvery == 0 {
				w.logKeyStats(context.Background())
			}
			select {
			case <-w.stopCh:
				w.logger.Info("verifier stopped")
				return
			case <-time.After(wait):
			}
		}
	}()
}

// verifyNext fact-checks one record; false means there was no work.
func (w *Worker) verifyNext(ctx context.Context) bool {
	dtc, err := w.refined.NextUnverified(ctx)
	if err != nil {
		if !errors.Is(err, services.ErrNoWork) {
			w.logger.Error("failed to pick verification target", "error", err)
		}
		return false
	}

	causes, err := w.refined.Causes(ctx, dtc.ID)
	if err != nil {
		w.logger.Error("failed to load causes", "code", dtc.Code, "error", err)
		return true
	}
	steps, err := w.refined.Steps(ctx, dtc.ID)
	if err != nil {
		w.logger.Error("failed to load steps", "code", dtc.Code, "error", err)
		return true
	}
	sensors, err := w.refined.SensorsForCode(ctx, dtc.Code)
	if err != nil {
		w.logger.Error("failed to load sensors", "code", dtc.Code, "error", err)
		return true
	}

	result, err := w.chat.ChatCompletion(ctx, []llm.ChatMessage{
		{Role: "system", Content: verificationSystemPrompt},
		{Role: "user", Content: buildPrompt(dtc, causes, steps, sensors)},
	}, w.cfg.Model, 0.1, w.cfg.MaxTokens)
	if err != nil {
		w.logger.Error("verification call failed", "code", dtc.Code, "error", err)
		return true
	}

	v, err := parseVerdict(result.Text)
	if err != nil {
		w.logger.Error("unusable verification response", "code", dtc.Code, "error", err)
		return true
	}

	newConfidence := clamp01(dtc.ConfidenceScore + v.ConfidenceDelta)
	err = w.refined.StoreVerification(ctx, dtc.ID,
		config.VerificationStatus(v.OverallStatus),
		newConfidence, dtc.ConfidenceScore,
		result.KeyID, v.results(w.cfg.Model, result.TokensUsed))
	if err != nil {
		w.logger.Error("failed to store verification", "code", dtc.Code, "error", err)
		return true
	}

	w.logger.Info("dtc verified",
		"code", dtc.Code,
		"status", v.OverallStatus,
		"confidence", newConfidence,
		"delta", v.ConfidenceDelta,
		"fields", len(v.Fields),
		"tokens", result.TokensUsed)
	return true
}

func (w *Worker) logKeyStats(ctx context.Context) {
	stats, err := w.keys.Stats(ctx)
	if err != nil {
		w.logger.Error("failed to read key stats", "error", err)
		return
	}
	for keyID, s := range stats {
		w.logger.Info("api key usage",
			"key", keyID,
			"requests", s.RequestsMade,
			"tokens", s.TokensUsed,
			"remaining", s.RateLimitRemaining,
			"last_error", s.LastError)
	}
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
