package researcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/llm"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
)

const (
	directivePollTimeout = 5 * time.Second
	newDomainTier        = 3
	maxSearchSubmits     = 3
)

// Worker consumes research directives and, when idle, researches on its
// own initiative.
type Worker struct {
	cfg      config.ResearcherConfig
	queue    *queue.Client
	search   *SearxClient
	llm      *llm.OllamaClient
	crawls   *services.CrawlService
	research *services.ResearchService
	refined  *services.RefinedService
	validate *Validator
	limiter  *Limiter
	logger   *slog.Logger

	seedOnce       sync.Once
	lastAutonomous time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds the researcher worker.
func NewWorker(cfg config.ResearcherConfig, q *queue.Client, search *SearxClient, client *llm.OllamaClient, crawls *services.CrawlService, research *services.ResearchService, refined *services.RefinedService, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		queue:    q,
		search:   search,
		llm:      client,
		crawls:   crawls,
		research: research,
		refined:  refined,
		validate: NewValidator(cfg, crawls, research),
		limiter:  NewLimiter(cfg, q),
		logger:   logger.With("worker", "researcher"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the directive/autonomous loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.logger.Info("researcher started", "autonomous", w.cfg.Autonomous)
		for {
			select {
			case <-w.stopCh:
				w.logger.Info("researcher stopped")
				return
			default:
			}

			ctx := context.Background()
			w.seedOnce.Do(func() { w.seedRegistry(ctx) })

			var directive models.ResearchDirective
			err := w.queue.BlockingPopJSON(ctx, config.QueueResearch, directivePollTimeout, &directive)
			switch {
			case err == nil:
				w.handleDirective(ctx, directive)
			case errors.Is(err, queue.ErrEmpty):
				if w.cfg.Autonomous && time.Since(w.lastAutonomous) >= w.cfg.AutonomousInterval {
					w.runAutonomous(ctx)
					w.lastAutonomous = time.Now()
				}
			default:
				w.logger.Error("research queue pop failed", "error", err)
				select {
				case <-w.stopCh:
				case <-time.After(directivePollTimeout):
				}
			}
		}
	}()
}

// seedRegistry bootstraps the source-domain registry with the Tier 1
// reference sites.
func (w *Worker) seedRegistry(ctx context.Context) {
	for domain, tier := range seedDomains {
		known, err := w.research.DomainTier(ctx, domain, 0)
		if err != nil || known != 0 {
			continue
		}
		if err := w.research.RegisterDomain(ctx, domain, tier); err != nil {
			w.logger.Warn("failed to seed domain", "domain", domain, "error", err)
		}
	}
}

// handleDirective runs one orchestrator-issued research task and
// reports completion.
func (w *Worker) handleDirective(ctx context.Context, d models.ResearchDirective) {
	w.logger.Info("research directive received",
		"type", d.Type, "task_id", d.TaskID,
		"codes", len(d.Codes), "ranges", len(d.Ranges), "queries", len(d.Queries))

	submitted := 0
	for _, r := range d.Ranges {
		codes, err := enumerateRange(r, w.cfg.RangeLimit)
		if err != nil {
			w.logger.Warn("skipping bad range", "range", r, "error", err)
			continue
		}
		// Range research sticks to the Tier 1 reference sites; a search
		// per enumerated code would burn the whole budget.
		for _, code := range codes {
			submitted += w.submitAll(ctx, templateURLs(code), "range:"+r)
		}
	}

	for _, code := range d.Codes {
		submitted += w.submitAll(ctx, templateURLs(code), "code:"+code)
		for _, q := range templateQueries(code) {
			submitted += w.submitFromSearch(ctx, q, maxSearchSubmits)
		}
		submitted += w.submitLLMSuggestions(ctx, code)
	}

	for _, q := range d.Queries {
		submitted += w.submitFromSearch(ctx, q, maxSearchSubmits)
	}

	if d.Type == "expand" && len(d.Codes) == 0 && len(d.Ranges) == 0 && len(d.Queries) == 0 {
		submitted += w.expandFromWeakest(ctx, w.cfg.AutonomousURLsPerCycle)
	}

	msg := models.InboxMessage{
		Type:          models.MsgResearchComplete,
		TaskID:        d.TaskID,
		URLsSubmitted: submitted,
	}
	if err := w.queue.PushJSON(ctx, config.QueueCommands, msg); err != nil {
		w.logger.Error("failed to report research completion", "error", err)
	}
	w.logger.Info("research directive done", "task_id", d.TaskID, "urls_submitted", submitted)
}

// submitAll submits every candidate URL, returning how many landed.
func (w *Worker) submitAll(ctx context.Context, urls []string, source string) int {
	submitted := 0
	for _, u := range urls {
		if w.submit(ctx, u, source) {
			submitted++
		}
	}
	return submitted
}

// submit validates, rate-limits and registers one URL. Returns true
// when the URL entered the crawl queue.
func (w *Worker) submit(ctx context.Context, rawURL, source string) bool {
	host := hostOf(rawURL)
	if err := w.validate.Validate(ctx, rawURL); err != nil {
		w.logger.Debug("url rejected", "url", rawURL, "reason", err)
		return false
	}
	if err := w.limiter.Allow(ctx, host); err != nil {
		w.logger.Debug("url deferred", "url", rawURL, "reason", err)
		return false
	}

	id, err := w.crawls.Submit(ctx, rawURL, source)
	if errors.Is(err, services.ErrDuplicate) {
		return false
	}
	if err != nil {
		w.logger.Error("failed to submit url", "url", rawURL, "error", err)
		return false
	}
	if err := w.queue.Push(ctx, config.QueueCrawl, id.String()); err != nil {
		w.logger.Error("failed to enqueue crawl job", "crawl_id", id, "error", err)
		return false
	}
	if err := w.research.RegisterDomain(ctx, host, newDomainTier); err != nil {
		w.logger.Warn("failed to register domain", "domain", host, "error", err)
	}
	if err := w.limiter.Record(ctx, host); err != nil {
		w.logger.Warn("failed to record submission", "error", err)
	}
	w.logger.Info("url submitted", "url", rawURL, "source", source)
	return true
}

// submitFromSearch runs one search and submits the best hits.
func (w *Worker) submitFromSearch(ctx context.Context, query string, limit int) int {
	if w.search == nil {
		return 0
	}
	results, err := w.search.Search(ctx, query, 0)
	if err != nil {
		w.logger.Warn("search failed", "query", query, "error", err)
		return 0
	}
	submitted := 0
	for _, r := range results {
		if submitted >= limit {
			break
		}
		if w.submit(ctx, r.URL, "search:"+query) {
			submitted++
		}
	}
	return submitted
}

// submitLLMSuggestions asks the reasoning model for source URLs,
// restricted to the whitelisted domains.
func (w *Worker) submitLLMSuggestions(ctx context.Context, code string) int {
	if w.llm == nil || len(w.cfg.AllowedLLMDomains) == 0 {
		return 0
	}
	prompt := fmt.Sprintf(
		"Suggest up to 3 URLs documenting automotive trouble code %s on these sites: %s.\n"+
			`Respond with only JSON: {"urls": ["https://..."]}`,
		strings.ToUpper(code), strings.Join(w.cfg.AllowedLLMDomains, ", "))
	raw, err := w.llm.Generate(ctx, llm.GenerateRequest{
		Prompt:      prompt,
		Temperature: 0.1,
		JSONFormat:  true,
	})
	if err != nil {
		w.logger.Warn("llm url suggestion failed", "code", code, "error", err)
		return 0
	}
	var out struct {
		URLs []string `json:"urls"`
	}
	if err := llm.DecodeJSON(raw, &out); err != nil {
		return 0
	}
	submitted := 0
	for _, u := range out.URLs {
		if !domainAllowed(hostOf(u), w.cfg.AllowedLLMDomains) {
			continue
		}
		if w.submit(ctx, u, "llm:"+code) {
			submitted++
		}
	}
	return submitted
}

// expandFromWeakest targets the codes with the least evidence.
func (w *Worker) expandFromWeakest(ctx context.Context, budget int) int {
	weakest, err := w.refined.WeakestCodes(ctx, 10)
	if err != nil {
		w.logger.Error("failed to load weakest codes", "error", err)
		return 0
	}
	submitted := 0
	for _, code := range weakest {
		if submitted >= budget {
			break
		}
		submitted += w.submitAll(ctx, templateURLs(code.Code), "expand:"+code.Code)
	}
	return submitted
}

// runAutonomous plans and executes one self-directed research cycle.
func (w *Worker) runAutonomous(ctx context.Context) {
	plan := w.buildPlan(ctx)
	if len(plan.Searches) == 0 {
		return
	}

	submitted := 0
	for _, s := range plan.Searches {
		if submitted >= w.cfg.AutonomousURLsPerCycle {
			break
		}
		remaining := w.cfg.AutonomousURLsPerCycle - submitted
		submitted += w.submitFromSearch(ctx, s.Query, remaining)
	}
	plan.URLsSubmitted = submitted

	if err := w.research.StorePlan(ctx, plan); err != nil {
		w.logger.Error("failed to store research plan", "error", err)
	}
	w.logger.Info("autonomous cycle done",
		"searches", len(plan.Searches), "urls_submitted", submitted)
}

// buildPlan asks the reasoning model what to research next, with a
// template fallback when the model is unavailable or unhelpful.
func (w *Worker) buildPlan(ctx context.Context) *models.ResearchPlan {
	weakest, err := w.refined.WeakestCodes(ctx, 10)
	if err != nil {
		w.logger.Error("failed to snapshot knowledge base", "error", err)
		return &models.ResearchPlan{}
	}
	if len(weakest) == 0 {
		return &models.ResearchPlan{}
	}

	if w.llm != nil {
		if plan := w.llmPlan(ctx, weakest); plan != nil {
			return plan
		}
	}

	// Fallback: template queries against the weakest codes.
	plan := &models.ResearchPlan{Reasoning: "template fallback targeting weakest codes"}
	for _, code := range weakest {
		if len(plan.Searches) >= 4 {
			break
		}
		plan.Searches = append(plan.Searches, models.PlannedSearch{
			Query:       code.Code + " causes and fixes",
			Reason:      fmt.Sprintf("confidence %.2f from %d sources", code.ConfidenceScore, code.SourceCount),
			TargetCodes: []string{code.Code},
		})
	}
	return plan
}

func (w *Worker) llmPlan(ctx context.Context, weakest []models.DTCCode) *models.ResearchPlan {
	var b strings.Builder
	b.WriteString("You plan research for an automotive diagnostic knowledge base.\n")
	b.WriteString("The weakest codes right now:\n")
	for _, code := range weakest {
		fmt.Fprintf(&b, "- %s: confidence %.2f, %d sources, %s\n",
			code.Code, code.ConfidenceScore, code.SourceCount, code.Description)
	}
	b.WriteString("\nPropose 3-8 web searches that would strengthen the weakest entries.\n")
	b.WriteString(`Respond with only JSON: {"reasoning": "...", "searches": [{"query": "...", "reason": "...", "target_codes": ["P0301"]}]}`)

	raw, err := w.llm.Generate(ctx, llm.GenerateRequest{
		Prompt:      b.String(),
		Temperature: 0.3,
		JSONFormat:  true,
	})
	if err != nil {
		w.logger.Warn("llm research planning failed", "error", err)
		return nil
	}
	var plan models.ResearchPlan
	if err := llm.DecodeJSON(raw, &plan); err != nil || len(plan.Searches) == 0 {
		return nil
	}
	return &plan
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
