package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/content"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
	"github.com/dtcforge/refinery/pkg/services"
	"github.com/dtcforge/refinery/pkg/storage"
)

// maxFetchBytes bounds one crawled response body.
const maxFetchBytes = 32 << 20

// CrawlHandler fetches a URL from the crawl queue, extracts its text
// and creates the document that enters the pipeline.
type CrawlHandler struct {
	env    stageEnv
	crawls *services.CrawlService
	store  *storage.Store
	bucket string
	client *http.Client
}

// NewCrawlHandler builds the crawl stage handler.
func NewCrawlHandler(cfg config.PipelineConfig, q *queue.Client, docs *services.DocumentService, pipe *services.PipelineService, crawls *services.CrawlService, store *storage.Store, bucket string, logger *slog.Logger) *CrawlHandler {
	return &CrawlHandler{
		env: stageEnv{
			cfg: cfg, queue: q, docs: docs, pipe: pipe,
			logger: logger.With("worker", "crawl"),
		},
		crawls: crawls,
		store:  store,
		bucket: bucket,
		client: &http.Client{Timeout: cfg.FetchTimeout},
	}
}

// Stage implements Handler.
func (h *CrawlHandler) Stage() config.Stage { return config.StageCrawling }

// Handle fetches one crawl-queue row.
func (h *CrawlHandler) Handle(ctx context.Context, payload string) error {
	crawlID, err := parseDocID(payload)
	if err != nil {
		return err
	}
	job, err := h.crawls.Get(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("crawl job %s: %w", crawlID, err)
	}
	if err := h.crawls.MarkCrawling(ctx, crawlID); err != nil {
		return err
	}

	docID, err := h.crawl(ctx, job)
	if err != nil {
		if markErr := h.crawls.MarkFailed(ctx, crawlID, err.Error()); markErr != nil {
			h.env.logger.Error("failed to mark crawl failed", "crawl_id", crawlID, "error", markErr)
		}
		return fmt.Errorf("crawl of %s failed: %w", job.URL, err)
	}
	if err := h.crawls.MarkCompleted(ctx, crawlID); err != nil {
		return err
	}
	if docID != uuid.Nil {
		h.env.logger.Info("document crawled", "crawl_id", crawlID, "document_id", docID, "url", job.URL)
	}
	return nil
}

// crawl fetches, extracts and registers one URL. A duplicate document
// returns (Nil, nil): the crawl completed but produced nothing new.
func (h *CrawlHandler) crawl(ctx context.Context, job *models.CrawlJob) (uuid.UUID, error) {
	start := time.Now()

	body, contentType, err := h.fetch(ctx, job.URL)
	if err != nil {
		return uuid.Nil, err
	}

	var (
		text  string
		title string
		isPDF = strings.Contains(contentType, "application/pdf")
	)
	if isPDF {
		text, err = content.ExtractPDF(body)
		if err != nil {
			return uuid.Nil, err
		}
	} else {
		text, title = content.ExtractHTML(body)
	}
	text = strings.TrimSpace(text)
	if len(text) < h.env.cfg.MinDocumentChars {
		return uuid.Nil, fmt.Errorf("extracted text too short (%d chars)", len(text))
	}

	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])
	exists, err := h.env.docs.HashExists(ctx, hash)
	if err != nil {
		return uuid.Nil, err
	}
	if exists {
		h.env.logger.Info("duplicate content, skipping document", "url", job.URL, "hash", hash)
		return uuid.Nil, nil
	}

	if title == "" {
		title = titleFromURL(job.URL)
	}
	doc := &models.Document{
		Title:           title,
		SourceURL:       job.URL,
		ContentHash:     hash,
		MimeType:        contentType,
		ProcessingStage: config.StagePending,
	}
	docID, err := h.env.docs.Create(ctx, doc)
	if errors.Is(err, services.ErrDuplicate) {
		h.env.logger.Info("duplicate content, skipping document", "url", job.URL, "hash", hash)
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}

	rawKey := storage.RawKey(docID.String())
	if err := h.store.StoreText(ctx, rawKey, text, "text/plain; charset=utf-8"); err != nil {
		return uuid.Nil, err
	}
	if isPDF {
		if err := h.store.StoreBytes(ctx, storage.OriginalPDFKey(docID.String()), body, "application/pdf"); err != nil {
			return uuid.Nil, err
		}
	}
	if err := h.env.docs.SetObjectLocation(ctx, docID, h.bucket, rawKey); err != nil {
		return uuid.Nil, err
	}

	if err := h.env.advance(ctx, docID, config.StageCrawling, job.URL, start); err != nil {
		return uuid.Nil, err
	}
	return docID, nil
}

func (h *CrawlHandler) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("User-Agent", h.env.cfg.UserAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return body, contentType, nil
}

func titleFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	if path := strings.Trim(u.Path, "/"); path != "" {
		return u.Host + "/" + path
	}
	return u.Host
}
