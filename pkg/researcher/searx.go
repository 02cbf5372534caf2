// Package researcher discovers new source URLs for the crawl queue: on
// direction from the orchestrator, and autonomously when idle.
package researcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
)

// SearxClient queries a SearXNG metasearch instance.
type SearxClient struct {
	cfg  config.SearchConfig
	http *http.Client
}

// NewSearxClient builds a search client from configuration.
func NewSearxClient(cfg config.SearchConfig) *SearxClient {
	return &SearxClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Search runs one query and returns up to limit results. limit <= 0
// falls back to the configured maximum.
func (c *SearxClient) Search(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 || limit > c.cfg.MaxResults {
		limit = c.cfg.MaxResults
	}

	u := fmt.Sprintf("%s/search?q=%s&format=json", c.cfg.BaseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, snippet)
	}

	var out struct {
		Results []models.SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	if len(out.Results) > limit {
		out.Results = out.Results[:limit]
	}
	return out.Results, nil
}
