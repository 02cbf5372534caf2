package researcher

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/services"
)

// Validator decides whether a candidate URL is worth crawling: not seen
// before, not blocked, reachable, and of a parseable content type.
type Validator struct {
	cfg      config.ResearcherConfig
	crawls   *services.CrawlService
	research *services.ResearchService
	http     *http.Client
}

// NewValidator builds a Validator.
func NewValidator(cfg config.ResearcherConfig, crawls *services.CrawlService, research *services.ResearchService) *Validator {
	return &Validator{
		cfg:      cfg,
		crawls:   crawls,
		research: research,
		http:     &http.Client{Timeout: cfg.HeadTimeout},
	}
}

// Validate returns nil when the URL should be submitted, or an error
// naming the reason it was rejected.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	if host == "" {
		return fmt.Errorf("unparseable url")
	}

	known, err := v.crawls.KnownURL(ctx, rawURL)
	if err != nil {
		return err
	}
	if known {
		return fmt.Errorf("already submitted")
	}

	if blockedByConfig(host, v.cfg.BlockedDomains) {
		return fmt.Errorf("domain %s blocked by configuration", host)
	}
	blocked, err := v.research.IsBlockedDomain(ctx, host)
	if err != nil {
		return err
	}
	if blocked {
		return fmt.Errorf("domain %s blocked", host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !acceptableContentType(ct) {
		return fmt.Errorf("unsupported content type %q", ct)
	}
	return nil
}

// acceptableContentType admits HTML, any text, PDF, and the empty
// header (servers that omit it on HEAD).
func acceptableContentType(header string) bool {
	if strings.TrimSpace(header) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	switch {
	case mediaType == "text/html":
		return true
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case mediaType == "application/pdf":
		return true
	default:
		return false
	}
}

func blockedByConfig(host string, blocked []string) bool {
	return domainAllowed(host, blocked)
}
