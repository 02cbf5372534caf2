package config

import "time"

// PipelineConfig tunes the stage workers and the stale-document sweeper.
type PipelineConfig struct {
	// PollTimeout is how long a blocking pop waits before re-checking
	// for shutdown.
	PollTimeout time.Duration

	// ChunkSize is the chunk window length in characters.
	ChunkSize int
	// ChunkOverlap is how many characters adjacent windows share.
	ChunkOverlap int

	// MinDocumentChars rejects crawled pages with less extracted text.
	MinDocumentChars int
	// FetchTimeout bounds a crawl GET.
	FetchTimeout time.Duration
	// UserAgent identifies the crawler to origin servers.
	UserAgent string

	// MinExtractRelevance is the evaluation relevance floor below which
	// chunks are skipped by the extract stage.
	MinExtractRelevance float64

	// ErrorMessageLimit truncates stored error messages.
	ErrorMessageLimit int

	// SweepInterval is how often the sweeper scans for stale documents.
	SweepInterval time.Duration
	// SweepStaleAfter re-enqueues documents whose active stage has not
	// changed in this long.
	SweepStaleAfter time.Duration
}

// DefaultPipelineConfig returns pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		PollTimeout:         5 * time.Second,
		ChunkSize:           500,
		ChunkOverlap:        50,
		MinDocumentChars:    50,
		FetchTimeout:        30 * time.Second,
		UserAgent:           "AIResearchRefinery/2.0 (Automotive Knowledge Engine)",
		MinExtractRelevance: 0.3,
		ErrorMessageLimit:   500,
		SweepInterval:       5 * time.Minute,
		SweepStaleAfter:     30 * time.Minute,
	}
}

func loadPipelineConfig() PipelineConfig {
	cfg := DefaultPipelineConfig()
	cfg.PollTimeout = getEnvSeconds("POLL_TIMEOUT", cfg.PollTimeout)
	cfg.ChunkSize = getEnvInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = getEnvInt("CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.FetchTimeout = getEnvSeconds("FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.UserAgent = getEnv("CRAWLER_USER_AGENT", cfg.UserAgent)
	cfg.MinExtractRelevance = getEnvFloat("MIN_EXTRACT_RELEVANCE", cfg.MinExtractRelevance)
	cfg.SweepInterval = getEnvSeconds("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.SweepStaleAfter = getEnvSeconds("SWEEP_STALE_AFTER", cfg.SweepStaleAfter)
	return cfg
}
