// Package config holds runtime configuration for every refinery role.
// Values come from the environment, optionally seeded from a .env file,
// with working defaults for a local docker-compose deployment.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
)

// Config aggregates the configuration of all components. A process
// loads one Config and hands sub-structs to the workers it runs.
type Config struct {
	LogLevel slog.Level

	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	LLM      LLMConfig
	Search   SearchConfig

	Pipeline     PipelineConfig
	Orchestrator OrchestratorConfig
	Auditor      AuditorConfig
	Researcher   ResearcherConfig
	Monitor      MonitorConfig
	Healer       HealerConfig
	Verifier     VerifierConfig
	Retention    RetentionConfig
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present; real environment
// variables win over it.
func Load() (*Config, error) {
	// Missing .env is the normal case in containers.
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:     parseLogLevel(getEnv("LOG_LEVEL", "info")),
		Database:     loadDatabaseConfig(),
		Redis:        loadRedisConfig(),
		Storage:      loadStorageConfig(),
		LLM:          loadLLMConfig(),
		Search:       loadSearchConfig(),
		Pipeline:     loadPipelineConfig(),
		Orchestrator: loadOrchestratorConfig(),
		Auditor:      loadAuditorConfig(),
		Researcher:   loadResearcherConfig(),
		Monitor:      loadMonitorConfig(),
		Healer:       loadHealerConfig(),
		Verifier:     loadVerifierConfig(),
		Retention:    loadRetentionConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints that would otherwise surface
// as confusing runtime failures.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d",
			c.Pipeline.ChunkOverlap, c.Pipeline.ChunkSize)
	}
	if c.Monitor.ErrorRateThreshold <= 0 || c.Monitor.ErrorRateThreshold > 1 {
		return fmt.Errorf("error rate threshold %.2f must be in (0, 1]",
			c.Monitor.ErrorRateThreshold)
	}
	if c.Healer.MinConfidence < 0 || c.Healer.MinConfidence > 1 {
		return fmt.Errorf("healer confidence floor %.2f must be in [0, 1]",
			c.Healer.MinConfidence)
	}
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
