package config

import (
	"strconv"
	"time"
)

// OrchestratorConfig tunes the OODA control loop.
type OrchestratorConfig struct {
	// CycleInterval is the time between OODA cycles.
	CycleInterval time.Duration
	// AutoResearch gates research directives; when false the planner
	// only audits and alerts.
	AutoResearch bool
	// MaxGPUQueueItems is the combined evaluate+extract+embed depth
	// above which the GPU is considered busy.
	MaxGPUQueueItems int
	// MaxConcurrentCrawls is the combined crawl+chunk depth above which
	// crawling is considered saturated.
	MaxConcurrentCrawls int
	// BusyQueueTotal is the total queued-item count above which the
	// planner emits wait.
	BusyQueueTotal int
	// AuditMaxAge marks the latest audit report stale.
	AuditMaxAge time.Duration
	// InboxBatch caps command-queue messages consumed per cycle.
	InboxBatch int
	// TaskRetryLimit is the retry budget before a task is failed.
	TaskRetryLimit int
	// StaleTaskAfter recovers in_progress tasks older than this.
	StaleTaskAfter time.Duration
	// LogKeep bounds the orchestrator cycle log (ring buffer semantics).
	LogKeep int
}

// DefaultOrchestratorConfig returns orchestrator defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CycleInterval:       60 * time.Second,
		AutoResearch:        true,
		MaxGPUQueueItems:    20,
		MaxConcurrentCrawls: 5,
		BusyQueueTotal:      50,
		AuditMaxAge:         time.Hour,
		InboxBatch:          10,
		TaskRetryLimit:      3,
		StaleTaskAfter:      time.Hour,
		LogKeep:             1000,
	}
}

func loadOrchestratorConfig() OrchestratorConfig {
	cfg := DefaultOrchestratorConfig()
	cfg.CycleInterval = getEnvSeconds("ORCHESTRATOR_CYCLE", cfg.CycleInterval)
	cfg.AutoResearch = getEnvBool("ORCHESTRATOR_AUTO_RESEARCH", cfg.AutoResearch)
	cfg.MaxGPUQueueItems = getEnvInt("MAX_GPU_QUEUE_ITEMS", cfg.MaxGPUQueueItems)
	cfg.MaxConcurrentCrawls = getEnvInt("MAX_CONCURRENT_CRAWLS", cfg.MaxConcurrentCrawls)
	return cfg
}

// AuditorConfig tunes the audit worker.
type AuditorConfig struct {
	// Interval between self-triggered audits.
	Interval time.Duration
	// PollTimeout for the audit directive queue.
	PollTimeout time.Duration
}

// DefaultAuditorConfig returns auditor defaults.
func DefaultAuditorConfig() AuditorConfig {
	return AuditorConfig{
		Interval:    30 * time.Minute,
		PollTimeout: 5 * time.Second,
	}
}

func loadAuditorConfig() AuditorConfig {
	cfg := DefaultAuditorConfig()
	cfg.Interval = getEnvSeconds("AUDIT_INTERVAL", cfg.Interval)
	return cfg
}

// ResearcherConfig tunes URL discovery and submission.
type ResearcherConfig struct {
	// MaxURLsPerHour is the global submission budget.
	MaxURLsPerHour int
	// MaxPerDomainPerHour is the per-domain submission budget.
	MaxPerDomainPerHour int
	// Cooldown is the minimum spacing between submissions.
	Cooldown time.Duration
	// HeadTimeout bounds a validation HEAD probe.
	HeadTimeout time.Duration
	// Autonomous enables the self-directed research loop.
	Autonomous bool
	// AutonomousInterval is the idle period between autonomous cycles.
	AutonomousInterval time.Duration
	// AutonomousURLsPerCycle caps submissions per autonomous cycle.
	AutonomousURLsPerCycle int
	// RangeLimit caps codes enumerated from one range directive.
	RangeLimit int
	// BlockedDomains are never submitted, in addition to the database
	// deny list.
	BlockedDomains []string
	// AllowedLLMDomains whitelist Tier 2 LLM-suggested hosts.
	AllowedLLMDomains []string
}

// DefaultResearcherConfig returns researcher defaults.
func DefaultResearcherConfig() ResearcherConfig {
	return ResearcherConfig{
		MaxURLsPerHour:         30,
		MaxPerDomainPerHour:    5,
		Cooldown:               30 * time.Second,
		HeadTimeout:            10 * time.Second,
		Autonomous:             true,
		AutonomousInterval:     60 * time.Second,
		AutonomousURLsPerCycle: 4,
		RangeLimit:             20,
		BlockedDomains:         []string{"facebook.com", "twitter.com", "pinterest.com", "instagram.com"},
		AllowedLLMDomains: []string{
			"obd-codes.com", "engine-codes.com", "dtcbase.com", "autozone.com",
			"repairpal.com", "yourmechanic.com", "obdii.com", "troublecodes.net",
		},
	}
}

func loadResearcherConfig() ResearcherConfig {
	cfg := DefaultResearcherConfig()
	cfg.MaxURLsPerHour = getEnvInt("MAX_URLS_PER_HOUR", cfg.MaxURLsPerHour)
	cfg.MaxPerDomainPerHour = getEnvInt("MAX_PER_DOMAIN_PER_HOUR", cfg.MaxPerDomainPerHour)
	cfg.Cooldown = getEnvSeconds("RESEARCH_COOLDOWN", cfg.Cooldown)
	cfg.HeadTimeout = getEnvSeconds("URL_CHECK_TIMEOUT", cfg.HeadTimeout)
	cfg.Autonomous = getEnvBool("AUTONOMOUS_MODE", cfg.Autonomous)
	cfg.AutonomousInterval = getEnvSeconds("AUTONOMOUS_INTERVAL", cfg.AutonomousInterval)
	cfg.AutonomousURLsPerCycle = getEnvInt("AUTONOMOUS_URLS_PER_CYCLE", cfg.AutonomousURLsPerCycle)
	cfg.BlockedDomains = getEnvList("RESEARCH_BLOCKED_DOMAINS", cfg.BlockedDomains)
	cfg.AllowedLLMDomains = getEnvList("RESEARCH_ALLOWED_LLM_DOMAINS", cfg.AllowedLLMDomains)
	return cfg
}

// MonitorConfig tunes metric collection and anomaly detection.
type MonitorConfig struct {
	// Interval between monitoring cycles.
	Interval time.Duration
	// MetricsRetention is the TTL on stored metric snapshots.
	MetricsRetention time.Duration
	// QueueStallThreshold is the minimum observation span before an
	// unmoving non-empty queue counts as stalled.
	QueueStallThreshold time.Duration
	// ErrorRateThreshold flags stages whose failure ratio exceeds it.
	ErrorRateThreshold float64
	// SlowdownMultiplier flags stages whose recent average duration
	// exceeds this multiple of the historical average.
	SlowdownMultiplier float64
	// ContainerGracePeriod tolerates unhealthy containers briefly.
	ContainerGracePeriod time.Duration
	// StuckAfter marks documents stuck in a non-terminal stage.
	StuckAfter time.Duration
	// HTTPAddr is the metrics server listen address.
	HTTPAddr string
	// ProbeTimeout bounds one container health probe.
	ProbeTimeout time.Duration
	// BackendURL is probed for service health.
	BackendURL string
	// AlertDedupTTL suppresses repeated identical alerts.
	AlertDedupTTL time.Duration
}

// DefaultMonitorConfig returns monitor defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:             45 * time.Second,
		MetricsRetention:     24 * time.Hour,
		QueueStallThreshold:  300 * time.Second,
		ErrorRateThreshold:   0.15,
		SlowdownMultiplier:   3,
		ContainerGracePeriod: 60 * time.Second,
		StuckAfter:           30 * time.Minute,
		HTTPAddr:             ":8001",
		ProbeTimeout:         5 * time.Second,
		BackendURL:           "http://backend:8000",
		AlertDedupTTL:        10 * time.Minute,
	}
}

func loadMonitorConfig() MonitorConfig {
	cfg := DefaultMonitorConfig()
	cfg.Interval = getEnvSeconds("MONITOR_INTERVAL", cfg.Interval)
	cfg.MetricsRetention = getEnvSeconds("MONITOR_METRICS_RETENTION", cfg.MetricsRetention)
	cfg.QueueStallThreshold = getEnvSeconds("QUEUE_STALL_THRESHOLD", cfg.QueueStallThreshold)
	cfg.ErrorRateThreshold = getEnvFloat("ERROR_RATE_THRESHOLD", cfg.ErrorRateThreshold)
	cfg.SlowdownMultiplier = getEnvFloat("PROCESSING_TIME_THRESHOLD_MULTIPLIER", cfg.SlowdownMultiplier)
	cfg.ContainerGracePeriod = getEnvSeconds("UNHEALTHY_CONTAINER_GRACE_PERIOD", cfg.ContainerGracePeriod)
	cfg.HTTPAddr = getEnv("MONITOR_HTTP_ADDR", cfg.HTTPAddr)
	cfg.BackendURL = getEnv("BACKEND_URL", cfg.BackendURL)
	return cfg
}

// HealerConfig tunes alert remediation and its safety gates.
type HealerConfig struct {
	// AutoFix enables executing remediations (vs escalate-only).
	AutoFix bool
	// AllowActions are the action types eligible for auto-fix.
	AllowActions []string
	// DenyActions are never auto-fixed; deny wins over allow.
	DenyActions []string
	// MaxActionsPerHour is the executed-action budget.
	MaxActionsPerHour int
	// Cooldown is the minimum spacing between executed actions.
	Cooldown time.Duration
	// MinConfidence is the LLM confidence floor for execution.
	MinConfidence float64
	// ContainerPrefix namespaces container names for restarts.
	ContainerPrefix string
	// RestartTimeout bounds one container restart.
	RestartTimeout time.Duration
	// PollTimeout for the alert queue.
	PollTimeout time.Duration
}

// DefaultHealerConfig returns healer defaults.
func DefaultHealerConfig() HealerConfig {
	return HealerConfig{
		AutoFix:           true,
		AllowActions:      []string{"restart_worker", "requeue_documents", "clear_stale_locks"},
		DenyActions:       []string{"restart_container", "database_operations", "delete_data"},
		MaxActionsPerHour: 10,
		Cooldown:          120 * time.Second,
		MinConfidence:     0.7,
		ContainerPrefix:   "refinery_",
		RestartTimeout:    30 * time.Second,
		PollTimeout:       5 * time.Second,
	}
}

func loadHealerConfig() HealerConfig {
	cfg := DefaultHealerConfig()
	cfg.AutoFix = getEnvBool("AUTO_FIX_ENABLED", cfg.AutoFix)
	cfg.AllowActions = getEnvList("AUTO_FIX_ALLOW", cfg.AllowActions)
	cfg.DenyActions = getEnvList("AUTO_FIX_DENY", cfg.DenyActions)
	cfg.MaxActionsPerHour = getEnvInt("MAX_ACTIONS_PER_HOUR", cfg.MaxActionsPerHour)
	cfg.Cooldown = getEnvSeconds("COOLDOWN_BETWEEN_ACTIONS", cfg.Cooldown)
	cfg.ContainerPrefix = getEnv("HEALER_CONTAINER_PREFIX", cfg.ContainerPrefix)
	return cfg
}

// VerifierConfig tunes external fact-checking.
type VerifierConfig struct {
	// Interval between verification attempts when work was done; the
	// worker sleeps four times longer when idle.
	Interval time.Duration
	// Model is the external chat-completion model.
	Model string
	// MaxTokens bounds one completion.
	MaxTokens int
	// APIKeys holds every configured external API key, in key-id order.
	APIKeys []string
	// BudgetFraction of an observed rate limit a key may consume.
	BudgetFraction float64
}

// DefaultVerifierConfig returns verifier defaults.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		Interval:       30 * time.Second,
		Model:          "gpt-4o-mini",
		MaxTokens:      1500,
		BudgetFraction: 0.9,
	}
}

func loadVerifierConfig() VerifierConfig {
	cfg := DefaultVerifierConfig()
	cfg.Interval = getEnvSeconds("VERIFY_INTERVAL", cfg.Interval)
	cfg.Model = getEnv("VERIFY_MODEL", cfg.Model)
	cfg.MaxTokens = getEnvInt("VERIFY_MAX_TOKENS", cfg.MaxTokens)
	cfg.APIKeys = loadAPIKeys()
	return cfg
}

// loadAPIKeys resolves external API keys from, in order of precedence:
// OPENAI_API_KEYS (comma-separated), OPENAI_API_KEY_1..19, OPENAI_API_KEY.
func loadAPIKeys() []string {
	if keys := getEnvList("OPENAI_API_KEYS", nil); len(keys) > 0 {
		return keys
	}
	var keys []string
	for i := 1; i < 20; i++ {
		if k := getEnv("OPENAI_API_KEY_"+strconv.Itoa(i), ""); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		return keys
	}
	if k := getEnv("OPENAI_API_KEY", ""); k != "" {
		return []string{k}
	}
	return nil
}

// RetentionConfig bounds how long operational history is kept in the
// database. Metric snapshots in Redis expire on their own TTL.
type RetentionConfig struct {
	// Interval between cleanup sweeps.
	Interval time.Duration
	// LogRetention is how long per-stage processing log entries live.
	LogRetention time.Duration
	// CrawlRetention is how long completed crawl-queue rows live.
	CrawlRetention time.Duration
}

// DefaultRetentionConfig returns retention defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Interval:       6 * time.Hour,
		LogRetention:   14 * 24 * time.Hour,
		CrawlRetention: 30 * 24 * time.Hour,
	}
}

func loadRetentionConfig() RetentionConfig {
	cfg := DefaultRetentionConfig()
	cfg.Interval = getEnvSeconds("CLEANUP_INTERVAL", cfg.Interval)
	cfg.LogRetention = getEnvDays("LOG_RETENTION_DAYS", cfg.LogRetention)
	cfg.CrawlRetention = getEnvDays("CRAWL_RETENTION_DAYS", cfg.CrawlRetention)
	return cfg
}
