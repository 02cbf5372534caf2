package config

import (
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 500, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 50, cfg.Pipeline.ChunkOverlap)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.CycleInterval)
	assert.Equal(t, 20, cfg.Orchestrator.MaxGPUQueueItems)
	assert.Equal(t, 5, cfg.Orchestrator.MaxConcurrentCrawls)
	assert.Equal(t, 30*time.Minute, cfg.Auditor.Interval)
	assert.Equal(t, 30, cfg.Researcher.MaxURLsPerHour)
	assert.Equal(t, 5, cfg.Researcher.MaxPerDomainPerHour)
	assert.Equal(t, 45*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 0.15, cfg.Monitor.ErrorRateThreshold)
	assert.Equal(t, 10, cfg.Healer.MaxActionsPerHour)
	assert.Equal(t, "gpt-4o-mini", cfg.Verifier.Model)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CHUNK_SIZE", "800")
	t.Setenv("CHUNK_OVERLAP", "80")
	t.Setenv("ORCHESTRATOR_CYCLE", "120")
	t.Setenv("MAX_URLS_PER_HOUR", "12")
	t.Setenv("AUTONOMOUS_MODE", "false")
	t.Setenv("AUTO_FIX_ENABLED", "false")
	t.Setenv("REDIS_HOST", "cache.internal")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 800, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 80, cfg.Pipeline.ChunkOverlap)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.CycleInterval)
	assert.Equal(t, 12, cfg.Researcher.MaxURLsPerHour)
	assert.False(t, cfg.Researcher.Autonomous)
	assert.False(t, cfg.Healer.AutoFix)
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr())
}

func TestLoadRejectsBadChunking(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "100")
	t.Setenv("CHUNK_OVERLAP", "100")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk overlap")
}

func TestOllamaBaseURLOverridesBoth(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://gpu-box:11434")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", cfg.LLM.EmbedURL)
	assert.Equal(t, "http://gpu-box:11434", cfg.LLM.ReasonURL)
}

func TestOllamaSplitEndpoints(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://gpu-box:11434")
	t.Setenv("OLLAMA_REASON_URL", "http://reason-box:11434")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", cfg.LLM.EmbedURL)
	assert.Equal(t, "http://reason-box:11434", cfg.LLM.ReasonURL)
}

// clearKeyEnv blanks every external API key variable so each subtest
// starts from a known state regardless of the host environment.
func clearKeyEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEYS", "")
	t.Setenv("OPENAI_API_KEY", "")
	for i := 1; i < 20; i++ {
		t.Setenv("OPENAI_API_KEY_"+strconv.Itoa(i), "")
	}
}

func TestLoadAPIKeysPrecedence(t *testing.T) {
	t.Run("csv list wins", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("OPENAI_API_KEYS", "k1, k2 ,k3")
		t.Setenv("OPENAI_API_KEY_1", "ignored")
		t.Setenv("OPENAI_API_KEY", "ignored")

		keys := loadAPIKeys()
		assert.Equal(t, []string{"k1", "k2", "k3"}, keys)
	})

	t.Run("numbered keys collected in order", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("OPENAI_API_KEY_1", "first")
		t.Setenv("OPENAI_API_KEY_3", "third")
		t.Setenv("OPENAI_API_KEY", "ignored")

		keys := loadAPIKeys()
		assert.Equal(t, []string{"first", "third"}, keys)
	})

	t.Run("single key fallback", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("OPENAI_API_KEY", "only")

		keys := loadAPIKeys()
		assert.Equal(t, []string{"only"}, keys)
	})

	t.Run("no keys configured", func(t *testing.T) {
		clearKeyEnv(t)
		assert.Nil(t, loadAPIKeys())
	})
}

func TestGetEnvHelpers(t *testing.T) {
	t.Run("int falls back on garbage", func(t *testing.T) {
		t.Setenv("REFINERY_TEST_INT", "not-a-number")
		assert.Equal(t, 7, getEnvInt("REFINERY_TEST_INT", 7))
	})

	t.Run("seconds parses whole seconds", func(t *testing.T) {
		t.Setenv("REFINERY_TEST_SECONDS", "90")
		assert.Equal(t, 90*time.Second, getEnvSeconds("REFINERY_TEST_SECONDS", time.Second))
	})

	t.Run("bool is case insensitive", func(t *testing.T) {
		t.Setenv("REFINERY_TEST_BOOL", "TRUE")
		assert.True(t, getEnvBool("REFINERY_TEST_BOOL", false))
	})

	t.Run("list trims entries and drops empties", func(t *testing.T) {
		t.Setenv("REFINERY_TEST_LIST", " a , ,b,")
		assert.Equal(t, []string{"a", "b"}, getEnvList("REFINERY_TEST_LIST", nil))
	})
}
