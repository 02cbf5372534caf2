package researcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/queue"
)

func TestTemplateURLs(t *testing.T) {
	urls := templateURLs("p0301")
	require.Len(t, urls, 4)
	assert.Equal(t, "https://www.obd-codes.com/p0301", urls[0])
	assert.Equal(t, "https://www.engine-codes.com/p0301", urls[1])
	assert.Equal(t, "https://dtcbase.com/P0301", urls[2])
	assert.Equal(t, "https://www.autozone.com/diy/check-engine-light/p0301", urls[3])

	assert.Nil(t, templateURLs("not a code"))
	assert.Nil(t, templateURLs("X0301"))
	assert.Nil(t, templateURLs("P012A"), "hex suffixes have no template pages")
}

func TestEnumerateRange(t *testing.T) {
	codes, err := enumerateRange("p0100-p0104", 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"P0100", "P0101", "P0102", "P0103", "P0104"}, codes)

	codes, err = enumerateRange("P0100-P0199", 20)
	require.NoError(t, err)
	assert.Len(t, codes, 20, "enumeration capped")
	assert.Equal(t, "P0119", codes[19])

	_, err = enumerateRange("P0100-U0199", 20)
	assert.Error(t, err, "cross-system ranges rejected")

	_, err = enumerateRange("P0199-P0100", 20)
	assert.Error(t, err, "backwards ranges rejected")

	_, err = enumerateRange("P100-P0199", 20)
	assert.Error(t, err, "mixed widths rejected")

	_, err = enumerateRange("garbage", 20)
	assert.Error(t, err)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "www.obd-codes.com", hostOf("https://www.obd-codes.com/p0301"))
	assert.Equal(t, "dtcbase.com", hostOf("https://dtcbase.com:8443/P0301?x=1"))
	assert.Equal(t, "", hostOf("://bad"))
}

func TestDomainAllowed(t *testing.T) {
	allowed := []string{"obd-codes.com", "autozone.com"}
	assert.True(t, domainAllowed("obd-codes.com", allowed))
	assert.True(t, domainAllowed("www.obd-codes.com", allowed))
	assert.False(t, domainAllowed("fakeobd-codes.com", allowed))
	assert.False(t, domainAllowed("example.com", allowed))
}

func TestAcceptableContentType(t *testing.T) {
	assert.True(t, acceptableContentType(""))
	assert.True(t, acceptableContentType("text/html; charset=utf-8"))
	assert.True(t, acceptableContentType("text/plain"))
	assert.True(t, acceptableContentType("application/pdf"))
	assert.False(t, acceptableContentType("image/png"))
	assert.False(t, acceptableContentType("application/octet-stream"))
}

func newTestLimiter(t *testing.T, cfg config.ResearcherConfig) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLimiter(cfg, queue.NewFromRedis(rdb))
}

func TestLimiterBudgets(t *testing.T) {
	cfg := config.DefaultResearcherConfig()
	cfg.Cooldown = 0
	cfg.MaxURLsPerHour = 3
	cfg.MaxPerDomainPerHour = 2
	l := newTestLimiter(t, cfg)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "a.com"))
	require.NoError(t, l.Record(ctx, "a.com"))
	require.NoError(t, l.Allow(ctx, "a.com"))
	require.NoError(t, l.Record(ctx, "a.com"))

	// Domain budget exhausted, global budget still open.
	assert.Error(t, l.Allow(ctx, "a.com"))
	require.NoError(t, l.Allow(ctx, "b.com"))
	require.NoError(t, l.Record(ctx, "b.com"))

	// Global budget exhausted for everyone.
	assert.Error(t, l.Allow(ctx, "c.com"))
}

func TestLimiterCooldown(t *testing.T) {
	cfg := config.DefaultResearcherConfig()
	cfg.Cooldown = time.Hour
	l := newTestLimiter(t, cfg)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "a.com"))
	require.NoError(t, l.Record(ctx, "a.com"))
	assert.Error(t, l.Allow(ctx, "a.com"), "cooldown applies after a submission")
}
