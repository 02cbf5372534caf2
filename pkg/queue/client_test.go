package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcforge/refinery/pkg/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb), mr
}

func TestPushPopFIFO(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Push(ctx, config.QueueChunk, "doc-1"))
	require.NoError(t, c.Push(ctx, config.QueueChunk, "doc-2"))
	require.NoError(t, c.Push(ctx, config.QueueChunk, "doc-3"))

	depth, err := c.Depth(ctx, config.QueueChunk)
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth)

	for _, want := range []string{"doc-1", "doc-2", "doc-3"} {
		got, err := c.BlockingPop(ctx, config.QueueChunk, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestTryPopEmpty(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.TryPop(context.Background(), config.QueueEmbed)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestDepthsAcrossQueues(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Push(ctx, config.QueueCrawl, "a"))
	require.NoError(t, c.Push(ctx, config.QueueCrawl, "b"))
	require.NoError(t, c.Push(ctx, config.QueueResolve, "c"))

	depths, err := c.StageDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths[config.QueueCrawl])
	assert.Equal(t, int64(0), depths[config.QueueEvaluate])
	assert.Equal(t, int64(1), depths[config.QueueResolve])
}

func TestJSONRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type directive struct {
		Type    string   `json:"type"`
		Queries []string `json:"queries"`
	}

	require.NoError(t, c.PushJSON(ctx, config.QueueResearch, directive{
		Type:    "research",
		Queries: []string{"P0171 causes"},
	}))

	var got directive
	require.NoError(t, c.PopJSON(ctx, config.QueueResearch, &got))
	assert.Equal(t, "research", got.Type)
	assert.Equal(t, []string{"P0171 causes"}, got.Queries)

	err := c.PopJSON(ctx, config.QueueResearch, &got)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestIncrWindow(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	n, err := c.IncrWindow(ctx, "researcher:rate:total", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.IncrWindow(ctx, "researcher:rate:total", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// TTL was attached on creation only.
	assert.Greater(t, mr.TTL("researcher:rate:total"), time.Duration(0))

	count, err := c.Count(ctx, "researcher:rate:total")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Window expiry resets the counter.
	mr.FastForward(2 * time.Hour)
	count, err = c.Count(ctx, "researcher:rate:total")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestClaimFingerprint(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	first, err := c.ClaimFingerprint(ctx, "alert:fp:abc", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := c.ClaimFingerprint(ctx, "alert:fp:abc", 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, second)

	mr.FastForward(11 * time.Minute)
	again, err := c.ClaimFingerprint(ctx, "alert:fp:abc", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, again)
}

func TestMetricsSnapshot(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNoMetrics)

	snapshot := map[string]any{"total_queued": 7}
	require.NoError(t, c.StoreSnapshot(ctx, snapshot, time.Now(), 24*time.Hour))

	data, err := c.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_queued": 7}`, string(data))
}
