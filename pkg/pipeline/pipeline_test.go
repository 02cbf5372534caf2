package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtcforge/refinery/pkg/config"
	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingHandler struct {
	stage   config.Stage
	handled atomic.Int64
}

func (h *countingHandler) Stage() config.Stage { return h.stage }

func (h *countingHandler) Handle(_ context.Context, _ string) error {
	h.handled.Add(1)
	return nil
}

type panicHandler struct{ countingHandler }

func (h *panicHandler) Handle(_ context.Context, _ string) error {
	h.handled.Add(1)
	panic("boom")
}

func newTestQueue(t *testing.T) *queue.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.NewFromRedis(rdb)
}

func TestWorkerProcessesAndStops(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	h := &countingHandler{stage: config.StageChunking}
	w := NewWorker(h, q, discardLogger(), 50*time.Millisecond)

	require.NoError(t, q.Push(ctx, config.QueueChunk, "00000000-0000-0000-0000-000000000001"))
	require.NoError(t, q.Push(ctx, config.QueueChunk, "00000000-0000-0000-0000-000000000002"))

	w.Start()
	assert.Eventually(t, func() bool { return h.handled.Load() == 2 },
		2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	// No further jobs picked up after Stop.
	require.NoError(t, q.Push(ctx, config.QueueChunk, "00000000-0000-0000-0000-000000000003"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(2), h.handled.Load())
}

func TestWorkerSurvivesPanic(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	h := &panicHandler{countingHandler{stage: config.StageEvaluating}}
	w := NewWorker(h, q, discardLogger(), 50*time.Millisecond)

	require.NoError(t, q.Push(ctx, config.QueueEvaluate, "a"))
	require.NoError(t, q.Push(ctx, config.QueueEvaluate, "b"))

	w.Start()
	assert.Eventually(t, func() bool { return h.handled.Load() == 2 },
		2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	h := &countingHandler{stage: config.StageEmbedding}
	w := NewWorker(h, q, discardLogger(), 50*time.Millisecond)
	w.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	require.NoError(t, w.Stop(ctx))
}

func TestContextQuery(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		want  string
	}{
		{"single code", "My car threw p0301 yesterday", "P0301"},
		{"two codes max", "Codes P0301 P0302 P0303 present", "P0301 P0302"},
		{"sensor term", "Replaced the maf sensor and cleaned the intake", "maf sensor"},
		{"automotive term", "Persistent misfire under load", "misfire"},
		{"sensor beats automotive", "misfire traced to the knock sensor", "knock sensor"},
		{"nothing automotive", "The quick brown fox", ""},
		{"code beats sensor", "P0171 after replacing the o2 sensor", "P0171"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, contextQuery(tt.chunk))
		})
	}
}

type fakeSearcher struct {
	results []models.SearchResult
	err     error
	query   string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ int) ([]models.SearchResult, error) {
	f.query = query
	return f.results, f.err
}

func TestBuildSearchContext(t *testing.T) {
	ctx := context.Background()

	t.Run("nil searcher", func(t *testing.T) {
		assert.Empty(t, buildSearchContext(ctx, nil, "P0301 misfire"))
	})

	t.Run("no query terms", func(t *testing.T) {
		s := &fakeSearcher{results: []models.SearchResult{{Title: "x"}}}
		assert.Empty(t, buildSearchContext(ctx, s, "nothing automotive here"))
		assert.Empty(t, s.query)
	})

	t.Run("search failure degrades silently", func(t *testing.T) {
		s := &fakeSearcher{err: assert.AnError}
		assert.Empty(t, buildSearchContext(ctx, s, "P0301"))
	})

	t.Run("renders numbered results", func(t *testing.T) {
		s := &fakeSearcher{results: []models.SearchResult{
			{Title: "P0301 explained", Snippet: "Cylinder 1 misfire detected"},
			{Title: "Fixing P0301", Snippet: strings.Repeat("x", 400)},
		}}
		out := buildSearchContext(ctx, s, "code P0301 set")
		assert.Equal(t, "P0301 automotive diagnostic", s.query)
		assert.Contains(t, out, "Web search context:")
		assert.Contains(t, out, "1. P0301 explained — Cylinder 1 misfire detected")
		assert.Contains(t, out, "2. Fixing P0301 — "+strings.Repeat("x", 300)+"\n")
		assert.NotContains(t, out, strings.Repeat("x", 301))
	})
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.3))
	assert.Equal(t, 1.0, clamp01(1.7))
	assert.Equal(t, 0.42, clamp01(0.42))
}

func TestTitleFromURL(t *testing.T) {
	assert.Equal(t, "www.obd-codes.com/p0301", titleFromURL("https://www.obd-codes.com/p0301"))
	assert.Equal(t, "dtcbase.com", titleFromURL("https://dtcbase.com/"))
	assert.Equal(t, "://bad", titleFromURL("://bad"))
}
