package content

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractHTML(t *testing.T) {
	raw := []byte(`<html>
<head>
  <title>P0171 System Too Lean</title>
  <style>body { color: red; }</style>
  <script>trackVisit();</script>
</head>
<body>
  <header>Site navigation header</header>
  <nav><a href="/">Home</a></nav>
  <h1>P0171 Diagnosis</h1>
  <p>Check for vacuum leaks in the intake manifold.</p>
  <footer>Copyright 2026</footer>
</body>
</html>`)

	text, title := ExtractHTML(raw)

	assert.Equal(t, "P0171 System Too Lean", title)
	assert.Contains(t, text, "P0171 Diagnosis")
	assert.Contains(t, text, "Check for vacuum leaks")
	assert.NotContains(t, text, "trackVisit")
	assert.NotContains(t, text, "color: red")
	assert.NotContains(t, text, "Site navigation header")
	assert.NotContains(t, text, "Copyright 2026")
}

func TestExtractHTMLNoTitle(t *testing.T) {
	text, title := ExtractHTML([]byte(`<html><body><p>plain body</p></body></html>`))
	assert.Empty(t, title)
	assert.Equal(t, "plain body", text)
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    int // chunk count
	}{
		{"empty", "", 500, 50, 0},
		{"shorter than window", strings.Repeat("a", 100), 500, 50, 1},
		{"exact window", strings.Repeat("a", 500), 500, 50, 1},
		{"two windows", strings.Repeat("a", 700), 500, 50, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Split(tt.text, tt.size, tt.overlap)
			assert.Len(t, chunks, tt.want)
		})
	}
}

func TestSplitOffsetsAndOverlap(t *testing.T) {
	text := strings.Repeat("x", 1200)
	chunks := Split(text, 500, 50)
	require.Len(t, chunks, 3)

	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 500, chunks[0].End)
	assert.Equal(t, 450, chunks[1].Start)
	assert.Equal(t, 950, chunks[1].End)
	assert.Equal(t, 900, chunks[2].Start)
	assert.Equal(t, 1200, chunks[2].End)

	for _, c := range chunks {
		assert.Greater(t, c.End, c.Start)
		assert.Equal(t, c.End-c.Start, utf8.RuneCountInString(c.Content))
	}
}

func TestSplitKeepsRunesIntact(t *testing.T) {
	// Multi-byte runes placed right at a window boundary must never be
	// cut mid-sequence.
	text := strings.Repeat("a", 999) + "é" + strings.Repeat("ü", 200)
	chunks := Split(text, 1000, 100)
	require.Len(t, chunks, 2)

	for i, c := range chunks {
		assert.True(t, utf8.ValidString(c.Content), "chunk %d contains invalid UTF-8", i)
	}
	assert.Equal(t, 1000, utf8.RuneCountInString(chunks[0].Content))
	assert.Equal(t, "é", string([]rune(chunks[0].Content)[999]))
	assert.Equal(t, 900, chunks[1].Start)
	assert.Equal(t, 1200, chunks[1].End)
}
