package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "direct object",
			raw:  `{"trust_score": 0.8}`,
			want: `{"trust_score": 0.8}`,
		},
		{
			name: "surrounding whitespace",
			raw:  "\n  {\"a\": 1}  \n",
			want: `{"a": 1}`,
		},
		{
			name: "fenced code block",
			raw:  "Here is the result:\n```json\n{\"a\": 1}\n```\nDone.",
			want: `{"a": 1}`,
		},
		{
			name: "outermost braces",
			raw:  `The answer is {"a": {"b": 2}} as requested.`,
			want: `{"a": {"b": 2}}`,
		},
		{
			name:    "no json at all",
			raw:     "I could not process that.",
			wantErr: true,
		},
		{
			name:    "broken json",
			raw:     `{"a": `,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var verdict struct {
		TrustScore float64 `json:"trust_score"`
		Domain     string  `json:"domain"`
	}
	raw := "```json\n{\"trust_score\": 0.72, \"domain\": \"engine\"}\n```"
	require.NoError(t, DecodeJSON(raw, &verdict))
	assert.Equal(t, 0.72, verdict.TrustScore)
	assert.Equal(t, "engine", verdict.Domain)
}

func TestParseResetDuration(t *testing.T) {
	tests := []struct {
		in   string
		want float64 // seconds
	}{
		{"6m0s", 360},
		{"1h30m0s", 5400},
		{"12s", 12},
		{"0.5s", 0.5},
		{"garbage", 60},
		{"", 60},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.InDelta(t, tt.want, ParseResetDuration(tt.in).Seconds(), 1e-9)
		})
	}
}
