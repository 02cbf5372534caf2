package services

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddingLiteral(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want string
	}{
		{"single", []float32{1}, "[1]"},
		{"negative and fraction", []float32{-0.5, 0.25}, "[-0.5,0.25]"},
		{"zero", []float32{0, 0, 0}, "[0,0,0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EmbeddingLiteral(tt.in))
		})
	}
}

func TestEmbeddingLiteralDimension(t *testing.T) {
	vec := make([]float32, 768)
	literal := EmbeddingLiteral(vec)
	assert.True(t, strings.HasPrefix(literal, "["))
	assert.True(t, strings.HasSuffix(literal, "]"))
	assert.Equal(t, 768, strings.Count(literal, "0"))
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("url", "required")
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "url")
	assert.Contains(t, err.Error(), "required")

	wrapped := fmt.Errorf("submit: %w", err)
	assert.True(t, IsValidationError(wrapped))

	assert.False(t, IsValidationError(errors.New("plain")))
	assert.False(t, IsValidationError(ErrNotFound))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcde", truncate("abcdefgh", 5))
	assert.Equal(t, "", truncate("", 5))
}
