package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKeys(t *testing.T) {
	tests := []struct {
		name  string
		docID string
		raw   string
		pdf   string
	}{
		{
			name:  "plain uuid",
			docID: "3f1c9a6e-0000-0000-0000-000000000001",
			raw:   "raw/3f1c9a6e-0000-0000-0000-000000000001",
			pdf:   "original/3f1c9a6e-0000-0000-0000-000000000001.pdf",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.raw, RawKey(tt.docID))
			assert.Equal(t, tt.pdf, OriginalPDFKey(tt.docID))
		})
	}
}
