package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageIsValid(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
		valid bool
	}{
		{"pending", StagePending, true},
		{"crawling", StageCrawling, true},
		{"chunking", StageChunking, true},
		{"chunked", StageChunked, true},
		{"embedding", StageEmbedding, true},
		{"embedded", StageEmbedded, true},
		{"evaluating", StageEvaluating, true},
		{"extracting", StageExtracting, true},
		{"resolving", StageResolving, true},
		{"complete", StageComplete, true},
		{"error", StageError, true},
		{"invalid", Stage("invalid"), false},
		{"empty", Stage(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.stage.IsValid())
		})
	}
}

func TestStageIsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		stage    Stage
		terminal bool
	}{
		{"complete", StageComplete, true},
		{"error", StageError, true},
		{"pending", StagePending, false},
		{"extracting", StageExtracting, false},
		{"resolving", StageResolving, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.stage.IsTerminal())
		})
	}
}

func TestStageQueue(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
		queue string
	}{
		{"pending routes to crawl", StagePending, QueueCrawl},
		{"crawling routes to chunk", StageCrawling, QueueChunk},
		{"chunked routes to embed", StageChunked, QueueEmbed},
		{"embedded routes to evaluate", StageEmbedded, QueueEvaluate},
		{"evaluating routes to extract", StageEvaluating, QueueExtract},
		{"extracting routes to resolve", StageExtracting, QueueResolve},
		{"complete has no queue", StageComplete, ""},
		{"error has no queue", StageError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.queue, tt.stage.Queue())
		})
	}
}

func TestStageNext(t *testing.T) {
	// Walking Next from pending must reach complete without cycles.
	stage := StagePending
	seen := map[Stage]bool{}
	for !stage.IsTerminal() {
		if seen[stage] {
			t.Fatalf("cycle at stage %s", stage)
		}
		seen[stage] = true
		stage = stage.Next()
	}
	assert.Equal(t, StageComplete, stage)
}

func TestTaskStatusIsValid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		valid  bool
	}{
		{"pending", TaskPending, true},
		{"in_progress", TaskInProgress, true},
		{"completed", TaskCompleted, true},
		{"failed", TaskFailed, true},
		{"cancelled", TaskCancelled, true},
		{"invalid", TaskStatus("invalid"), false},
		{"empty", TaskStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
		})
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Domain
	}{
		{"exact", "obd", DomainOBD},
		{"uppercase", "ENGINE", DomainEngine},
		{"padded", "  brakes  ", DomainBrakes},
		{"unrecognized", "quantum", DomainUnknown},
		{"empty", "", DomainUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeDomain(tt.raw))
		})
	}
}

func TestVerificationStatusIsValid(t *testing.T) {
	tests := []struct {
		name   string
		status VerificationStatus
		valid  bool
	}{
		{"unverified", VerificationUnverified, true},
		{"verified", VerificationVerified, true},
		{"corrected", VerificationCorrected, true},
		{"disputed", VerificationDisputed, true},
		{"uncertain", VerificationUncertain, true},
		{"invalid", VerificationStatus("invalid"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
		})
	}
}
