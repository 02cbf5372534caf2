package models

import "time"

// StageStats summarizes one stage's throughput over a window.
type StageStats struct {
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	ErrorRate float64 `json:"error_rate"`
}

// StageTiming compares recent stage durations against history.
type StageTiming struct {
	RecentAvgMS     float64 `json:"recent_avg_ms"`
	HistoricalAvgMS float64 `json:"historical_avg_ms"`
	Samples         int     `json:"samples"`
}

// ContainerHealth is one service-probe result.
type ContainerHealth struct {
	Healthy        bool       `json:"healthy"`
	Error          string     `json:"error,omitempty"`
	UnhealthySince *time.Time `json:"unhealthy_since,omitempty"`
	CheckedAt      time.Time  `json:"checked_at"`
}

// DocumentStats counts documents by stage plus those stuck mid-pipeline.
type DocumentStats struct {
	ByStage  map[string]int `json:"by_stage"`
	Stuck    int            `json:"stuck"`
	StuckIDs []string       `json:"stuck_ids,omitempty"`
}

// MetricsSnapshot is one full monitoring observation, stored to the
// key-value service and served over HTTP.
type MetricsSnapshot struct {
	Timestamp   time.Time                  `json:"timestamp"`
	QueueDepths map[string]int64           `json:"queue_depths"`
	Stages      map[string]StageStats      `json:"stages"`
	Timings     map[string]StageTiming     `json:"timings"`
	Containers  map[string]ContainerHealth `json:"containers"`
	Documents   DocumentStats              `json:"documents"`
	LLMHealthy  bool                       `json:"llm_healthy"`
}
