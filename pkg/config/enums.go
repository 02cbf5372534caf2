package config

import "strings"

// Stage is a document's position in the processing pipeline.
type Stage string

const (
	StagePending    Stage = "pending"
	StageCrawling   Stage = "crawling"
	StageChunking   Stage = "chunking"
	StageChunked    Stage = "chunked"
	StageEmbedding  Stage = "embedding"
	StageEmbedded   Stage = "embedded"
	StageEvaluating Stage = "evaluating"
	StageExtracting Stage = "extracting"
	StageResolving  Stage = "resolving"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

// IsValid checks if the stage is one of the known pipeline stages.
func (s Stage) IsValid() bool {
	switch s {
	case StagePending, StageCrawling, StageChunking, StageChunked,
		StageEmbedding, StageEmbedded, StageEvaluating, StageExtracting,
		StageResolving, StageComplete, StageError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further stage transitions are expected.
func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageError
}

// Queue returns the job queue feeding this stage, or "" for stages that
// are not queue-driven (pending, chunked, embedded, terminal states).
func (s Stage) Queue() string {
	switch s {
	case StageCrawling:
		return QueueCrawl
	case StageChunking:
		return QueueChunk
	case StageEmbedding:
		return QueueEmbed
	case StageEvaluating:
		return QueueEvaluate
	case StageExtracting:
		return QueueExtract
	case StageResolving:
		return QueueResolve
	default:
		return ""
	}
}

// Next returns the stage a document advances to after this one completes,
// following the happy path of the DAG.
func (s Stage) Next() Stage {
	switch s {
	case StagePending, StageCrawling:
		return StageChunking
	case StageChunking, StageChunked:
		return StageEmbedding
	case StageEmbedding, StageEmbedded:
		return StageEvaluating
	case StageEvaluating:
		return StageExtracting
	case StageExtracting:
		return StageResolving
	case StageResolving:
		return StageComplete
	default:
		return s
	}
}

// Stage queue names. Payload is the 36-char document UUID (for crawl,
// the crawl-queue row UUID).
const (
	QueueCrawl    = "jobs:crawl"
	QueueChunk    = "jobs:chunk"
	QueueEmbed    = "jobs:embed"
	QueueEvaluate = "jobs:evaluate"
	QueueExtract  = "jobs:extract"
	QueueResolve  = "jobs:resolve"
)

// Control-plane queue names. Payload is a JSON object with a "type" field.
const (
	QueueCommands = "orchestrator:commands"
	QueueResearch = "orchestrator:research"
	QueueAudit    = "orchestrator:audit"
	QueueAlerts   = "monitoring:alerts"
	QueueResults  = "researcher:results"
)

// StageQueues lists the six stage queues in pipeline order.
var StageQueues = []string{
	QueueCrawl, QueueChunk, QueueEmbed, QueueEvaluate, QueueExtract, QueueResolve,
}

// TaskStatus is the lifecycle state of an orchestrator task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsValid checks if the task status is known.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Health is the coarse pipeline health classification from the auditor.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthBusy     Health = "busy"
	HealthDegraded Health = "degraded"
)

// AlertSeverity grades monitor alerts.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Domain is the closed set of chunk-evaluation domain tags. Anything
// outside the set is stored as DomainUnknown.
type Domain string

const (
	DomainOBD          Domain = "obd"
	DomainElectrical   Domain = "electrical"
	DomainEngine       Domain = "engine"
	DomainTransmission Domain = "transmission"
	DomainBrakes       Domain = "brakes"
	DomainSuspension   Domain = "suspension"
	DomainHVAC         Domain = "hvac"
	DomainBody         Domain = "body"
	DomainGeneral      Domain = "general"
	DomainUnknown      Domain = "unknown"
)

// IsValid checks if the domain tag is in the closed set.
func (d Domain) IsValid() bool {
	switch d {
	case DomainOBD, DomainElectrical, DomainEngine, DomainTransmission,
		DomainBrakes, DomainSuspension, DomainHVAC, DomainBody,
		DomainGeneral, DomainUnknown:
		return true
	default:
		return false
	}
}

// NormalizeDomain lowercases and validates a free-form domain tag,
// substituting DomainUnknown for anything outside the closed set.
func NormalizeDomain(raw string) Domain {
	d := Domain(strings.ToLower(strings.TrimSpace(raw)))
	if d.IsValid() {
		return d
	}
	return DomainUnknown
}

// CrawlStatus is the lifecycle state of a crawl-queue entry.
type CrawlStatus string

const (
	CrawlPending   CrawlStatus = "pending"
	CrawlCrawling  CrawlStatus = "crawling"
	CrawlCompleted CrawlStatus = "completed"
	CrawlFailed    CrawlStatus = "failed"
)

// IsValid checks if the crawl status is known.
func (s CrawlStatus) IsValid() bool {
	switch s {
	case CrawlPending, CrawlCrawling, CrawlCompleted, CrawlFailed:
		return true
	default:
		return false
	}
}

// HealingDecision records what the healer did with an alert.
type HealingDecision string

const (
	DecisionExecuted  HealingDecision = "executed"
	DecisionDeferred  HealingDecision = "deferred"
	DecisionEscalated HealingDecision = "escalated"
	DecisionSkipped   HealingDecision = "skipped"
)

// VerificationStatus is the verifier's overall judgment of a DTC record.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationCorrected  VerificationStatus = "corrected"
	VerificationDisputed   VerificationStatus = "disputed"
	VerificationUncertain  VerificationStatus = "uncertain"
)

// IsValid checks if the verification status is known.
func (s VerificationStatus) IsValid() bool {
	switch s {
	case VerificationUnverified, VerificationVerified, VerificationCorrected, VerificationDisputed, VerificationUncertain:
		return true
	default:
		return false
	}
}
