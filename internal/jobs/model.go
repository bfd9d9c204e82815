package jobs

import (
	"strings"
	"time"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Priority affects the admission delay only, never strict execution order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority normalizes a priority string; empty means normal.
func ParsePriority(raw string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return PriorityNormal, true
	case string(PriorityHigh):
		return PriorityHigh, true
	case string(PriorityNormal):
		return PriorityNormal, true
	case string(PriorityLow):
		return PriorityLow, true
	default:
		return "", false
	}
}

// Job is one request to analyze a deal.
type Job struct {
	ID            string         `json:"id"`
	DealID        string         `json:"dealId"`
	FundID        string         `json:"fundId"`
	Status        string         `json:"status"`
	Priority      Priority       `json:"priority"`
	TriggerReason string         `json:"triggerReason"`
	Attempts      int            `json:"attempts"`
	WorkerID      string         `json:"workerId,omitempty"`
	ErrorMessage  *string        `json:"errorMessage,omitempty"`
	BlockCode     string         `json:"blockCode,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	ScheduledFor  time.Time      `json:"scheduledFor"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	HeartbeatAt   *time.Time     `json:"heartbeatAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// IsActive reports whether the job still occupies its deal's slot.
func (j Job) IsActive() bool {
	return j.Status == StatusQueued || j.Status == StatusProcessing
}

// LastSeen is the liveness signal used for zombie detection.
func (j Job) LastSeen() time.Time {
	if j.HeartbeatAt != nil {
		return *j.HeartbeatAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}

// MetadataString reads a string metadata value.
func (j Job) MetadataString(key string) string {
	if j.Metadata == nil {
		return ""
	}
	if v, ok := j.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// EngineResult is one engine's output for a job.
type EngineResult struct {
	EngineName    string         `json:"engineName"`
	EngineVersion string         `json:"engineVersion"`
	Payload       map[string]any `json:"payload"`
	Validated     bool           `json:"validated"`
}

// Failure describes a terminal failure written by a worker.
type Failure struct {
	BlockCode string
	Message   string
}

// StatsQuery scopes a rolling statistics computation.
type StatsQuery struct {
	FundID      string
	Since       time.Time
	StuckBefore time.Time
}

// WindowStats are rolling counts over the job table.
type WindowStats struct {
	Queued                int           `json:"queued"`
	Processing            int           `json:"processing"`
	Completed             int           `json:"completed"`
	Failed                int           `json:"failed"`
	Stuck                 int           `json:"stuck"`
	AverageProcessingTime time.Duration `json:"averageProcessingTimeNs"`
}

// FailureRate is failed / (failed + completed) with a minimum denominator of 1.
func (s WindowStats) FailureRate() float64 {
	denom := s.Failed + s.Completed
	if denom < 1 {
		denom = 1
	}
	return float64(s.Failed) / float64(denom)
}
