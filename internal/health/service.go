package health

import (
	"context"
	"time"

	"dealflow-backend/internal/jobs"
)

// Breaker reasons, surfaced verbatim to callers and dashboards.
const (
	ReasonQueueOverloaded = "queue overloaded"
	ReasonTooManyActive   = "too many concurrent analyses"
	ReasonStuckItems      = "stuck items detected, processing may be stalled"
	ReasonFailureRate     = "failure rate too high, system unstable"
)

// Thresholds define when the queue is considered unhealthy.
type Thresholds struct {
	MaxQueued      int
	MaxProcessing  int
	StuckAfter     time.Duration
	MaxStuck       int
	MaxFailureRate float64
}

// DefaultThresholds returns the standard breaker limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxQueued:      50,
		MaxProcessing:  10,
		StuckAfter:     15 * time.Minute,
		MaxStuck:       3,
		MaxFailureRate: 0.3,
	}
}

// Violations lists every tripped limit in evaluation order.
func (t Thresholds) Violations(s Snapshot) []string {
	var out []string
	if s.TotalQueued > t.MaxQueued {
		out = append(out, ReasonQueueOverloaded)
	}
	if s.ProcessingItems > t.MaxProcessing {
		out = append(out, ReasonTooManyActive)
	}
	if s.StuckItems > t.MaxStuck {
		out = append(out, ReasonStuckItems)
	}
	if s.FailureRate > t.MaxFailureRate {
		out = append(out, ReasonFailureRate)
	}
	return out
}

// Snapshot is a point-in-time view of the rolling job window.
type Snapshot struct {
	FundID                string        `json:"fundId,omitempty"`
	TotalQueued           int           `json:"totalQueued"`
	ProcessingItems       int           `json:"processingItems"`
	FailedInLast24h       int           `json:"failedInLast24h"`
	CompletedInLast24h    int           `json:"completedInLast24h"`
	StuckItems            int           `json:"stuckItems"`
	FailureRate           float64       `json:"failureRate"`
	AverageProcessingTime time.Duration `json:"-"`
	AverageProcessingMs   int64         `json:"averageProcessingTimeMs"`
	IsHealthy             bool          `json:"isHealthy"`
	Warnings              []string      `json:"warnings"`
	GeneratedAt           time.Time     `json:"generatedAt"`
}

// Service computes health snapshots from the job store.
type Service struct {
	Jobs       jobs.Repo
	Thresholds Thresholds
	Window     time.Duration
	Now        func() time.Time
}

// NewService builds a Service with a 24h window.
func NewService(repo jobs.Repo, thresholds Thresholds) *Service {
	return &Service{
		Jobs:       repo,
		Thresholds: thresholds,
		Window:     24 * time.Hour,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot computes the rolling window, optionally scoped to a fund.
func (s *Service) Snapshot(ctx context.Context, fundID string) (Snapshot, error) {
	now := s.Now()
	window := s.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	stats, err := s.Jobs.Stats(ctx, jobs.StatsQuery{
		FundID:      fundID,
		Since:       now.Add(-window),
		StuckBefore: now.Add(-s.Thresholds.StuckAfter),
	})
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		FundID:                fundID,
		TotalQueued:           stats.Queued,
		ProcessingItems:       stats.Processing,
		FailedInLast24h:       stats.Failed,
		CompletedInLast24h:    stats.Completed,
		StuckItems:            stats.Stuck,
		FailureRate:           stats.FailureRate(),
		AverageProcessingTime: stats.AverageProcessingTime,
		AverageProcessingMs:   stats.AverageProcessingTime.Milliseconds(),
		GeneratedAt:           now,
	}
	snap.Warnings = s.Thresholds.Violations(snap)
	if snap.Warnings == nil {
		snap.Warnings = []string{}
	}
	snap.IsHealthy = len(snap.Warnings) == 0
	return snap, nil
}
