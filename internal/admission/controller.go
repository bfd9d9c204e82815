package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealflow-backend/internal/health"
	"dealflow-backend/internal/jobs"
	"dealflow-backend/internal/shared/metrics"
	"dealflow-backend/internal/shared/telemetry"
)

const (
	ReasonAdmitted          = "admitted"
	ReasonDuplicate         = "already queued recently"
	ReasonHealthUnavailable = "health check unavailable"
)

// Config owns the admission timing constants and breaker limits.
type Config struct {
	DedupWindow      time.Duration
	MinDelay         time.Duration
	MaxDelay         time.Duration
	QueuedWeight     time.Duration
	ProcessingWeight time.Duration
	Breaker          health.Thresholds
}

// DefaultConfig returns the standard admission policy.
func DefaultConfig() Config {
	return Config{
		DedupWindow:      5 * time.Minute,
		MinDelay:         time.Minute,
		MaxDelay:         30 * time.Minute,
		QueuedWeight:     30 * time.Second,
		ProcessingWeight: time.Minute,
		Breaker:          health.DefaultThresholds(),
	}
}

// SnapshotSource provides the rolling statistics admission decides on.
type SnapshotSource interface {
	Snapshot(ctx context.Context, fundID string) (health.Snapshot, error)
}

// Request asks for a deal to be analyzed.
type Request struct {
	DealID        string
	FundID        string
	Priority      jobs.Priority
	TriggerReason string
	Metadata      map[string]any
}

// Decision is the admission outcome. A duplicate is a successful no-op with
// Admitted=false and Kind=DuplicateSuppressed.
type Decision struct {
	Admitted   bool
	Kind       jobs.Kind
	Reason     string
	Delay      time.Duration
	Job        *jobs.Job
	Snapshot   health.Snapshot
	FailClosed bool
}

// Controller admits or rejects new jobs.
type Controller struct {
	Jobs   jobs.Repo
	Health SnapshotSource
	Config Config
	Now    func() time.Time
	NewID  func() string
}

// NewController wires a controller with default clock and id generator.
func NewController(repo jobs.Repo, healthSource SnapshotSource, cfg Config) *Controller {
	return &Controller{
		Jobs:   repo,
		Health: healthSource,
		Config: cfg,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
	}
}

// Admit runs stats, dedup, breaker and delay in that order, then persists the
// job. Stats failures fail closed.
func (c *Controller) Admit(ctx context.Context, req Request) (Decision, error) {
	if strings.TrimSpace(req.DealID) == "" {
		return Decision{}, errors.New("deal id is required")
	}
	if req.Priority == "" {
		req.Priority = jobs.PriorityNormal
	}
	now := c.Now()

	snap, err := c.Health.Snapshot(ctx, req.FundID)
	if err != nil {
		telemetry.Error("admission.health_unavailable", map[string]any{
			"deal_id": req.DealID,
			"fund_id": req.FundID,
			"error":   err.Error(),
		})
		metrics.IncRejected()
		return Decision{Kind: jobs.KindAdmissionBlocked, Reason: ReasonHealthUnavailable, FailClosed: true}, nil
	}

	existing, err := c.Jobs.FindActiveForDeal(ctx, req.DealID)
	switch {
	case err == nil:
		if now.Sub(existing.CreatedAt) < c.Config.DedupWindow {
			return c.duplicate(req, existing, snap), nil
		}
	case !errors.Is(err, jobs.ErrNotFound):
		return Decision{}, fmt.Errorf("dedup lookup: %w", err)
	}

	if violations := c.Config.Breaker.Violations(snap); len(violations) > 0 {
		telemetry.Warn("admission.rejected", map[string]any{
			"deal_id":    req.DealID,
			"fund_id":    req.FundID,
			"reason":     violations[0],
			"violations": violations,
		})
		metrics.IncRejected()
		return Decision{Kind: jobs.KindAdmissionBlocked, Reason: violations[0], Snapshot: snap}, nil
	}

	delay := c.Delay(snap.TotalQueued, snap.ProcessingItems, req.Priority)
	job := jobs.Job{
		ID:            c.NewID(),
		DealID:        req.DealID,
		FundID:        req.FundID,
		Status:        jobs.StatusQueued,
		Priority:      req.Priority,
		TriggerReason: req.TriggerReason,
		Metadata:      withAdmissionSnapshot(req.Metadata, snap, delay),
		CreatedAt:     now,
		ScheduledFor:  now.Add(delay),
		UpdatedAt:     now,
	}

	stored, created, err := c.Jobs.CreateIfNoActive(ctx, job, now.Add(-c.Config.DedupWindow))
	if err != nil {
		return Decision{}, fmt.Errorf("enqueue job: %w", err)
	}
	if !created {
		return c.duplicate(req, stored, snap), nil
	}

	telemetry.Info("admission.admitted", map[string]any{
		"job_id":        stored.ID,
		"deal_id":       stored.DealID,
		"fund_id":       stored.FundID,
		"priority":      string(stored.Priority),
		"delay_seconds": int(delay.Seconds()),
	})
	metrics.IncAdmitted()
	return Decision{Admitted: true, Reason: ReasonAdmitted, Delay: delay, Job: &stored, Snapshot: snap}, nil
}

func (c *Controller) duplicate(req Request, existing jobs.Job, snap health.Snapshot) Decision {
	telemetry.Info("admission.duplicate", map[string]any{
		"deal_id":         req.DealID,
		"existing_job_id": existing.ID,
	})
	metrics.IncDeduplicated()
	return Decision{Kind: jobs.KindDuplicateSuppressed, Reason: ReasonDuplicate, Job: &existing, Snapshot: snap}
}

// Delay computes clamp(min, max, (queued*qw + processing*pw) * priority multiplier).
func (c *Controller) Delay(queued, processing int, priority jobs.Priority) time.Duration {
	base := time.Duration(queued)*c.Config.QueuedWeight + time.Duration(processing)*c.Config.ProcessingWeight
	d := time.Duration(float64(base) * priorityMultiplier(priority))
	if d < c.Config.MinDelay {
		return c.Config.MinDelay
	}
	if d > c.Config.MaxDelay {
		return c.Config.MaxDelay
	}
	return d
}

func priorityMultiplier(p jobs.Priority) float64 {
	switch p {
	case jobs.PriorityHigh:
		return 0.25
	case jobs.PriorityLow:
		return 2.0
	default:
		return 1.0
	}
}

func withAdmissionSnapshot(meta map[string]any, snap health.Snapshot, delay time.Duration) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["admissionSnapshot"] = map[string]any{
		"queued":                  snap.TotalQueued,
		"processing":              snap.ProcessingItems,
		"failed":                  snap.FailedInLast24h,
		"completed":               snap.CompletedInLast24h,
		"stuck":                   snap.StuckItems,
		"failureRate":             snap.FailureRate,
		"averageProcessingTimeMs": snap.AverageProcessingMs,
		"delaySeconds":            int(delay.Seconds()),
		"generatedAt":             snap.GeneratedAt.Format(time.RFC3339),
	}
	return out
}
