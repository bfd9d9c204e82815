package reclaim

import (
	"context"
	"fmt"
	"time"

	"dealflow-backend/internal/jobs"
	"dealflow-backend/internal/shared/metrics"
	"dealflow-backend/internal/shared/telemetry"
)

// Config owns the liveness timeouts.
type Config struct {
	SweepInterval          time.Duration
	ProcessingTimeout      time.Duration
	RescheduleDelay        time.Duration
	QueuedTimeout          time.Duration
	FailedRetention        time.Duration
	EmergencyFailedAge     time.Duration
	EmergencyProcessingAge time.Duration
}

// DefaultConfig returns the standard timeouts.
func DefaultConfig() Config {
	return Config{
		SweepInterval:          30 * time.Second,
		ProcessingTimeout:      15 * time.Minute,
		RescheduleDelay:        2 * time.Minute,
		QueuedTimeout:          2 * time.Hour,
		FailedRetention:        24 * time.Hour,
		EmergencyFailedAge:     2 * time.Hour,
		EmergencyProcessingAge: 20 * time.Minute,
	}
}

// SweepReport lists what one sweep found.
type SweepReport struct {
	Reclaimed []jobs.Job `json:"reclaimed"`
	Starved   []jobs.Job `json:"starved"`
}

// EmergencyReport counts the effect of an emergency drain.
type EmergencyReport struct {
	Drained int `json:"drained"`
	Reset   int `json:"reset"`
}

// Reclaimer recovers zombie jobs and surfaces starved ones.
type Reclaimer struct {
	Jobs   jobs.Repo
	Config Config
	Now    func() time.Time
}

// New builds a Reclaimer.
func New(repo jobs.Repo, cfg Config) *Reclaimer {
	return &Reclaimer{
		Jobs:   repo,
		Config: cfg,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on every tick until ctx is done.
func (r *Reclaimer) Run(ctx context.Context) error {
	interval := r.Config.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			telemetry.Error("reclaim.sweep_failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep resets stale processing jobs and reports starved queued jobs.
// Starved jobs are not mutated.
func (r *Reclaimer) Sweep(ctx context.Context) (SweepReport, error) {
	reclaimed, err := r.reclaim(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	starved, err := r.Jobs.ListStarved(ctx, r.Now().Add(-r.Config.QueuedTimeout))
	if err != nil {
		return SweepReport{Reclaimed: reclaimed}, fmt.Errorf("list starved jobs: %w", err)
	}
	for _, job := range starved {
		telemetry.Warn("reclaim.starved", map[string]any{
			"job_id":     job.ID,
			"deal_id":    job.DealID,
			"created_at": job.CreatedAt.Format(time.RFC3339),
		})
	}
	if len(reclaimed) > 0 || len(starved) > 0 {
		telemetry.Info("reclaim.sweep", map[string]any{
			"reclaimed": len(reclaimed),
			"starved":   len(starved),
		})
	}
	return SweepReport{Reclaimed: reclaimed, Starved: starved}, nil
}

// ReclaimStuck runs only the stale-processing scan.
func (r *Reclaimer) ReclaimStuck(ctx context.Context) (int, error) {
	reclaimed, err := r.reclaim(ctx)
	return len(reclaimed), err
}

func (r *Reclaimer) reclaim(ctx context.Context) ([]jobs.Job, error) {
	now := r.Now()
	reclaimed, err := r.Jobs.ReclaimStale(ctx, now.Add(-r.Config.ProcessingTimeout), now.Add(r.Config.RescheduleDelay))
	if err != nil {
		return nil, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	for _, job := range reclaimed {
		telemetry.Warn("job.reclaimed", map[string]any{
			"job_id":   job.ID,
			"deal_id":  job.DealID,
			"attempts": job.Attempts,
			"kind":     string(jobs.KindZombieTimeout),
		})
	}
	metrics.AddReclaimed(len(reclaimed))
	return reclaimed, nil
}

// DrainFailed deletes failed jobs older than the retention window.
func (r *Reclaimer) DrainFailed(ctx context.Context) (int, error) {
	n, err := r.Jobs.DeleteFailedBefore(ctx, r.Now().Add(-r.Config.FailedRetention))
	if err != nil {
		return 0, fmt.Errorf("drain failed jobs: %w", err)
	}
	telemetry.Info("reclaim.drain_failed", map[string]any{"deleted": n})
	return n, nil
}

// EmergencyDrain deletes old failed jobs and force-resets long-running ones.
func (r *Reclaimer) EmergencyDrain(ctx context.Context) (EmergencyReport, error) {
	now := r.Now()
	drained, err := r.Jobs.DeleteFailedBefore(ctx, now.Add(-r.Config.EmergencyFailedAge))
	if err != nil {
		return EmergencyReport{}, fmt.Errorf("emergency drain failed jobs: %w", err)
	}
	reset, err := r.Jobs.ResetProcessingStartedBefore(ctx, now.Add(-r.Config.EmergencyProcessingAge), now)
	if err != nil {
		return EmergencyReport{Drained: drained}, fmt.Errorf("emergency reset processing jobs: %w", err)
	}
	metrics.AddReclaimed(reset)
	telemetry.Warn("reclaim.emergency_drain", map[string]any{"drained": drained, "reset": reset})
	return EmergencyReport{Drained: drained, Reset: reset}, nil
}
