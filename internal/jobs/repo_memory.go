package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores jobs in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Job
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Job)}
}

// CreateIfNoActive stores the job unless the deal has a recent active job.
func (r *MemoryRepo) CreateIfNoActive(ctx context.Context, job Job, activeSince time.Time) (Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.latestActiveLocked(job.DealID); ok && !existing.CreatedAt.Before(activeSince) {
		return existing, false, nil
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	r.byID[job.ID] = job
	return job, true, nil
}

// GetByID returns a job by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byID[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// FindActiveForDeal returns the newest queued or processing job for a deal.
func (r *MemoryRepo) FindActiveForDeal(ctx context.Context, dealID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.latestActiveLocked(dealID)
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (r *MemoryRepo) latestActiveLocked(dealID string) (Job, bool) {
	var latest Job
	found := false
	for _, job := range r.byID {
		if job.DealID != dealID || !job.IsActive() {
			continue
		}
		if !found || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
			found = true
		}
	}
	return latest, found
}

// Stats computes rolling counts for jobs created since q.Since.
func (r *MemoryRepo) Stats(ctx context.Context, q StatsQuery) (WindowStats, error) {
	if err := ctx.Err(); err != nil {
		return WindowStats{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stats WindowStats
	var total time.Duration
	var measured int
	for _, job := range r.byID {
		if job.CreatedAt.Before(q.Since) {
			continue
		}
		if q.FundID != "" && job.FundID != q.FundID {
			continue
		}
		switch job.Status {
		case StatusQueued:
			stats.Queued++
		case StatusProcessing:
			stats.Processing++
			if job.LastSeen().Before(q.StuckBefore) {
				stats.Stuck++
			}
		case StatusCompleted:
			stats.Completed++
			if job.StartedAt != nil && job.CompletedAt != nil {
				total += job.CompletedAt.Sub(*job.StartedAt)
				measured++
			}
		case StatusFailed:
			stats.Failed++
		}
	}
	if measured > 0 {
		stats.AverageProcessingTime = total / time.Duration(measured)
	}
	return stats, nil
}

// ListEligible returns queued jobs whose scheduled time has passed, oldest schedule first.
func (r *MemoryRepo) ListEligible(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []Job
	for _, job := range r.byID {
		if job.Status == StatusQueued && !job.ScheduledFor.After(now) {
			out = append(out, job)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim moves a queued job to processing for workerID.
func (r *MemoryRepo) Claim(ctx context.Context, jobID, workerID string, now time.Time) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status != StatusQueued {
		return Job{}, ErrClaimLost
	}
	started := now
	job.Status = StatusProcessing
	job.WorkerID = workerID
	job.StartedAt = &started
	job.HeartbeatAt = &started
	job.UpdatedAt = now
	r.byID[jobID] = job
	return job, nil
}

// Heartbeat touches the liveness timestamp of an owned processing job.
func (r *MemoryRepo) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) error {
	return r.updateOwned(ctx, jobID, workerID, func(job *Job) {
		beat := now
		job.HeartbeatAt = &beat
		job.UpdatedAt = now
	})
}

// Complete marks an owned processing job completed.
func (r *MemoryRepo) Complete(ctx context.Context, jobID, workerID string, result map[string]any, now time.Time) error {
	return r.updateOwned(ctx, jobID, workerID, func(job *Job) {
		completed := now
		job.Status = StatusCompleted
		job.Result = result
		job.CompletedAt = &completed
		job.UpdatedAt = now
	})
}

// Fail marks an owned processing job failed.
func (r *MemoryRepo) Fail(ctx context.Context, jobID, workerID string, failure Failure, now time.Time) error {
	return r.updateOwned(ctx, jobID, workerID, func(job *Job) {
		completed := now
		msg := failure.Message
		job.Status = StatusFailed
		job.BlockCode = failure.BlockCode
		job.ErrorMessage = &msg
		job.CompletedAt = &completed
		job.UpdatedAt = now
	})
}

func (r *MemoryRepo) updateOwned(ctx context.Context, jobID, workerID string, apply func(*Job)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != StatusProcessing || job.WorkerID != workerID {
		return ErrClaimLost
	}
	apply(&job)
	r.byID[jobID] = job
	return nil
}

// ReclaimStale requeues processing jobs whose last heartbeat is older than staleBefore.
func (r *MemoryRepo) ReclaimStale(ctx context.Context, staleBefore, rescheduleAt time.Time) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Job
	for id, job := range r.byID {
		if job.Status != StatusProcessing || !job.LastSeen().Before(staleBefore) {
			continue
		}
		requeue(&job, rescheduleAt)
		r.byID[id] = job
		out = append(out, job)
	}
	return out, nil
}

// ListStarved returns queued jobs created before createdBefore.
func (r *MemoryRepo) ListStarved(ctx context.Context, createdBefore time.Time) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Job
	for _, job := range r.byID {
		if job.Status == StatusQueued && job.CreatedAt.Before(createdBefore) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteFailedBefore removes failed jobs that finished before the cutoff.
func (r *MemoryRepo) DeleteFailedBefore(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, job := range r.byID {
		if job.Status != StatusFailed {
			continue
		}
		finished := job.CreatedAt
		if job.CompletedAt != nil {
			finished = *job.CompletedAt
		}
		if finished.Before(before) {
			delete(r.byID, id)
			n++
		}
	}
	return n, nil
}

// ResetProcessingStartedBefore requeues processing jobs started before the cutoff.
func (r *MemoryRepo) ResetProcessingStartedBefore(ctx context.Context, before, rescheduleAt time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, job := range r.byID {
		if job.Status != StatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(before) {
			continue
		}
		requeue(&job, rescheduleAt)
		r.byID[id] = job
		n++
	}
	return n, nil
}

// ScheduleQueuedNow makes every future-scheduled queued job eligible immediately.
func (r *MemoryRepo) ScheduleQueuedNow(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, job := range r.byID {
		if job.Status != StatusQueued || !job.ScheduledFor.After(now) {
			continue
		}
		job.ScheduledFor = now
		job.UpdatedAt = now
		r.byID[id] = job
		n++
	}
	return n, nil
}

// Put stores a job as-is. Intended for seeding fixtures.
func (r *MemoryRepo) Put(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[job.ID] = job
}

func requeue(job *Job, rescheduleAt time.Time) {
	job.Status = StatusQueued
	job.Attempts++
	job.ScheduledFor = rescheduleAt
	job.WorkerID = ""
	job.StartedAt = nil
	job.HeartbeatAt = nil
	job.UpdatedAt = time.Now().UTC()
}

var _ Repo = (*MemoryRepo)(nil)
