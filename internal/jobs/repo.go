package jobs

import (
	"context"
	"time"
)

// Repo is the durable job store. All shared job state flows through it.
type Repo interface {
	// CreateIfNoActive inserts job unless the deal already has a queued or
	// processing job created after activeSince, which is returned instead.
	CreateIfNoActive(ctx context.Context, job Job, activeSince time.Time) (Job, bool, error)
	GetByID(ctx context.Context, jobID string) (Job, error)
	FindActiveForDeal(ctx context.Context, dealID string) (Job, error)
	Stats(ctx context.Context, q StatsQuery) (WindowStats, error)

	ListEligible(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Claim moves a queued job to processing; ErrClaimLost if another worker won.
	Claim(ctx context.Context, jobID, workerID string, now time.Time) (Job, error)
	Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) error
	Complete(ctx context.Context, jobID, workerID string, result map[string]any, now time.Time) error
	Fail(ctx context.Context, jobID, workerID string, failure Failure, now time.Time) error

	ReclaimStale(ctx context.Context, staleBefore, rescheduleAt time.Time) ([]Job, error)
	ListStarved(ctx context.Context, createdBefore time.Time) ([]Job, error)
	DeleteFailedBefore(ctx context.Context, before time.Time) (int, error)
	ResetProcessingStartedBefore(ctx context.Context, before, rescheduleAt time.Time) (int, error)
	ScheduleQueuedNow(ctx context.Context, now time.Time) (int, error)
}
