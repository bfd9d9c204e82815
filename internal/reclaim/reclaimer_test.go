package reclaim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow-backend/internal/jobs"
)

func processingJob(id string, started time.Time, heartbeat *time.Time) jobs.Job {
	return jobs.Job{
		ID:           id,
		DealID:       "deal-" + id,
		Status:       jobs.StatusProcessing,
		WorkerID:     "worker-1",
		CreatedAt:    started.Add(-time.Minute),
		ScheduledFor: started,
		StartedAt:    &started,
		HeartbeatAt:  heartbeat,
	}
}

func newTestReclaimer(repo jobs.Repo, now time.Time) *Reclaimer {
	r := New(repo, DefaultConfig())
	r.Now = func() time.Time { return now }
	return r
}

func TestSweepReclaimsZombie(t *testing.T) {
	now := time.Now().UTC()
	repo := jobs.NewMemoryRepo()
	repo.Put(processingJob("zombie", now.Add(-20*time.Minute), nil))

	report, err := newTestReclaimer(repo, now).Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Reclaimed, 1)

	job, err := repo.GetByID(context.Background(), "zombie")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.WithinDuration(t, now.Add(2*time.Minute), job.ScheduledFor, time.Second)
	assert.Nil(t, job.StartedAt)
	assert.Empty(t, job.WorkerID)
}

func TestSweepSparesHeartbeatingJob(t *testing.T) {
	now := time.Now().UTC()
	beat := now.Add(-30 * time.Second)
	repo := jobs.NewMemoryRepo()
	repo.Put(processingJob("slow", now.Add(-40*time.Minute), &beat))

	report, err := newTestReclaimer(repo, now).Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Reclaimed)

	job, _ := repo.GetByID(context.Background(), "slow")
	assert.Equal(t, jobs.StatusProcessing, job.Status)
}

func TestSweepReportsStarvedWithoutMutating(t *testing.T) {
	now := time.Now().UTC()
	repo := jobs.NewMemoryRepo()
	repo.Put(jobs.Job{ID: "starved", DealID: "d1", Status: jobs.StatusQueued, CreatedAt: now.Add(-3 * time.Hour), ScheduledFor: now.Add(-3 * time.Hour)})
	repo.Put(jobs.Job{ID: "fresh", DealID: "d2", Status: jobs.StatusQueued, CreatedAt: now.Add(-time.Minute), ScheduledFor: now})

	report, err := newTestReclaimer(repo, now).Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Starved, 1)
	assert.Equal(t, "starved", report.Starved[0].ID)

	job, _ := repo.GetByID(context.Background(), "starved")
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)
}

func TestDrainFailedUsesRetention(t *testing.T) {
	now := time.Now().UTC()
	repo := jobs.NewMemoryRepo()
	old := now.Add(-25 * time.Hour)
	recent := now.Add(-3 * time.Hour)
	repo.Put(jobs.Job{ID: "old", DealID: "d1", Status: jobs.StatusFailed, CreatedAt: old, CompletedAt: &old})
	repo.Put(jobs.Job{ID: "recent", DealID: "d2", Status: jobs.StatusFailed, CreatedAt: recent, CompletedAt: &recent})

	n, err := newTestReclaimer(repo, now).DrainFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEmergencyDrain(t *testing.T) {
	now := time.Now().UTC()
	repo := jobs.NewMemoryRepo()
	failedAt := now.Add(-3 * time.Hour)
	repo.Put(jobs.Job{ID: "failed-old", DealID: "d1", Status: jobs.StatusFailed, CreatedAt: failedAt, CompletedAt: &failedAt})
	freshFail := now.Add(-time.Hour)
	repo.Put(jobs.Job{ID: "failed-new", DealID: "d2", Status: jobs.StatusFailed, CreatedAt: freshFail, CompletedAt: &freshFail})
	beat := now.Add(-5 * time.Second)
	repo.Put(processingJob("long", now.Add(-25*time.Minute), &beat))
	repo.Put(processingJob("short", now.Add(-5*time.Minute), nil))

	report, err := newTestReclaimer(repo, now).EmergencyDrain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EmergencyReport{Drained: 1, Reset: 1}, report)

	long, _ := repo.GetByID(context.Background(), "long")
	assert.Equal(t, jobs.StatusQueued, long.Status)
	assert.Equal(t, 1, long.Attempts)
	short, _ := repo.GetByID(context.Background(), "short")
	assert.Equal(t, jobs.StatusProcessing, short.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	repo := jobs.NewMemoryRepo()
	r := New(repo, Config{SweepInterval: 10 * time.Millisecond, ProcessingTimeout: time.Minute, QueuedTimeout: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.Run(ctx))
}
