package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow-backend/internal/health"
	"dealflow-backend/internal/jobs"
)

type stubHealth struct {
	snap health.Snapshot
	err  error
}

func (s stubHealth) Snapshot(context.Context, string) (health.Snapshot, error) {
	return s.snap, s.err
}

func newTestController(repo jobs.Repo, src SnapshotSource) *Controller {
	c := NewController(repo, src, DefaultConfig())
	var mu sync.Mutex
	n := 0
	c.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("job-%d", n)
	}
	return c
}

func TestAdmitPersistsQueuedJobWithSnapshot(t *testing.T) {
	repo := jobs.NewMemoryRepo()
	c := newTestController(repo, stubHealth{snap: health.Snapshot{TotalQueued: 4, ProcessingItems: 2}})
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return now }

	d, err := c.Admit(context.Background(), Request{DealID: "deal-1", FundID: "fund-1", TriggerReason: "manual", Metadata: map[string]any{"source": "ui"}})
	require.NoError(t, err)
	require.True(t, d.Admitted)
	require.NotNil(t, d.Job)

	// (4*30s + 2*1m) * 1.0 = 4m
	assert.Equal(t, 4*time.Minute, d.Delay)
	assert.Equal(t, now.Add(4*time.Minute), d.Job.ScheduledFor)
	assert.Equal(t, jobs.StatusQueued, d.Job.Status)
	assert.Equal(t, jobs.PriorityNormal, d.Job.Priority)
	assert.Equal(t, "ui", d.Job.Metadata["source"])
	snap, ok := d.Job.Metadata["admissionSnapshot"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4, snap["queued"])

	stored, err := repo.GetByID(context.Background(), d.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, "deal-1", stored.DealID)
}

func TestAdmitDedupWithinWindow(t *testing.T) {
	repo := jobs.NewMemoryRepo()
	c := newTestController(repo, health.NewService(repo, health.DefaultThresholds()))
	ctx := context.Background()

	first, err := c.Admit(ctx, Request{DealID: "deal-1", FundID: "fund-1"})
	require.NoError(t, err)
	require.True(t, first.Admitted)

	second, err := c.Admit(ctx, Request{DealID: "deal-1", FundID: "fund-1"})
	require.NoError(t, err)
	assert.False(t, second.Admitted)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Equal(t, jobs.KindDuplicateSuppressed, second.Kind)
	assert.Equal(t, first.Job.ID, second.Job.ID)

	stats, err := repo.Stats(ctx, jobs.StatsQuery{Since: time.Time{}, StuckBefore: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued+stats.Processing)
}

func TestAdmitAfterDedupWindowCreatesNewJob(t *testing.T) {
	repo := jobs.NewMemoryRepo()
	c := newTestController(repo, stubHealth{})
	now := time.Now().UTC()
	repo.Put(jobs.Job{ID: "old", DealID: "deal-1", Status: jobs.StatusQueued, CreatedAt: now.Add(-6 * time.Minute), ScheduledFor: now})
	c.Now = func() time.Time { return now }

	d, err := c.Admit(context.Background(), Request{DealID: "deal-1"})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.NotEqual(t, "old", d.Job.ID)
}

func TestAdmitConcurrentEnqueueYieldsOneJob(t *testing.T) {
	repo := jobs.NewMemoryRepo()
	c := newTestController(repo, stubHealth{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Admit(context.Background(), Request{DealID: "deal-1"})
			if err != nil {
				t.Errorf("Admit: %v", err)
				return
			}
			if d.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else if d.Reason != ReasonDuplicate {
				t.Errorf("unexpected reason %q", d.Reason)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestAdmitCircuitBreaker(t *testing.T) {
	tests := []struct {
		name string
		snap health.Snapshot
		want string
	}{
		{name: "queue overloaded", snap: health.Snapshot{TotalQueued: 51}, want: health.ReasonQueueOverloaded},
		{name: "too many processing", snap: health.Snapshot{ProcessingItems: 11}, want: health.ReasonTooManyActive},
		{name: "stuck", snap: health.Snapshot{StuckItems: 4}, want: health.ReasonStuckItems},
		{name: "failure rate", snap: health.Snapshot{FailureRate: 0.5}, want: health.ReasonFailureRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := jobs.NewMemoryRepo()
			c := newTestController(repo, stubHealth{snap: tt.snap})

			d, err := c.Admit(context.Background(), Request{DealID: "deal-1"})
			require.NoError(t, err)
			assert.False(t, d.Admitted)
			assert.Equal(t, tt.want, d.Reason)
			assert.Equal(t, jobs.KindAdmissionBlocked, d.Kind)
			assert.Nil(t, d.Job)

			_, err = repo.FindActiveForDeal(context.Background(), "deal-1")
			assert.ErrorIs(t, err, jobs.ErrNotFound)
		})
	}
}

func TestAdmitBreakerWithRealStore(t *testing.T) {
	repo := jobs.NewMemoryRepo()
	now := time.Now().UTC()
	for i := 0; i < 51; i++ {
		repo.Put(jobs.Job{ID: fmt.Sprintf("q-%d", i), DealID: fmt.Sprintf("d-%d", i), Status: jobs.StatusQueued, CreatedAt: now, ScheduledFor: now})
	}
	c := newTestController(repo, health.NewService(repo, health.DefaultThresholds()))

	d, err := c.Admit(context.Background(), Request{DealID: "deal-new"})
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, "queue overloaded", d.Reason)
}

func TestAdmitFailsClosedWhenStatsUnavailable(t *testing.T) {
	repo := jobs.NewMemoryRepo()
	c := newTestController(repo, stubHealth{err: errors.New("connection refused")})

	d, err := c.Admit(context.Background(), Request{DealID: "deal-1"})
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.True(t, d.FailClosed)
	assert.Equal(t, ReasonHealthUnavailable, d.Reason)
}

func TestAdmitRequiresDealID(t *testing.T) {
	c := newTestController(jobs.NewMemoryRepo(), stubHealth{})
	_, err := c.Admit(context.Background(), Request{DealID: "  "})
	assert.Error(t, err)
}

func TestDelayBounds(t *testing.T) {
	c := newTestController(jobs.NewMemoryRepo(), stubHealth{})
	for _, p := range []jobs.Priority{jobs.PriorityHigh, jobs.PriorityNormal, jobs.PriorityLow} {
		for q := 0; q <= 200; q += 7 {
			for proc := 0; proc <= 40; proc += 3 {
				d := c.Delay(q, proc, p)
				require.GreaterOrEqual(t, d, time.Minute, "q=%d p=%d prio=%s", q, proc, p)
				require.LessOrEqual(t, d, 30*time.Minute, "q=%d p=%d prio=%s", q, proc, p)
			}
		}
	}
}

func TestDelayPriorityMultiplier(t *testing.T) {
	c := newTestController(jobs.NewMemoryRepo(), stubHealth{})
	// base = 8*30s + 4*1m = 8m
	assert.Equal(t, 2*time.Minute, c.Delay(8, 4, jobs.PriorityHigh))
	assert.Equal(t, 8*time.Minute, c.Delay(8, 4, jobs.PriorityNormal))
	assert.Equal(t, 16*time.Minute, c.Delay(8, 4, jobs.PriorityLow))
	assert.Equal(t, time.Minute, c.Delay(0, 0, jobs.PriorityLow))
	assert.Equal(t, 30*time.Minute, c.Delay(100, 10, jobs.PriorityLow))
}
