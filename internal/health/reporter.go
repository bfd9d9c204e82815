package health

import (
	"context"
	"sync"
	"time"

	"dealflow-backend/internal/shared/metrics"
	"dealflow-backend/internal/shared/telemetry"
)

// Reporter publishes snapshots on a fixed interval.
type Reporter struct {
	Service  *Service
	Interval time.Duration

	mu     sync.Mutex
	subs   []chan Snapshot
	latest *Snapshot
	closed bool
}

// NewReporter builds a Reporter; interval defaults to one minute.
func NewReporter(svc *Service, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{Service: svc, Interval: interval}
}

// Subscribe returns a channel receiving each new snapshot. Slow subscribers
// miss snapshots rather than block the reporter. After Run has returned the
// channel is already closed.
func (r *Reporter) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return ch
	}
	r.subs = append(r.subs, ch)
	return ch
}

// Latest returns the most recent snapshot, if any.
func (r *Reporter) Latest() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return Snapshot{}, false
	}
	return *r.latest, true
}

// Run reports immediately and then on every tick until ctx is done.
// Subscriber channels are closed on return.
func (r *Reporter) Run(ctx context.Context) error {
	defer r.closeSubscribers()

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.report(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	snap, err := r.Service.Snapshot(ctx, "")
	if err != nil {
		if ctx.Err() == nil {
			telemetry.Error("health.snapshot_failed", map[string]any{"error": err.Error()})
		}
		return
	}
	metrics.SetQueueGauges(snap.TotalQueued, snap.ProcessingItems, snap.StuckItems, snap.IsHealthy)
	if !snap.IsHealthy {
		telemetry.Warn("health.unhealthy", map[string]any{
			"queued":     snap.TotalQueued,
			"processing": snap.ProcessingItems,
			"stuck":      snap.StuckItems,
			"warnings":   snap.Warnings,
		})
	}
	r.publish(snap)
}

func (r *Reporter) publish(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = &snap
	for _, ch := range r.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale value so the subscriber sees the newest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (r *Reporter) closeSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}
