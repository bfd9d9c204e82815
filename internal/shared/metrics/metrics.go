package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	admissionAdmittedTotal     atomic.Uint64
	admissionRejectedTotal     atomic.Uint64
	admissionDeduplicatedTotal atomic.Uint64

	jobsStartedTotal   atomic.Uint64
	jobsCompletedTotal atomic.Uint64
	jobsFailedTotal    atomic.Uint64
	jobsReclaimedTotal atomic.Uint64
	claimsLostTotal    atomic.Uint64

	schemaGateFailuresTotal atomic.Uint64
	evidenceGateBlocksTotal atomic.Uint64
	safeModeRunsTotal       atomic.Uint64

	queueQueued     atomic.Int64
	queueProcessing atomic.Int64
	queueStuck      atomic.Int64
	queueHealthy    atomic.Int64

	jobDuration    = newHistogram([]float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000})
	engineDuration = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000})
)

func IncAdmitted() { admissionAdmittedTotal.Add(1) }
func IncRejected() { admissionRejectedTotal.Add(1) }
func IncDeduplicated() { admissionDeduplicatedTotal.Add(1) }
func IncJobStarted() { jobsStartedTotal.Add(1) }
func IncJobCompleted() { jobsCompletedTotal.Add(1) }
func IncJobFailed() { jobsFailedTotal.Add(1) }
func IncClaimLost() { claimsLostTotal.Add(1) }
func IncSchemaFailure() { schemaGateFailuresTotal.Add(1) }
func IncEvidenceBlock() { evidenceGateBlocksTotal.Add(1) }
func IncSafeModeRun() { safeModeRunsTotal.Add(1) }

// AddReclaimed records jobs reset by the zombie reclaimer.
func AddReclaimed(n int) {
	if n > 0 {
		jobsReclaimedTotal.Add(uint64(n))
	}
}

// SetQueueGauges publishes the latest health snapshot counts.
func SetQueueGauges(queued, processing, stuck int, healthy bool) {
	queueQueued.Store(int64(queued))
	queueProcessing.Store(int64(processing))
	queueStuck.Store(int64(stuck))
	if healthy {
		queueHealthy.Store(1)
	} else {
		queueHealthy.Store(0)
	}
}

// ObserveJobDurationMs records a job's processing duration in milliseconds.
func ObserveJobDurationMs(value float64) {
	jobDuration.Observe(clampNonNegative(value))
}

// ObserveEngineDurationMs records a single engine call in milliseconds.
func ObserveEngineDurationMs(value float64) {
	engineDuration.Observe(clampNonNegative(value))
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "admission_admitted_total", "Jobs admitted to the queue", admissionAdmittedTotal.Load())
	writeCounter(&buf, "admission_rejected_total", "Jobs rejected by the circuit breaker or fail-closed health check", admissionRejectedTotal.Load())
	writeCounter(&buf, "admission_deduplicated_total", "Enqueue calls suppressed by the dedup window", admissionDeduplicatedTotal.Load())
	writeCounter(&buf, "jobs_started_total", "Jobs claimed by a worker", jobsStartedTotal.Load())
	writeCounter(&buf, "jobs_completed_total", "Jobs completed", jobsCompletedTotal.Load())
	writeCounter(&buf, "jobs_failed_total", "Jobs failed", jobsFailedTotal.Load())
	writeCounter(&buf, "jobs_reclaimed_total", "Zombie jobs returned to the queue", jobsReclaimedTotal.Load())
	writeCounter(&buf, "jobs_claim_lost_total", "Results discarded because the worker lost its claim", claimsLostTotal.Load())
	writeCounter(&buf, "schema_gate_failures_total", "Engine payloads rejected by the schema gate", schemaGateFailuresTotal.Load())
	writeCounter(&buf, "evidence_gate_blocks_total", "Jobs blocked by the evidence integrity gate", evidenceGateBlocksTotal.Load())
	writeCounter(&buf, "safe_mode_runs_total", "Safe-mode analyses produced", safeModeRunsTotal.Load())
	writeGauge(&buf, "queue_queued", "Queued jobs in the rolling window", queueQueued.Load())
	writeGauge(&buf, "queue_processing", "Processing jobs in the rolling window", queueProcessing.Load())
	writeGauge(&buf, "queue_stuck", "Processing jobs past the stuck threshold", queueStuck.Load())
	writeGauge(&buf, "queue_healthy", "1 when the last health snapshot was healthy", queueHealthy.Load())
	writeHistogram(&buf, "job_duration_ms", "Job processing duration in milliseconds", jobDuration.Snapshot())
	writeHistogram(&buf, "engine_duration_ms", "Engine call duration in milliseconds", engineDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe counts value in its own bucket; Render accumulates.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeGauge(buf *bytes.Buffer, name, help string, value int64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s gauge\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// SinceMillis returns the elapsed milliseconds since start.
func SinceMillis(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
