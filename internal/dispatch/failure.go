package dispatch

import (
	"context"
	"errors"

	"dealflow-backend/internal/deals"
	"dealflow-backend/internal/jobs"
	"dealflow-backend/internal/shared/metrics"
	"dealflow-backend/internal/shared/telemetry"
	"dealflow-backend/internal/shared/util"
)

// classifyFailure maps a pipeline error to the persisted block code.
func classifyFailure(err error) (jobs.Kind, string) {
	var ae *jobs.AnalysisError
	if errors.As(err, &ae) {
		code := ae.BlockCode
		if code == "" {
			code = jobs.BlockEngineFailure
		}
		return ae.Kind, code
	}
	return jobs.KindEngineFailure, jobs.BlockEngineFailure
}

// dealStatusFor returns the deal queue status after a failure. Evidence
// blocks need new evidence rather than a retry.
func dealStatusFor(kind jobs.Kind) string {
	if kind == jobs.KindEvidenceBlock {
		return deals.QueueStatusBlocked
	}
	return deals.QueueStatusFailed
}

func (d *Dispatcher) fail(ctx context.Context, job jobs.Job, cause error) {
	kind, code := classifyFailure(cause)
	msg := util.SanitizeError(cause)
	if err := d.Jobs.Fail(ctx, job.ID, d.WorkerID, jobs.Failure{BlockCode: code, Message: msg}, d.Now()); err != nil {
		if errors.Is(err, jobs.ErrClaimLost) {
			metrics.IncClaimLost()
			telemetry.Warn("job.result_discarded", map[string]any{"job_id": job.ID})
			return
		}
		telemetry.Error("job.fail_failed", map[string]any{"job_id": job.ID, "error": err.Error()})
		return
	}
	d.setDealStatus(ctx, job.DealID, dealStatusFor(kind))
	metrics.IncJobFailed()

	retryable := false
	var ae *jobs.AnalysisError
	if errors.As(cause, &ae) {
		retryable = ae.Retryable() && code != jobs.BlockMaxAttempts
	}
	logStatus(job, jobs.StatusFailed, map[string]any{
		"kind":       string(kind),
		"block_code": code,
		"retryable":  retryable,
		"error":      msg,
	})
}
