package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const jobColumns = `id, deal_id, fund_id, status, priority, trigger_reason, attempts, worker_id,
       error_message, block_code, result, metadata, created_at, scheduled_for,
       started_at, heartbeat_at, completed_at, updated_at`

// CreateIfNoActive inserts the job unless a recent active job exists for the deal.
func (r *PGRepo) CreateIfNoActive(ctx context.Context, job Job, activeSince time.Time) (Job, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	defer tx.Rollback()

	// Serialize per-deal to avoid duplicate enqueues.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, job.DealID); err != nil {
		return Job{}, false, err
	}

	existing, err := scanJob(tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM analysis_jobs
WHERE deal_id = $1 AND status IN ('queued', 'processing')
ORDER BY created_at DESC
LIMIT 1`, job.DealID))
	switch {
	case err == nil:
		if !existing.CreatedAt.Before(activeSince) {
			if err := tx.Commit(); err != nil {
				return Job{}, false, err
			}
			return existing, false, nil
		}
	case !errors.Is(err, ErrNotFound):
		return Job{}, false, err
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// GetByID returns a job by ID.
func (r *PGRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM analysis_jobs
WHERE id = $1`, jobID))
}

// FindActiveForDeal returns the newest queued or processing job for a deal.
func (r *PGRepo) FindActiveForDeal(ctx context.Context, dealID string) (Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM analysis_jobs
WHERE deal_id = $1 AND status IN ('queued', 'processing')
ORDER BY created_at DESC
LIMIT 1`, dealID))
}

// Stats computes rolling counts for jobs created since q.Since.
func (r *PGRepo) Stats(ctx context.Context, q StatsQuery) (WindowStats, error) {
	const query = `
SELECT
    COUNT(*) FILTER (WHERE status = 'queued'),
    COUNT(*) FILTER (WHERE status = 'processing'),
    COUNT(*) FILTER (WHERE status = 'completed'),
    COUNT(*) FILTER (WHERE status = 'failed'),
    COUNT(*) FILTER (WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at) < $3),
    COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
        FILTER (WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL), 0)
FROM analysis_jobs
WHERE created_at >= $1 AND ($2 = '' OR fund_id = $2)`

	var stats WindowStats
	var avgSeconds float64
	err := r.DB.QueryRowContext(ctx, query, q.Since, q.FundID, q.StuckBefore).Scan(
		&stats.Queued,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Stuck,
		&avgSeconds,
	)
	if err != nil {
		return WindowStats{}, err
	}
	stats.AverageProcessingTime = time.Duration(avgSeconds * float64(time.Second))
	return stats, nil
}

// ListEligible returns queued jobs whose scheduled time has passed.
func (r *PGRepo) ListEligible(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.queryJobs(ctx, `
SELECT `+jobColumns+`
FROM analysis_jobs
WHERE status = 'queued' AND scheduled_for <= $1
ORDER BY scheduled_for ASC
LIMIT $2`, now, limit)
}

// Claim atomically moves a queued job to processing.
func (r *PGRepo) Claim(ctx context.Context, jobID, workerID string, now time.Time) (Job, error) {
	job, err := scanJob(r.DB.QueryRowContext(ctx, `
UPDATE analysis_jobs
SET status = 'processing',
    worker_id = $2,
    started_at = $3,
    heartbeat_at = $3,
    updated_at = $3
WHERE id = $1 AND status = 'queued'
RETURNING `+jobColumns, jobID, workerID, now))
	if errors.Is(err, ErrNotFound) {
		return Job{}, ErrClaimLost
	}
	return job, err
}

// Heartbeat touches heartbeat_at while the worker still owns the job.
func (r *PGRepo) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) error {
	return r.execOwned(ctx, `
UPDATE analysis_jobs
SET heartbeat_at = $3,
    updated_at = $3
WHERE id = $1 AND worker_id = $2 AND status = 'processing'`, jobID, workerID, now)
}

// Complete marks an owned job completed with its result.
func (r *PGRepo) Complete(ctx context.Context, jobID, workerID string, result map[string]any, now time.Time) error {
	payload, err := marshalJSONB(result)
	if err != nil {
		return err
	}
	return r.execOwned(ctx, `
UPDATE analysis_jobs
SET status = 'completed',
    result = $3::jsonb,
    completed_at = $4,
    updated_at = $4
WHERE id = $1 AND worker_id = $2 AND status = 'processing'`, jobID, workerID, payload, now)
}

// Fail marks an owned job failed.
func (r *PGRepo) Fail(ctx context.Context, jobID, workerID string, failure Failure, now time.Time) error {
	return r.execOwned(ctx, `
UPDATE analysis_jobs
SET status = 'failed',
    block_code = $3,
    error_message = $4,
    completed_at = $5,
    updated_at = $5
WHERE id = $1 AND worker_id = $2 AND status = 'processing'`, jobID, workerID, failure.BlockCode, failure.Message, now)
}

func (r *PGRepo) execOwned(ctx context.Context, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReclaimStale requeues processing jobs without a recent heartbeat.
func (r *PGRepo) ReclaimStale(ctx context.Context, staleBefore, rescheduleAt time.Time) ([]Job, error) {
	return r.queryJobs(ctx, `
UPDATE analysis_jobs
SET status = 'queued',
    attempts = attempts + 1,
    scheduled_for = $2,
    worker_id = '',
    started_at = NULL,
    heartbeat_at = NULL,
    updated_at = now()
WHERE status = 'processing' AND COALESCE(heartbeat_at, started_at, created_at) < $1
RETURNING `+jobColumns, staleBefore, rescheduleAt)
}

// ListStarved returns queued jobs created before the cutoff.
func (r *PGRepo) ListStarved(ctx context.Context, createdBefore time.Time) ([]Job, error) {
	return r.queryJobs(ctx, `
SELECT `+jobColumns+`
FROM analysis_jobs
WHERE status = 'queued' AND created_at < $1
ORDER BY created_at ASC`, createdBefore)
}

// DeleteFailedBefore removes failed jobs that finished before the cutoff.
func (r *PGRepo) DeleteFailedBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
DELETE FROM analysis_jobs
WHERE status = 'failed' AND COALESCE(completed_at, created_at) < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetProcessingStartedBefore requeues processing jobs started before the cutoff.
func (r *PGRepo) ResetProcessingStartedBefore(ctx context.Context, before, rescheduleAt time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
UPDATE analysis_jobs
SET status = 'queued',
    attempts = attempts + 1,
    scheduled_for = $2,
    worker_id = '',
    started_at = NULL,
    heartbeat_at = NULL,
    updated_at = now()
WHERE status = 'processing' AND started_at < $1`, before, rescheduleAt)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ScheduleQueuedNow makes every future-scheduled queued job eligible immediately.
func (r *PGRepo) ScheduleQueuedNow(ctx context.Context, now time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
UPDATE analysis_jobs
SET scheduled_for = $1,
    updated_at = $1
WHERE status = 'queued' AND scheduled_for > $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PGRepo) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

var _ Repo = (*PGRepo)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var priority string
	var errorMessage sql.NullString
	var result sql.NullString
	var metadata sql.NullString
	var startedAt sql.NullTime
	var heartbeatAt sql.NullTime
	var completedAt sql.NullTime
	err := row.Scan(
		&j.ID,
		&j.DealID,
		&j.FundID,
		&j.Status,
		&priority,
		&j.TriggerReason,
		&j.Attempts,
		&j.WorkerID,
		&errorMessage,
		&j.BlockCode,
		&result,
		&metadata,
		&j.CreatedAt,
		&j.ScheduledFor,
		&startedAt,
		&heartbeatAt,
		&completedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	j.Priority = Priority(priority)
	if errorMessage.Valid {
		j.ErrorMessage = &errorMessage.String
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &j.Result); err != nil {
			j.Result = nil
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &j.Metadata); err != nil {
			j.Metadata = nil
		}
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if heartbeatAt.Valid {
		j.HeartbeatAt = &heartbeatAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return j, nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job Job) error {
	const query = `
INSERT INTO analysis_jobs (
	id, deal_id, fund_id, status, priority, trigger_reason, attempts,
	metadata, created_at, scheduled_for, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	metadata, err := marshalJSONB(job.Metadata)
	if err != nil {
		return err
	}
	updatedAt := job.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = job.CreatedAt
	}
	_, err = tx.ExecContext(ctx, query,
		job.ID,
		job.DealID,
		job.FundID,
		job.Status,
		string(job.Priority),
		job.TriggerReason,
		job.Attempts,
		metadata,
		job.CreatedAt,
		job.ScheduledFor,
		updatedAt,
	)
	return err
}

func marshalJSONB(value map[string]any) ([]byte, error) {
	if value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(value)
}
