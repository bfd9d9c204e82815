package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var pgJobColumns = []string{
	"id", "deal_id", "fund_id", "status", "priority", "trigger_reason", "attempts", "worker_id",
	"error_message", "block_code", "result", "metadata", "created_at", "scheduled_for",
	"started_at", "heartbeat_at", "completed_at", "updated_at",
}

func TestPGRepoCreateIfNoActiveInsertsWhenNoActiveJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	now := time.Now().UTC()
	job := newQueuedJob("job-1", "deal-1", now)
	job.Metadata = map[string]any{"admissionSnapshot": map[string]any{"queued": 0}}

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("deal-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM analysis_jobs").WithArgs("deal-1").WillReturnRows(sqlmock.NewRows(pgJobColumns))
	mock.ExpectExec("INSERT INTO analysis_jobs").
		WithArgs(
			job.ID,
			job.DealID,
			job.FundID,
			StatusQueued,
			"normal",
			"manual",
			0,
			sqlmock.AnyArg(), // metadata
			job.CreatedAt,
			job.ScheduledFor,
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, created, err := repo.CreateIfNoActive(context.Background(), job, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("CreateIfNoActive: %v", err)
	}
	if !created || got.ID != "job-1" {
		t.Fatalf("expected job to be created, got created=%v id=%s", created, got.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoCreateIfNoActiveReturnsRecentActiveJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	now := time.Now().UTC()
	existingCreated := now.Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("deal-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM analysis_jobs").WithArgs("deal-1").WillReturnRows(
		sqlmock.NewRows(pgJobColumns).AddRow(
			"job-0", "deal-1", "fund-1", StatusQueued, "normal", "manual", 0, "",
			nil, "", nil, []byte(`{"source":"scheduler"}`), existingCreated, existingCreated,
			nil, nil, nil, existingCreated,
		),
	)
	mock.ExpectCommit()

	got, created, err := repo.CreateIfNoActive(context.Background(), newQueuedJob("job-1", "deal-1", now), now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("CreateIfNoActive: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate to be suppressed")
	}
	if got.ID != "job-0" || got.MetadataString("source") != "scheduler" {
		t.Fatalf("unexpected existing job: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoClaimLostWhenNoRowUpdated(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	now := time.Now().UTC()
	mock.ExpectQuery("UPDATE analysis_jobs").
		WithArgs("job-1", "worker-a", now).
		WillReturnRows(sqlmock.NewRows(pgJobColumns))

	if _, err := repo.Claim(context.Background(), "job-1", "worker-a", now); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoHeartbeatRequiresOwnership(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	now := time.Now().UTC()
	mock.ExpectExec("SET heartbeat_at").
		WithArgs("job-1", "worker-a", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Heartbeat(context.Background(), "job-1", "worker-a", now); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGRepoStatsScansAverage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &PGRepo{DB: db}
	now := time.Now().UTC()
	q := StatsQuery{FundID: "fund-1", Since: now.Add(-24 * time.Hour), StuckBefore: now.Add(-15 * time.Minute)}
	mock.ExpectQuery(`COALESCE\(heartbeat_at, started_at\) < \$3`).
		WithArgs(q.Since, q.FundID, q.StuckBefore).
		WillReturnRows(sqlmock.NewRows([]string{"queued", "processing", "completed", "failed", "stuck", "avg"}).
			AddRow(4, 2, 10, 1, 1, 90.5))

	stats, err := repo.Stats(context.Background(), q)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Queued != 4 || stats.Processing != 2 || stats.Completed != 10 || stats.Failed != 1 || stats.Stuck != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AverageProcessingTime != 90500*time.Millisecond {
		t.Fatalf("unexpected average: %s", stats.AverageProcessingTime)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}
