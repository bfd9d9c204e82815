package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"dealflow-backend/internal/engines"
	"dealflow-backend/internal/jobs"
	"dealflow-backend/internal/shared/config"
)

func devConfig() config.Config {
	return config.Config{
		Env:               "dev",
		ArchiveStoreType:  "none",
		Engines:           []string{"market_intelligence"},
		EngineTimeout:     time.Second,
		WorkerConcurrency: 1,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: time.Second,
		MaxAttempts:       3,
		ShutdownTimeout:   time.Second,
		DedupWindow:       5 * time.Minute,
		ProcessingTimeout: 15 * time.Minute,
		QueuedTimeout:     2 * time.Hour,
		SweepInterval:     time.Hour,
		FailedRetention:   24 * time.Hour,
		HealthInterval:    time.Hour,
	}
}

func TestBuildDevUsesMemoryAndPlaceholderEngines(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, err := Build(context.Background(), devConfig(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()
	if app.Pipeline.Waker != nil {
		t.Fatalf("waker should be nil until a worker is attached")
	}
	app.AttachWorker()

	if app.DB != nil {
		t.Fatalf("expected no database in dev without DATABASE_URL")
	}
	if _, ok := app.Jobs.(*jobs.MemoryRepo); !ok {
		t.Fatalf("expected memory job repo, got %T", app.Jobs)
	}
	if app.Archive != nil {
		t.Fatalf("expected no archive store")
	}
	if _, ok := app.Dispatcher.Engines.(engines.PlaceholderRunner); !ok {
		t.Fatalf("expected placeholder runner, got %T", app.Dispatcher.Engines)
	}
	if app.Pipeline.Waker == nil {
		t.Fatalf("expected in-process dispatcher to be wired as waker")
	}
}

func TestBuildRequiresDatabaseOutsideDev(t *testing.T) {
	cfg := devConfig()
	cfg.Env = "production"
	if _, err := Build(context.Background(), cfg, Options{}); err == nil {
		t.Fatalf("expected error without DATABASE_URL in production")
	}
}

func TestBuildS3ArchiveRequiresBucket(t *testing.T) {
	cfg := devConfig()
	cfg.ArchiveStoreType = "s3"
	_, err := Build(context.Background(), cfg, Options{})
	if err == nil || !strings.Contains(err.Error(), "S3_BUCKET") {
		t.Fatalf("expected s3 config error, got %v", err)
	}
}

func TestBuildWrapsHTTPEnginesWithRetry(t *testing.T) {
	cfg := devConfig()
	cfg.EngineBaseURL = "http://engines.internal"
	app, err := Build(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := app.Dispatcher.Engines.(*engines.Retrying); !ok {
		t.Fatalf("expected retrying runner, got %T", app.Dispatcher.Engines)
	}
}

func TestEnqueuedJobFailsWithPlaceholderEngines(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, err := Build(context.Background(), devConfig(), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	app.AttachWorker()

	resp := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"dealId":"deal-1"}`))
	req.Header.Set("Content-Type", "application/json")
	app.Router.ServeHTTP(resp, req)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}

	var enqueued struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &enqueued); err != nil || enqueued.JobID == "" {
		t.Fatalf("decode enqueue response %q: %v", resp.Body.String(), err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunBackground(ctx) }()

	if _, err := app.Pipeline.ForceProcess(context.Background()); err != nil {
		t.Fatalf("ForceProcess: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got jobs.Job
	for time.Now().Before(deadline) {
		got, err = app.Jobs.GetByID(context.Background(), enqueued.JobID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if !got.IsActive() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunBackground: %v", err)
	}

	if got.Status != jobs.StatusFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}
	if got.BlockCode != jobs.BlockEngineFailure {
		t.Fatalf("expected engine_failure, got %q", got.BlockCode)
	}
}
