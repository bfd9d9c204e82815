package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow-backend/internal/bootstrap"
	"dealflow-backend/internal/deals"
	"dealflow-backend/internal/evidence"
	"dealflow-backend/internal/pipeline"
	"dealflow-backend/internal/shared/config"
)

func memoryApp(t *testing.T) *bootstrap.App {
	t.Helper()
	cfg := config.Config{
		Env:               "dev",
		ArchiveStoreType:  "none",
		Engines:           []string{"market_intelligence"},
		EngineTimeout:     time.Second,
		WorkerConcurrency: 1,
		PollInterval:      time.Second,
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
	app, err := bootstrap.Build(context.Background(), cfg, bootstrap.Options{})
	require.NoError(t, err)

	repo := app.Deals.(*deals.MemoryRepo)
	amount := 2_000_000.0
	repo.PutFund(deals.Fund{ID: "fund-1", FundType: deals.FundTypeVC, Industries: []string{"Fintech"}, Geographies: []string{"Germany"}})
	repo.PutDeal(deals.Deal{ID: "deal-1", FundID: "fund-1", Industry: "Fintech", Location: "Berlin, Germany", DealSize: &amount})
	return app
}

func run(t *testing.T, app *bootstrap.App, args ...string) (map[string]any, error) {
	t.Helper()
	prev := BuildApp
	BuildApp = func(context.Context, string) (*bootstrap.App, error) { return app, nil }
	t.Cleanup(func() { BuildApp = prev })

	var out bytes.Buffer
	root := Root()
	root.Writer = &out
	err := root.Run(context.Background(), append([]string{"pipelinectl"}, args...))
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded), out.String())
	return decoded, nil
}

func TestEnqueueThenShowJob(t *testing.T) {
	app := memoryApp(t)

	res, err := run(t, app, "enqueue", "--deal-id", "deal-1", "--fund-id", "fund-1", "--safe-mode")
	require.NoError(t, err)
	assert.Equal(t, true, res["queued"])
	jobID, _ := res["jobId"].(string)
	require.NotEmpty(t, jobID)

	job, err := run(t, app, "job", "show", "--id", jobID)
	require.NoError(t, err)
	assert.Equal(t, "queued", job["status"])
	meta, _ := job["metadata"].(map[string]any)
	assert.Equal(t, "safe_mode", meta["analysisMode"])

	again, err := run(t, app, "enqueue", "--deal-id", "deal-1", "--fund-id", "fund-1")
	require.NoError(t, err)
	assert.Equal(t, false, again["queued"])
}

func TestHealthAndMaintenanceCommands(t *testing.T) {
	app := memoryApp(t)

	snap, err := run(t, app, "health")
	require.NoError(t, err)
	assert.Equal(t, true, snap["isHealthy"])

	for cmd, key := range map[string]string{
		"force-process": "rescheduled",
		"drain-failed":  "drained",
		"reclaim":       "reclaimed",
	} {
		out, err := run(t, app, cmd)
		require.NoError(t, err, cmd)
		assert.EqualValues(t, 0, out[key], cmd)
	}
}

func TestEmergencyDrainNeedsConfirmation(t *testing.T) {
	app := memoryApp(t)

	_, err := run(t, app, "emergency-drain")
	require.Error(t, err)

	out, err := run(t, app, "emergency-drain", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "drained")
	assert.Contains(t, out, "reset")
}

func TestSafeModeScoresAgainstFund(t *testing.T) {
	app := memoryApp(t)

	out, err := run(t, app, "safe-mode", "--deal-id", "deal-1", "--fund-id", "fund-1")
	require.NoError(t, err)
	assert.Equal(t, true, out["safeMode"])
	assert.NotEmpty(t, out["thesisStatus"])

	_, err = run(t, app, "safe-mode", "--deal-id", "missing")
	require.Error(t, err)
}

func TestEvidenceHistoryUsesLocalArchive(t *testing.T) {
	app := memoryApp(t)
	_, err := run(t, app, "evidence-history", "--deal-id", "deal-1")
	require.ErrorIs(t, err, evidence.ErrArchiveDisabled)

	app.Config.ArchiveStoreType = "local"
	app.Config.LocalStoreDir = t.TempDir()
	app2, err := bootstrap.Build(context.Background(), app.Config, bootstrap.Options{})
	require.NoError(t, err)
	_, err = app2.Pipeline.ValidateEvidenceIntegrity(context.Background(), pipeline.EvidenceRequest{DealID: "deal-1"})
	require.NoError(t, err)

	out, err := run(t, app2, "evidence-history", "--deal-id", "deal-1")
	require.NoError(t, err)
	assert.Len(t, out["snapshots"], 1)
	latest, _ := out["latest"].(map[string]any)
	assert.Equal(t, "deal-1", latest["dealId"])
}
