package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("ENGINES", "")
	t.Setenv("ADMISSION_DEDUP_WINDOW", "")

	cfg := fromEnv()

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "none", cfg.ArchiveStoreType)
	assert.Equal(t, 5*time.Minute, cfg.DedupWindow)
	assert.Equal(t, 15*time.Minute, cfg.ProcessingTimeout)
	assert.Equal(t, 2*time.Hour, cfg.QueuedTimeout)
	assert.Equal(t, 2*time.Second, cfg.EngineDelay)
	assert.Equal(t, []string{"market_intelligence", "financial_analysis", "team_research", "thesis_alignment"}, cfg.Engines)
	assert.True(t, cfg.IsDevLike())
}

func TestLoadOverridesAndInvalidValues(t *testing.T) {
	t.Setenv("ENV", "prod")
	t.Setenv("WORKER_CONCURRENCY", "5")
	t.Setenv("RECLAIM_PROCESSING_TIMEOUT", "20m")
	t.Setenv("ENGINE_DELAY", "not-a-duration")
	t.Setenv("ARCHIVE_STORE", "S3")
	t.Setenv("ENGINE_BASE_URL", "http://engines.internal/")

	cfg := fromEnv()

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, 20*time.Minute, cfg.ProcessingTimeout)
	assert.Equal(t, 2*time.Second, cfg.EngineDelay)
	assert.Equal(t, "s3", cfg.ArchiveStoreType)
	assert.Equal(t, "http://engines.internal", cfg.EngineBaseURL)
	assert.False(t, cfg.IsDevLike())
}

func TestLoadFileKeepsExistingEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("WORKER_MAX_ATTEMPTS=7\nPORT=9999\n"), 0o600))
	t.Setenv("PORT", "7070")
	t.Setenv("WORKER_MAX_ATTEMPTS", "")
	require.NoError(t, os.Unsetenv("WORKER_MAX_ATTEMPTS"))

	cfg := LoadFile(path)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 7, cfg.MaxAttempts)
}
