package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL string

	ArchiveStoreType string
	LocalStoreDir    string
	AWSRegion        string
	S3Bucket         string
	S3Prefix         string
	SSEKMSKeyID      string

	EngineBaseURL string
	EngineAPIKey  string
	Engines       []string
	EngineTimeout time.Duration
	EngineDelay   time.Duration

	WorkerConcurrency int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxAttempts       int
	ShutdownTimeout   time.Duration

	DedupWindow       time.Duration
	ProcessingTimeout time.Duration
	QueuedTimeout     time.Duration
	SweepInterval     time.Duration
	FailedRetention   time.Duration
	HealthInterval    time.Duration

	DefaultRecency time.Duration

	EnqueueRatePerSecond float64
	EnqueueBurst         int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")
	return fromEnv()
}

// LoadFile loads the given env file (if present) before reading the environment.
func LoadFile(path string) Config {
	if strings.TrimSpace(path) != "" {
		loadEnvFiles(path)
	}
	return fromEnv()
}

func fromEnv() Config {
	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:     getEnv("PORT", "8080"),
		Env:      env,
		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),

		DatabaseURL: dbURL,

		ArchiveStoreType: normalizeStoreType(getEnv("ARCHIVE_STORE", "none")),
		LocalStoreDir:    getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:        getEnv("AWS_REGION", ""),
		S3Bucket:         getEnv("S3_BUCKET", ""),
		S3Prefix:         getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:      getEnv("SSE_KMS_KEY_ID", ""),

		EngineBaseURL: strings.TrimRight(getEnv("ENGINE_BASE_URL", ""), "/"),
		EngineAPIKey:  getEnv("ENGINE_API_KEY", ""),
		Engines:       splitAndTrim(getEnv("ENGINES", "market_intelligence,financial_analysis,team_research,thesis_alignment")),
		EngineTimeout: getDuration("ENGINE_TIMEOUT", 2*time.Minute),
		EngineDelay:   getDuration("ENGINE_DELAY", 2*time.Second),

		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 3),
		PollInterval:      getDuration("WORKER_POLL_INTERVAL", 5*time.Second),
		HeartbeatInterval: getDuration("WORKER_HEARTBEAT_INTERVAL", 30*time.Second),
		MaxAttempts:       getInt("WORKER_MAX_ATTEMPTS", 3),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DedupWindow:       getDuration("ADMISSION_DEDUP_WINDOW", 5*time.Minute),
		ProcessingTimeout: getDuration("RECLAIM_PROCESSING_TIMEOUT", 15*time.Minute),
		QueuedTimeout:     getDuration("RECLAIM_QUEUED_TIMEOUT", 2*time.Hour),
		SweepInterval:     getDuration("RECLAIM_SWEEP_INTERVAL", 30*time.Second),
		FailedRetention:   getDuration("RECLAIM_FAILED_RETENTION", 24*time.Hour),
		HealthInterval:    getDuration("HEALTH_REPORT_INTERVAL", time.Minute),

		DefaultRecency: getDuration("EVIDENCE_DEFAULT_RECENCY", 90*24*time.Hour),

		EnqueueRatePerSecond: getFloat("ENQUEUE_RATE_PER_SECOND", 2),
		EnqueueBurst:         getInt("ENQUEUE_BURST", 10),
	}
}

// IsDevLike reports whether the environment tolerates in-memory fallbacks.
func (c Config) IsDevLike() bool {
	switch c.Env {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func loadEnvFiles(paths ...string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		// Existing environment variables win over file values.
		if err := godotenv.Load(path); err != nil {
			log.Printf("config: load %s: %v", path, err)
		}
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: %s invalid int: %v", key, err)
		return def
	}
	return val
}

func getFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("config: %s invalid float: %v", key, err)
		return def
	}
	return val
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil || val <= 0 {
		log.Printf("config: %s invalid duration %q", key, raw)
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	case "local":
		return "local"
	default:
		return "none"
	}
}
