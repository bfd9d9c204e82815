package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"dealflow-backend/internal/admission"
	"dealflow-backend/internal/deals"
	"dealflow-backend/internal/dispatch"
	"dealflow-backend/internal/engines"
	"dealflow-backend/internal/evidence"
	"dealflow-backend/internal/health"
	"dealflow-backend/internal/jobs"
	"dealflow-backend/internal/pipeline"
	"dealflow-backend/internal/reclaim"
	"dealflow-backend/internal/safemode"
	"dealflow-backend/internal/schemagate"
	"dealflow-backend/internal/shared/config"
	"dealflow-backend/internal/shared/server"
	"dealflow-backend/internal/shared/storage/db"
	"dealflow-backend/internal/shared/storage/object"
	localstore "dealflow-backend/internal/shared/storage/object/local"
	s3store "dealflow-backend/internal/shared/storage/object/s3"
	"dealflow-backend/internal/shared/telemetry"
)

// App holds shared dependencies for every process.
type App struct {
	Config     config.Config
	Router     *gin.Engine
	DB         *sql.DB
	Archive    object.Archive
	Jobs       jobs.Repo
	Deals      deals.Repo
	Evidence   evidence.Store
	Health     *health.Service
	Reporter   *health.Reporter
	Admission  *admission.Controller
	Reclaimer  *reclaim.Reclaimer
	Dispatcher *dispatch.Dispatcher
	Pipeline   *pipeline.Service
	Handler    *pipeline.Handler
}

// Options selects per-process wiring.
type Options struct {
	DBOptions db.Options
}

// Build prepares shared dependencies and the router.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}

	sqlDB, err := buildDB(ctx, cfg, opts.DBOptions)
	if err != nil {
		return nil, err
	}

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		return nil, err
	}

	runner, err := buildRunner(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, DB: sqlDB, Archive: archive}
	if sqlDB != nil {
		app.Jobs = &jobs.PGRepo{DB: sqlDB}
		app.Deals = &deals.PGRepo{DB: sqlDB}
		app.Evidence = &evidence.PGStore{DB: sqlDB}
	} else {
		app.Jobs = jobs.NewMemoryRepo()
		app.Deals = deals.NewMemoryRepo()
		app.Evidence = evidence.NewMemoryStore()
	}

	thresholds := health.DefaultThresholds()
	thresholds.StuckAfter = cfg.ProcessingTimeout
	app.Health = health.NewService(app.Jobs, thresholds)
	app.Reporter = health.NewReporter(app.Health, cfg.HealthInterval)

	admissionCfg := admission.DefaultConfig()
	admissionCfg.DedupWindow = cfg.DedupWindow
	admissionCfg.Breaker = thresholds
	app.Admission = admission.NewController(app.Jobs, app.Health, admissionCfg)

	reclaimCfg := reclaim.DefaultConfig()
	reclaimCfg.SweepInterval = cfg.SweepInterval
	reclaimCfg.ProcessingTimeout = cfg.ProcessingTimeout
	reclaimCfg.QueuedTimeout = cfg.QueuedTimeout
	reclaimCfg.FailedRetention = cfg.FailedRetention
	app.Reclaimer = reclaim.New(app.Jobs, reclaimCfg)

	schemaGate := schemagate.NewGate(schemagate.DefaultRegistry())
	evidenceGate := evidence.NewGate(app.Evidence, app.Deals, archive)
	if days := int(cfg.DefaultRecency.Hours() / 24); days > 0 {
		evidenceGate.Config.FallbackRecencyDays = days
	}

	app.Dispatcher = dispatch.New(dispatch.Deps{
		Jobs:     app.Jobs,
		Deals:    app.Deals,
		Engines:  runner,
		Schema:   schemaGate,
		Sources:  app.Evidence,
		Evidence: evidenceGate,
		SafeMode: safemode.Analyzer{},
	}, dispatch.Config{
		MaxConcurrency:    cfg.WorkerConcurrency,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		EngineTimeout:     cfg.EngineTimeout,
		EngineDelay:       cfg.EngineDelay,
		MaxAttempts:       cfg.MaxAttempts,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Engines:           cfg.Engines,
	})

	app.Pipeline = &pipeline.Service{
		Admission: app.Admission,
		Health:    app.Health,
		Jobs:      app.Jobs,
		Deals:     app.Deals,
		Reclaimer: app.Reclaimer,
		Schema:    schemaGate,
		Evidence:  evidenceGate,
		Sources:   app.Evidence,
		SafeMode:  safemode.Analyzer{},
	}
	app.Handler = pipeline.NewHandler(app.Pipeline)

	var ready func(context.Context) error
	if sqlDB != nil {
		ready = sqlDB.PingContext
	}
	app.Router = server.NewRouter(server.RouterDeps{
		Config:   cfg,
		Pipeline: app.Handler,
		Ready:    ready,
	})

	telemetry.Info("bootstrap.ready", map[string]any{
		"env":         cfg.Env,
		"persistence": persistenceName(sqlDB),
		"archive":     cfg.ArchiveStoreType,
		"engines":     cfg.Engines,
		"engine_url":  cfg.EngineBaseURL != "",
	})
	return app, nil
}

// AttachWorker points ForceProcess and EmergencyDrain at this process's
// dispatcher. Callers that run RunBackground in-process use it.
func (a *App) AttachWorker() {
	a.Pipeline.Waker = a.Dispatcher
}

// RunBackground runs the dispatcher, reclaimer and health reporter until ctx
// is cancelled or one of them fails.
func (a *App) RunBackground(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Dispatcher.Run(gctx) })
	g.Go(func() error { return a.Reclaimer.Run(gctx) })
	g.Go(func() error { return a.Reporter.Run(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the database pool.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func buildDB(ctx context.Context, cfg config.Config, opts db.Options) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if cfg.IsDevLike() {
			telemetry.Warn("bootstrap.memory_repos", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if opts.MaxOpenConns == 0 {
		opts = db.DefaultServerOptions()
	}
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(opts))
	if err != nil {
		if cfg.IsDevLike() {
			telemetry.Warn("bootstrap.memory_repos", map[string]any{"reason": "database connect failed", "error": err.Error()})
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildArchive(ctx context.Context, cfg config.Config) (object.Archive, error) {
	switch cfg.ArchiveStoreType {
	case "s3":
		if strings.TrimSpace(cfg.AWSRegion) == "" || strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("ARCHIVE_STORE=s3 requires AWS_REGION and S3_BUCKET")
		}
		store, err := s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "local":
		return localstore.New(cfg.LocalStoreDir), nil
	default:
		return nil, nil
	}
}

func buildRunner(cfg config.Config) (engines.Runner, error) {
	if strings.TrimSpace(cfg.EngineBaseURL) == "" {
		return engines.PlaceholderRunner{}, nil
	}
	httpRunner, err := engines.NewHTTPRunner(cfg.EngineBaseURL, cfg.EngineAPIKey, cfg.EngineTimeout)
	if err != nil {
		return nil, err
	}
	return engines.NewRetrying(httpRunner), nil
}

func persistenceName(sqlDB *sql.DB) string {
	if sqlDB == nil {
		return "memory"
	}
	return "postgres"
}
