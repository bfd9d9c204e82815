package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dealflow-backend/internal/deals"
	"dealflow-backend/internal/engines"
	"dealflow-backend/internal/evidence"
	"dealflow-backend/internal/jobs"
	"dealflow-backend/internal/safemode"
	"dealflow-backend/internal/schemagate"
	"dealflow-backend/internal/shared/metrics"
	"dealflow-backend/internal/shared/telemetry"
)

// ModeSafe in job metadata "analysisMode" selects the safe-mode path.
const ModeSafe = "safe_mode"

// Config controls the worker pool.
type Config struct {
	MaxConcurrency    int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	EngineTimeout     time.Duration
	EngineDelay       time.Duration
	MaxAttempts       int
	ShutdownTimeout   time.Duration
	Engines           []string
}

// DefaultConfig returns the standard pool settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:    3,
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		EngineTimeout:     2 * time.Minute,
		EngineDelay:       2 * time.Second,
		MaxAttempts:       3,
		ShutdownTimeout:   30 * time.Second,
		Engines:           append([]string(nil), engines.DefaultEngines...),
	}
}

// Deps are the collaborators a Dispatcher drives.
type Deps struct {
	Jobs     jobs.Repo
	Deals    deals.Repo
	Engines  engines.Runner
	Schema   *schemagate.Gate
	Sources  evidence.Store
	Evidence *evidence.Gate
	SafeMode safemode.Analyzer
}

// Dispatcher claims eligible jobs and runs them on a bounded pool.
type Dispatcher struct {
	Deps
	Config   Config
	WorkerID string
	Now      func() time.Time

	wake     chan struct{}
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]struct{}
}

// New builds a Dispatcher with a random worker id.
func New(deps Deps, cfg Config) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Dispatcher{
		Deps:     deps,
		Config:   cfg,
		WorkerID: "worker-" + uuid.NewString(),
		Now:      func() time.Time { return time.Now().UTC() },
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		inflight: make(map[string]struct{}),
	}
}

// Wake triggers an immediate poll.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done, then waits up to ShutdownTimeout for
// in-flight jobs. Jobs still running after that are abandoned to the
// reclaimer.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	telemetry.Info("dispatch.started", map[string]any{
		"worker_id":   d.WorkerID,
		"concurrency": d.Config.MaxConcurrency,
		"engines":     d.Config.Engines,
	})

	ticker := time.NewTicker(d.Config.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.poll(ctx, jobCtx); err != nil && ctx.Err() == nil {
			telemetry.Error("dispatch.poll_failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			d.shutdown(cancelJobs)
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) shutdown(cancelJobs context.CancelFunc) {
	telemetry.Info("dispatch.shutdown", map[string]any{"timeout": d.Config.ShutdownTimeout.String()})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.Config.ShutdownTimeout):
		telemetry.Warn("dispatch.shutdown_timeout", map[string]any{"worker_id": d.WorkerID})
		cancelJobs()
		<-done
	}
}

// poll dispatches eligible jobs until the pool is full or none are left.
func (d *Dispatcher) poll(ctx, jobCtx context.Context) error {
	eligible, err := d.Jobs.ListEligible(ctx, d.Now(), d.Config.MaxConcurrency*2)
	if err != nil {
		return err
	}
	for _, job := range eligible {
		if !d.track(job.ID) {
			continue
		}
		select {
		case <-ctx.Done():
			d.untrack(job.ID)
			return nil
		case d.sem <- struct{}{}:
		}
		d.wg.Add(1)
		go func(j jobs.Job) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			defer d.untrack(j.ID)
			d.Process(jobCtx, j)
		}(job)
	}
	return nil
}

// Wait blocks until every dispatched job has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// PollOnce dispatches one batch. Callers use Wait to join it.
func (d *Dispatcher) PollOnce(ctx context.Context) error {
	return d.poll(ctx, ctx)
}

func (d *Dispatcher) track(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

// Process claims and runs one job end to end.
func (d *Dispatcher) Process(ctx context.Context, job jobs.Job) {
	claimed, err := d.Jobs.Claim(ctx, job.ID, d.WorkerID, d.Now())
	if err != nil {
		if !errors.Is(err, jobs.ErrClaimLost) {
			telemetry.Error("job.claim_failed", map[string]any{"job_id": job.ID, "error": err.Error()})
		}
		return
	}
	started := time.Now()
	metrics.IncJobStarted()
	logStatus(claimed, jobs.StatusProcessing, nil)

	runCtx, cancel := context.WithCancelCause(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		d.heartbeat(runCtx, cancel, claimed.ID)
	}()
	defer func() {
		cancel(nil)
		<-hbDone
	}()

	d.setDealStatus(ctx, claimed.DealID, deals.QueueStatusProcessing)

	result, err := d.execute(runCtx, claimed)
	if cause := context.Cause(runCtx); cause != nil {
		// Claim lost or shutdown: the row is no longer ours to finish.
		telemetry.Warn("job.abandoned", map[string]any{
			"job_id": claimed.ID,
			"reason": cause.Error(),
		})
		if errors.Is(cause, jobs.ErrClaimLost) {
			metrics.IncClaimLost()
		}
		return
	}
	if err != nil {
		d.fail(ctx, claimed, err)
		return
	}

	if err := d.Jobs.Complete(ctx, claimed.ID, d.WorkerID, result, d.Now()); err != nil {
		if errors.Is(err, jobs.ErrClaimLost) {
			metrics.IncClaimLost()
			telemetry.Warn("job.result_discarded", map[string]any{"job_id": claimed.ID})
			return
		}
		telemetry.Error("job.complete_failed", map[string]any{"job_id": claimed.ID, "error": err.Error()})
		return
	}
	d.setDealStatus(ctx, claimed.DealID, deals.QueueStatusCompleted)
	metrics.IncJobCompleted()
	metrics.ObserveJobDurationMs(metrics.SinceMillis(started))
	logStatus(claimed, jobs.StatusCompleted, map[string]any{"duration_ms": time.Since(started).Milliseconds()})
}

func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, jobID string) {
	ticker := time.NewTicker(d.Config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.Jobs.Heartbeat(context.WithoutCancel(ctx), jobID, d.WorkerID, d.Now())
			if errors.Is(err, jobs.ErrClaimLost) {
				cancel(jobs.ErrClaimLost)
				return
			}
			if err != nil {
				telemetry.Warn("job.heartbeat_failed", map[string]any{"job_id": jobID, "error": err.Error()})
			}
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, job jobs.Job) (map[string]any, error) {
	if job.Attempts >= d.Config.MaxAttempts {
		return nil, &jobs.AnalysisError{
			Kind:      jobs.KindEngineFailure,
			BlockCode: jobs.BlockMaxAttempts,
			Reason:    fmt.Sprintf("exceeded %d attempts", d.Config.MaxAttempts),
		}
	}

	deal, fund, err := d.loadContext(ctx, job)
	if err != nil {
		return nil, jobs.NewEngineFailure("context", err)
	}

	if job.MetadataString("analysisMode") == ModeSafe {
		return d.runSafeMode(job, deal, fund)
	}
	return d.runEngines(ctx, job, deal, fund)
}

func (d *Dispatcher) loadContext(ctx context.Context, job jobs.Job) (deals.Deal, deals.Fund, error) {
	deal, err := d.Deals.GetDeal(ctx, job.DealID)
	if err != nil {
		return deals.Deal{}, deals.Fund{}, fmt.Errorf("load deal %s: %w", job.DealID, err)
	}
	fundID := job.FundID
	if fundID == "" {
		fundID = deal.FundID
	}
	fund, err := d.Deals.GetFund(ctx, fundID)
	if err != nil {
		if !errors.Is(err, deals.ErrNotFound) {
			return deals.Deal{}, deals.Fund{}, fmt.Errorf("load fund %s: %w", fundID, err)
		}
		fund = deals.Fund{ID: fundID}
	}
	return deal, fund, nil
}

func (d *Dispatcher) runSafeMode(job jobs.Job, deal deals.Deal, fund deals.Fund) (map[string]any, error) {
	res := d.SafeMode.Analyze(deal, fund, deals.StrategyFromFund(fund))
	payload := res.ToPayload()
	check := d.Schema.Validate(schemagate.EngineSafeMode, schemagate.DefaultVersion, payload)
	if !check.Valid {
		metrics.IncSchemaFailure()
		return nil, check.Err()
	}
	metrics.IncSafeModeRun()
	return map[string]any{
		"mode":                 ModeSafe,
		"safeMode":             true,
		"analysisCompleteness": res.AnalysisCompleteness,
		"engines": map[string]any{
			schemagate.EngineSafeMode: jobs.EngineResult{
				EngineName:    schemagate.EngineSafeMode,
				EngineVersion: schemagate.DefaultVersion,
				Payload:       payload,
				Validated:     true,
			},
		},
	}, nil
}

func (d *Dispatcher) runEngines(ctx context.Context, job jobs.Job, deal deals.Deal, fund deals.Fund) (map[string]any, error) {
	dc := engines.DealContext{
		JobID:   job.ID,
		DealID:  job.DealID,
		FundID:  fund.ID,
		Attempt: job.Attempts + 1,
		Deal:    deal,
		Fund:    fund,
	}

	results := make(map[string]any, len(d.Config.Engines))
	var cited []string
	for i, name := range d.Config.Engines {
		if i > 0 && d.Config.EngineDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.Config.EngineDelay):
			}
		}

		out, err := d.callEngine(ctx, name, dc)
		if err != nil {
			return nil, jobs.NewEngineFailure(name, err)
		}
		version := out.EngineVersion
		if version == "" {
			version = schemagate.DefaultVersion
		}

		check := d.Schema.Validate(name, version, out.Payload)
		if !check.Valid {
			metrics.IncSchemaFailure()
			telemetry.Warn("schema.rejected", map[string]any{
				"job_id": job.ID,
				"engine": name,
				"errors": check.Errors,
			})
			return nil, check.Err()
		}

		if err := d.recordSources(ctx, job.DealID, name, out.Sources); err != nil {
			return nil, jobs.NewEngineFailure(name, err)
		}
		cited = append(cited, out.CitedSourceIDs...)
		results[name] = jobs.EngineResult{
			EngineName:    name,
			EngineVersion: version,
			Payload:       out.Payload,
			Validated:     true,
		}
	}

	verdict, err := d.Evidence.Validate(ctx, evidence.Request{DealID: job.DealID, FundID: fund.ID, CitedSourceIDs: cited})
	if err != nil {
		return nil, jobs.NewEvidenceUnavailable(err)
	}
	if !verdict.Passed() {
		metrics.IncEvidenceBlock()
		return nil, verdict.Err()
	}

	return map[string]any{
		"mode":    "full",
		"engines": results,
		"evidence": map[string]any{
			"verdict":   verdict.IntegrityCheck,
			"sourceIds": verdict.Appendix.SourceIDs,
			"domains":   verdict.Appendix.Domains,
		},
	}, nil
}

func (d *Dispatcher) callEngine(ctx context.Context, name string, dc engines.DealContext) (engines.Output, error) {
	callCtx := ctx
	if d.Config.EngineTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.Config.EngineTimeout)
		defer cancel()
	}
	start := time.Now()
	out, err := d.Engines.RunEngine(callCtx, name, dc)
	metrics.ObserveEngineDurationMs(metrics.SinceMillis(start))
	return out, err
}

func (d *Dispatcher) recordSources(ctx context.Context, dealID, engine string, citations []engines.Citation) error {
	if len(citations) == 0 {
		return nil
	}
	now := d.Now()
	sources := make([]evidence.Source, 0, len(citations))
	for _, c := range citations {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		retrieved := c.RetrievedAt
		if retrieved.IsZero() {
			retrieved = now
		}
		sources = append(sources, evidence.Source{
			ID:              id,
			DealID:          dealID,
			EngineName:      engine,
			SourceURL:       c.URL,
			RetrievedAt:     retrieved,
			ConfidenceScore: c.ConfidenceScore,
		})
	}
	if _, err := d.Sources.RecordSources(ctx, sources); err != nil {
		return fmt.Errorf("record evidence sources: %w", err)
	}
	return nil
}

func (d *Dispatcher) setDealStatus(ctx context.Context, dealID, status string) {
	if d.Deals == nil {
		return
	}
	if err := d.Deals.SetQueueStatus(ctx, dealID, status); err != nil {
		telemetry.Warn("deal.status_update_failed", map[string]any{
			"deal_id": dealID,
			"status":  status,
			"error":   err.Error(),
		})
	}
}

func logStatus(job jobs.Job, status string, extra map[string]any) {
	fields := map[string]any{
		"job_id":   job.ID,
		"deal_id":  job.DealID,
		"fund_id":  job.FundID,
		"status":   status,
		"attempts": job.Attempts,
	}
	for k, v := range extra {
		fields[k] = v
	}
	telemetry.Info("job.status", fields)
}
