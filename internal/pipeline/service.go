package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dealflow-backend/internal/admission"
	"dealflow-backend/internal/deals"
	"dealflow-backend/internal/evidence"
	"dealflow-backend/internal/health"
	"dealflow-backend/internal/jobs"
	"dealflow-backend/internal/reclaim"
	"dealflow-backend/internal/safemode"
	"dealflow-backend/internal/schemagate"
	"dealflow-backend/internal/shared/telemetry"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Waker nudges a dispatcher to poll immediately. Processes without an
// in-process dispatcher leave it nil.
type Waker interface {
	Wake()
}

// Service is the single entry point for callers of the pipeline.
type Service struct {
	Admission *admission.Controller
	Health    *health.Service
	Jobs      jobs.Repo
	Deals     deals.Repo
	Reclaimer *reclaim.Reclaimer
	Schema    *schemagate.Gate
	Evidence  *evidence.Gate
	Sources   evidence.Store
	SafeMode  safemode.Analyzer
	Waker     Waker
	Now       func() time.Time
}

// EnqueueRequest asks for a deal analysis.
type EnqueueRequest struct {
	DealID        string         `json:"dealId"`
	FundID        string         `json:"fundId"`
	TriggerReason string         `json:"triggerReason"`
	Priority      string         `json:"priority"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// EnqueueResult reports the admission outcome. A duplicate is Success with
// Queued=false.
type EnqueueResult struct {
	Success      bool       `json:"success"`
	Queued       bool       `json:"queued"`
	Reason       string     `json:"reason"`
	JobID        string     `json:"jobId,omitempty"`
	DelaySeconds int        `json:"delaySeconds,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	FailClosed   bool       `json:"-"`
}

// Enqueue admits a job and mirrors the deal's queue status.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	dealID := strings.TrimSpace(req.DealID)
	if dealID == "" {
		return EnqueueResult{}, fmt.Errorf("%w: dealId is required", ErrInvalidInput)
	}
	priority, ok := jobs.ParsePriority(req.Priority)
	if !ok {
		return EnqueueResult{}, fmt.Errorf("%w: priority must be high, normal or low", ErrInvalidInput)
	}
	trigger := strings.TrimSpace(req.TriggerReason)
	if trigger == "" {
		trigger = "manual"
	}

	decision, err := s.Admission.Admit(ctx, admission.Request{
		DealID:        dealID,
		FundID:        strings.TrimSpace(req.FundID),
		Priority:      priority,
		TriggerReason: trigger,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return EnqueueResult{}, err
	}

	res := EnqueueResult{
		Success:    decision.Admitted || decision.Kind == jobs.KindDuplicateSuppressed,
		Queued:     decision.Admitted,
		Reason:     decision.Reason,
		FailClosed: decision.FailClosed,
	}
	if decision.Job != nil {
		res.JobID = decision.Job.ID
	}
	if decision.Admitted && decision.Job != nil {
		scheduled := decision.Job.ScheduledFor
		res.ScheduledFor = &scheduled
		res.DelaySeconds = int(decision.Delay.Seconds())
		s.setDealStatus(ctx, dealID, deals.QueueStatusQueued)
	}
	return res, nil
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, jobID string) (jobs.Job, error) {
	job, err := s.Jobs.GetByID(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		return jobs.Job{}, ErrNotFound
	}
	return job, err
}

// GetQueueHealth returns the rolling health snapshot, optionally fund scoped.
func (s *Service) GetQueueHealth(ctx context.Context, fundID string) (health.Snapshot, error) {
	return s.Health.Snapshot(ctx, strings.TrimSpace(fundID))
}

// ForceProcess makes every future-scheduled queued job eligible now and
// wakes the dispatcher when one runs in this process.
func (s *Service) ForceProcess(ctx context.Context) (int, error) {
	n, err := s.Jobs.ScheduleQueuedNow(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("force process: %w", err)
	}
	if s.Waker != nil {
		s.Waker.Wake()
	}
	telemetry.Info("admin.force_process", map[string]any{"rescheduled": n})
	return n, nil
}

// DrainFailedItems deletes failed jobs past retention.
func (s *Service) DrainFailedItems(ctx context.Context) (int, error) {
	n, err := s.Reclaimer.DrainFailed(ctx)
	if err != nil {
		return 0, err
	}
	telemetry.Info("admin.drain_failed", map[string]any{"drained": n})
	return n, nil
}

// ReclaimStuckItems requeues processing jobs without a recent heartbeat.
func (s *Service) ReclaimStuckItems(ctx context.Context) (int, error) {
	n, err := s.Reclaimer.ReclaimStuck(ctx)
	if err != nil {
		return 0, err
	}
	telemetry.Info("admin.reclaim", map[string]any{"reclaimed": n})
	return n, nil
}

// EmergencyDrain drops old failures and resets long-running jobs.
func (s *Service) EmergencyDrain(ctx context.Context) (reclaim.EmergencyReport, error) {
	report, err := s.Reclaimer.EmergencyDrain(ctx)
	if err != nil {
		return reclaim.EmergencyReport{}, err
	}
	if report.Reset > 0 && s.Waker != nil {
		s.Waker.Wake()
	}
	telemetry.Warn("admin.emergency_drain", map[string]any{
		"drained": report.Drained,
		"reset":   report.Reset,
	})
	return report, nil
}

// SchemaRequest is an ad-hoc schema check.
type SchemaRequest struct {
	EngineName    string         `json:"engineName"`
	EngineVersion string         `json:"engineVersion"`
	Payload       map[string]any `json:"payload"`
	DealID        string         `json:"dealId"`
	FundID        string         `json:"fundId"`
}

// ValidateSchema checks a payload against the registered contract.
func (s *Service) ValidateSchema(ctx context.Context, req SchemaRequest) (schemagate.Result, error) {
	_ = ctx
	if strings.TrimSpace(req.EngineName) == "" {
		return schemagate.Result{}, fmt.Errorf("%w: engineName is required", ErrInvalidInput)
	}
	version := strings.TrimSpace(req.EngineVersion)
	if version == "" {
		version = schemagate.DefaultVersion
	}
	res := s.Schema.Validate(req.EngineName, version, req.Payload)
	fields := map[string]any{
		"engine":  req.EngineName,
		"version": version,
		"deal_id": req.DealID,
		"fund_id": req.FundID,
		"status":  res.Status,
	}
	if !res.Valid {
		fields["errors"] = res.Errors
		telemetry.Warn("schema.validated", fields)
	} else {
		telemetry.Info("schema.validated", fields)
	}
	return res, nil
}

// EvidenceRequest carries sources to record before evaluation and the ids an
// engine claims to cite.
type EvidenceRequest struct {
	DealID         string            `json:"dealId"`
	FundID         string            `json:"fundId"`
	Sources        []evidence.Source `json:"sources,omitempty"`
	CitedSourceIDs []string          `json:"citedSourceIds,omitempty"`
}

// ValidateEvidenceIntegrity records any supplied sources, then runs the gate.
func (s *Service) ValidateEvidenceIntegrity(ctx context.Context, req EvidenceRequest) (evidence.Result, error) {
	dealID := strings.TrimSpace(req.DealID)
	if dealID == "" {
		return evidence.Result{}, fmt.Errorf("%w: dealId is required", ErrInvalidInput)
	}
	if len(req.Sources) > 0 {
		now := s.now()
		sources := make([]evidence.Source, 0, len(req.Sources))
		for _, src := range req.Sources {
			if strings.TrimSpace(src.ID) == "" {
				return evidence.Result{}, fmt.Errorf("%w: every source needs an id", ErrInvalidInput)
			}
			src.DealID = dealID
			if src.RetrievedAt.IsZero() {
				src.RetrievedAt = now
			}
			sources = append(sources, src)
		}
		if _, err := s.Sources.RecordSources(ctx, sources); err != nil {
			return evidence.Result{}, fmt.Errorf("record sources: %w", err)
		}
	}
	res, err := s.Evidence.Validate(ctx, evidence.Request{
		DealID:         dealID,
		FundID:         strings.TrimSpace(req.FundID),
		CitedSourceIDs: req.CitedSourceIDs,
	})
	if err != nil {
		return evidence.Result{}, err
	}
	if !res.Passed() {
		s.setDealStatus(ctx, dealID, deals.QueueStatusBlocked)
	}
	return res, nil
}

// EvidenceHistory lists a deal's archived appendix snapshots.
type EvidenceHistory struct {
	DealID    string             `json:"dealId"`
	Snapshots []string           `json:"snapshots"`
	Latest    *evidence.Appendix `json:"latest,omitempty"`
}

// GetEvidenceHistory returns the archived snapshot keys for a deal and the
// most recent snapshot's contents.
func (s *Service) GetEvidenceHistory(ctx context.Context, dealID string) (EvidenceHistory, error) {
	dealID = strings.TrimSpace(dealID)
	if dealID == "" {
		return EvidenceHistory{}, fmt.Errorf("%w: dealId is required", ErrInvalidInput)
	}
	keys, err := s.Evidence.History(ctx, dealID)
	if err != nil {
		return EvidenceHistory{}, err
	}
	out := EvidenceHistory{DealID: dealID, Snapshots: keys}
	if out.Snapshots == nil {
		out.Snapshots = []string{}
	}
	if len(keys) > 0 {
		latest, err := s.Evidence.ArchivedAppendix(ctx, keys[len(keys)-1])
		if err != nil {
			return EvidenceHistory{}, err
		}
		out.Latest = &latest
	}
	return out, nil
}

// SafeModeScore runs the degraded scorer synchronously. A nil strategy uses
// the fund's mandate.
func (s *Service) SafeModeScore(ctx context.Context, dealID, fundID string, strategy *deals.Strategy) (safemode.Result, error) {
	deal, err := s.Deals.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, deals.ErrNotFound) {
			return safemode.Result{}, ErrNotFound
		}
		return safemode.Result{}, err
	}
	if fundID == "" {
		fundID = deal.FundID
	}
	fund, err := s.Deals.GetFund(ctx, fundID)
	if err != nil {
		if !errors.Is(err, deals.ErrNotFound) {
			return safemode.Result{}, err
		}
		fund = deals.Fund{ID: fundID}
	}
	st := deals.StrategyFromFund(fund)
	if strategy != nil {
		st = *strategy
	}

	res := s.SafeMode.Analyze(deal, fund, st)
	if check := s.Schema.Validate(schemagate.EngineSafeMode, schemagate.DefaultVersion, res.ToPayload()); !check.Valid {
		return safemode.Result{}, check.Err()
	}
	telemetry.Info("safemode.scored", map[string]any{
		"deal_id":       dealID,
		"fund_id":       fundID,
		"thesis_score":  res.ThesisScore,
		"thesis_status": res.ThesisStatus,
		"overall_score": res.OverallScore,
	})
	return res, nil
}

func (s *Service) setDealStatus(ctx context.Context, dealID, status string) {
	if s.Deals == nil {
		return
	}
	if err := s.Deals.SetQueueStatus(ctx, dealID, status); err != nil && !errors.Is(err, deals.ErrNotFound) {
		telemetry.Warn("deal.status_update_failed", map[string]any{
			"deal_id": dealID,
			"status":  status,
			"error":   err.Error(),
		})
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
