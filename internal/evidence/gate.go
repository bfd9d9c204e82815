package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"dealflow-backend/internal/deals"
	"dealflow-backend/internal/jobs"
	"dealflow-backend/internal/shared/storage/object"
	"dealflow-backend/internal/shared/telemetry"
	"dealflow-backend/internal/shared/util"
)

// ErrArchiveDisabled is returned by history reads when no archive store is
// configured.
var ErrArchiveDisabled = errors.New("evidence archive not configured")

// FundSource resolves per-fund recency overrides.
type FundSource interface {
	GetFund(ctx context.Context, fundID string) (deals.Fund, error)
}

// Config holds the gate's thresholds.
type Config struct {
	MinDomains          int
	FallbackRecencyDays int
	EngineRecencyDays   map[string]int
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		MinDomains:          2,
		FallbackRecencyDays: 90,
		EngineRecencyDays: map[string]int{
			"market_intelligence": 30,
			"team_research":       180,
		},
	}
}

// Request identifies the evidence to evaluate. CitedSourceIDs are ids an
// engine claims to have used; each must exist in the store.
type Request struct {
	DealID         string   `json:"dealId"`
	FundID         string   `json:"fundId"`
	CitedSourceIDs []string `json:"citedSourceIds,omitempty"`
}

// Result is the outcome of an integrity evaluation.
type Result struct {
	IntegrityCheck string   `json:"integrityCheck"`
	BlockCode      string   `json:"blockCode,omitempty"`
	Appendix       Appendix `json:"evidenceAppendix"`
	Details        Details  `json:"validationDetails"`
}

// Passed reports whether the evidence may back a completed job.
func (r Result) Passed() bool { return r.IntegrityCheck == VerdictPass }

// Err converts a failed result into a terminal evidence block.
func (r Result) Err() error {
	if r.Passed() {
		return nil
	}
	return jobs.NewEvidenceBlock(strings.Join(r.Details.Reasons, "; "))
}

// Gate enforces source validity, domain diversity and recency.
type Gate struct {
	Store   Store
	Funds   FundSource
	Archive object.Archive
	Config  Config
	Now     func() time.Time
}

// NewGate builds a gate with default thresholds. funds and archive may be nil.
func NewGate(store Store, funds FundSource, archive object.Archive) *Gate {
	return &Gate{
		Store:   store,
		Funds:   funds,
		Archive: archive,
		Config:  DefaultConfig(),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Validate builds and persists the appendix, then computes the verdict. The
// appendix is written before any check runs so a failed evaluation still
// leaves a record of what was seen. Errors mean the check could not run.
func (g *Gate) Validate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.DealID) == "" {
		return Result{}, errors.New("deal id is required")
	}
	now := g.now()

	sources, err := g.Store.ListByDeal(ctx, req.DealID)
	if err != nil {
		return Result{}, fmt.Errorf("list evidence sources: %w", err)
	}
	overrides, err := g.fundOverrides(ctx, req.FundID)
	if err != nil {
		return Result{}, fmt.Errorf("load fund recency: %w", err)
	}

	appendix := g.buildAppendix(req, sources, overrides, now)
	if err := g.Store.UpsertAppendix(ctx, appendix); err != nil {
		return Result{}, fmt.Errorf("persist evidence appendix: %w", err)
	}

	details := g.evaluate(req, sources, overrides, now)
	appendix.Verdict = VerdictPass
	if len(details.Reasons) > 0 {
		appendix.Verdict = VerdictFail
		appendix.BlockCode = jobs.BlockEvidenceBlock
	}
	if err := g.Store.UpsertAppendix(ctx, appendix); err != nil {
		return Result{}, fmt.Errorf("persist evidence verdict: %w", err)
	}
	g.archive(ctx, appendix)

	telemetry.Info("evidence.evaluated", map[string]any{
		"deal_id":  req.DealID,
		"fund_id":  req.FundID,
		"verdict":  appendix.Verdict,
		"sources":  len(appendix.SourceIDs),
		"domains":  len(appendix.Domains),
		"failures": details.Reasons,
	})

	return Result{
		IntegrityCheck: appendix.Verdict,
		BlockCode:      appendix.BlockCode,
		Appendix:       appendix,
		Details:        details,
	}, nil
}

func (g *Gate) buildAppendix(req Request, sources []Source, overrides map[string]int, now time.Time) Appendix {
	idSet := make(map[string]struct{}, len(sources)+len(req.CitedSourceIDs))
	domainSet := make(map[string]struct{})
	recency := make(map[string]EngineRecency)

	for _, src := range sources {
		idSet[src.ID] = struct{}{}
		if d := RegistrableDomain(src.SourceURL); d != "" {
			domainSet[d] = struct{}{}
		}

		rec := recency[src.EngineName]
		if rec.Count == 0 || src.RetrievedAt.After(rec.Newest) {
			rec.Newest = src.RetrievedAt
		}
		if rec.Count == 0 || src.RetrievedAt.Before(rec.Oldest) {
			rec.Oldest = src.RetrievedAt
		}
		rec.Count++
		rec.ThresholdDays = g.thresholdDays(src.EngineName, overrides)
		if isStale(src, rec.ThresholdDays, now) {
			rec.Stale++
		}
		recency[src.EngineName] = rec
	}
	for _, id := range req.CitedSourceIDs {
		if id = strings.TrimSpace(id); id != "" {
			idSet[id] = struct{}{}
		}
	}

	return Appendix{
		DealID:        req.DealID,
		FundID:        req.FundID,
		SourceIDs:     sortedKeys(idSet),
		Domains:       sortedKeys(domainSet),
		EngineRecency: recency,
		Verdict:       VerdictPending,
		EvaluatedAt:   now,
	}
}

func (g *Gate) evaluate(req Request, sources []Source, overrides map[string]int, now time.Time) Details {
	known := make(map[string]struct{}, len(sources))
	domains := make(map[string]struct{})
	var stale []string
	for _, src := range sources {
		known[src.ID] = struct{}{}
		if d := RegistrableDomain(src.SourceURL); d != "" {
			domains[d] = struct{}{}
		}
		if isStale(src, g.thresholdDays(src.EngineName, overrides), now) {
			stale = append(stale, src.ID)
		}
	}

	var unknown []string
	seen := make(map[string]struct{})
	for _, id := range req.CitedSourceIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	sort.Strings(stale)

	d := Details{
		UnknownIDs:      unknown,
		DistinctDomains: len(domains),
		StaleSourceIDs:  stale,
	}

	switch {
	case len(known) == 0:
		d.Reasons = append(d.Reasons, "no evidence sources recorded")
	case len(unknown) > 0:
		d.Reasons = append(d.Reasons, "unverifiable source ids: "+strings.Join(unknown, ", "))
	default:
		d.SourceIDsValid = true
	}

	minDomains := g.Config.MinDomains
	if minDomains <= 0 {
		minDomains = 2
	}
	if len(domains) >= minDomains {
		d.DomainDiversity = true
	} else {
		d.Reasons = append(d.Reasons, fmt.Sprintf("only %d distinct source domain(s), at least %d required", len(domains), minDomains))
	}

	if len(stale) == 0 {
		d.RecencyValid = true
	} else {
		d.Reasons = append(d.Reasons, "stale sources: "+strings.Join(stale, ", "))
	}
	return d
}

// thresholdDays resolves fund override, then engine default, then fallback.
func (g *Gate) thresholdDays(engine string, overrides map[string]int) int {
	if days, ok := overrides[engine]; ok && days > 0 {
		return days
	}
	if days, ok := g.Config.EngineRecencyDays[engine]; ok && days > 0 {
		return days
	}
	if g.Config.FallbackRecencyDays > 0 {
		return g.Config.FallbackRecencyDays
	}
	return 90
}

func (g *Gate) fundOverrides(ctx context.Context, fundID string) (map[string]int, error) {
	if g.Funds == nil || strings.TrimSpace(fundID) == "" {
		return nil, nil
	}
	fund, err := g.Funds.GetFund(ctx, fundID)
	if err != nil {
		if errors.Is(err, deals.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return fund.RecencyDays, nil
}

func (g *Gate) archive(ctx context.Context, a Appendix) {
	if g.Archive == nil {
		return
	}
	body, err := json.Marshal(a)
	if err != nil {
		telemetry.Warn("evidence.archive_failed", map[string]any{"deal_id": a.DealID, "error": err.Error()})
		return
	}
	key := ArchiveKey(a.DealID, a.EvaluatedAt)
	if err := g.Archive.Put(ctx, key, "application/json", body); err != nil {
		telemetry.Warn("evidence.archive_failed", map[string]any{
			"deal_id": a.DealID,
			"key":     key,
			"error":   util.SanitizeError(err),
		})
	}
}

// ArchiveKey is the object-store key for an appendix snapshot. Keys of one
// deal sort chronologically.
func ArchiveKey(dealID string, evaluatedAt time.Time) string {
	return archivePrefix(dealID) + evaluatedAt.UTC().Format("20060102T150405.000000000Z") + ".json"
}

func archivePrefix(dealID string) string {
	return fmt.Sprintf("evidence-appendix/%s/", util.HashKey(dealID))
}

// History lists archived appendix snapshots for a deal, oldest first.
func (g *Gate) History(ctx context.Context, dealID string) ([]string, error) {
	if g.Archive == nil {
		return nil, ErrArchiveDisabled
	}
	keys, err := g.Archive.List(ctx, archivePrefix(dealID))
	if err != nil {
		return nil, fmt.Errorf("list appendix archive: %w", err)
	}
	return keys, nil
}

// ArchivedAppendix loads one snapshot listed by History.
func (g *Gate) ArchivedAppendix(ctx context.Context, key string) (Appendix, error) {
	if g.Archive == nil {
		return Appendix{}, ErrArchiveDisabled
	}
	body, err := g.Archive.Get(ctx, key)
	if err != nil {
		return Appendix{}, fmt.Errorf("load archived appendix %s: %w", key, err)
	}
	var a Appendix
	if err := json.Unmarshal(body, &a); err != nil {
		return Appendix{}, fmt.Errorf("decode archived appendix %s: %w", key, err)
	}
	return a, nil
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

func isStale(src Source, thresholdDays int, now time.Time) bool {
	return now.Sub(src.RetrievedAt) > time.Duration(thresholdDays)*24*time.Hour
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
