package engines

import (
	"context"
	"errors"
	"time"

	"dealflow-backend/internal/deals"
)

// ErrNotConfigured is returned by the placeholder runner.
var ErrNotConfigured = errors.New("analysis engines not configured")

// Runner invokes one external analysis engine.
type Runner interface {
	RunEngine(ctx context.Context, engineName string, dc DealContext) (Output, error)
}

// DealContext is the input handed to every engine.
type DealContext struct {
	JobID   string     `json:"jobId"`
	DealID  string     `json:"dealId"`
	FundID  string     `json:"fundId"`
	Attempt int        `json:"attempt"`
	Deal    deals.Deal `json:"deal"`
	Fund    deals.Fund `json:"fund"`
}

// Citation is a source an engine retrieved while producing its output.
type Citation struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	RetrievedAt     time.Time `json:"retrievedAt"`
	ConfidenceScore float64   `json:"confidenceScore"`
}

// Output is an engine's raw, not yet validated result.
type Output struct {
	EngineName     string         `json:"engineName"`
	EngineVersion  string         `json:"engineVersion"`
	Payload        map[string]any `json:"payload"`
	Sources        []Citation     `json:"sources"`
	CitedSourceIDs []string       `json:"citedSourceIds"`
}

// DefaultEngines is the engine sequence run for a full analysis.
var DefaultEngines = []string{
	"market_intelligence",
	"financial_analysis",
	"team_research",
	"thesis_alignment",
}

// PlaceholderRunner fails every call until engines are wired.
type PlaceholderRunner struct{}

func (PlaceholderRunner) RunEngine(ctx context.Context, engineName string, dc DealContext) (Output, error) {
	_ = ctx
	_ = dc
	return Output{EngineName: engineName}, ErrNotConfigured
}
