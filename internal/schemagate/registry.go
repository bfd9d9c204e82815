package schemagate

import (
	"fmt"
	"math"
	"sync"
)

// Contract is the structural contract for one engine version.
type Contract struct {
	Engine  string
	Version string
	Root    Object
}

// Key returns the registry key "engine:version".
func (c Contract) Key() string {
	return Key(c.Engine, c.Version)
}

// Key builds a registry key.
func Key(engine, version string) string {
	return fmt.Sprintf("%s:%s", engine, version)
}

// Registry maps "engine:version" keys to contracts.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]Contract)}
}

// Register adds or replaces a contract.
func (r *Registry) Register(c Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[c.Key()] = c
}

// Lookup returns the contract registered for engine and version.
func (r *Registry) Lookup(engine, version string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[Key(engine, version)]
	return c, ok
}

// Engine names with built-in contracts.
const (
	EngineMarketIntelligence = "market_intelligence"
	EngineFinancialAnalysis  = "financial_analysis"
	EngineTeamResearch       = "team_research"
	EngineThesisAlignment    = "thesis_alignment"
	EngineSafeMode           = "safe_mode"

	DefaultVersion = "1.0"
)

var score = Int{Min: 0, Max: 100}

// DefaultRegistry returns the built-in contracts.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(Contract{Engine: EngineMarketIntelligence, Version: DefaultVersion, Root: Object{Fields: map[string]Field{
		"summary": Required(String{MinLen: 20}),
		"scores": Required(Object{Fields: map[string]Field{
			"overall":     Required(score),
			"marketSize":  Required(score),
			"growth":      Required(score),
			"competition": Required(score),
		}}),
		"marketSize": Optional(Object{Fields: map[string]Field{
			"tam": Optional(Number{Min: 0, Max: math.MaxFloat64}),
			"sam": Optional(Number{Min: 0, Max: math.MaxFloat64}),
		}}),
		"competitors": Optional(Array{Items: String{MinLen: 1}}),
	}}})

	r.Register(Contract{Engine: EngineFinancialAnalysis, Version: DefaultVersion, Root: Object{Fields: map[string]Field{
		"summary": Required(String{MinLen: 20}),
		"scores": Required(Object{Fields: map[string]Field{
			"overall":        Required(score),
			"revenueQuality": Required(score),
			"burnEfficiency": Required(score),
			"valuation":      Required(score),
		}}),
		"metrics": Optional(Object{Fields: map[string]Field{
			"revenue":        Optional(Number{Min: 0, Max: math.MaxFloat64}),
			"growthRate":     Optional(Number{Min: -1, Max: 100}),
			"runwayMonths":   Optional(Number{Min: 0, Max: 600}),
			"grossMarginPct": Optional(Number{Min: -100, Max: 100}),
		}}),
		"redFlags": Optional(Array{Items: String{MinLen: 1}}),
	}}})

	r.Register(Contract{Engine: EngineTeamResearch, Version: DefaultVersion, Root: Object{Fields: map[string]Field{
		"summary": Required(String{MinLen: 20}),
		"scores": Required(Object{Fields: map[string]Field{
			"overall":      Required(score),
			"experience":   Required(score),
			"completeness": Required(score),
		}}),
		"founders": Required(Array{MinItems: 1, Items: Object{Fields: map[string]Field{
			"name": Required(String{MinLen: 1}),
			"role": Required(String{MinLen: 1}),
		}}}),
	}}})

	r.Register(Contract{Engine: EngineThesisAlignment, Version: DefaultVersion, Root: Object{Fields: map[string]Field{
		"summary": Required(String{MinLen: 20}),
		"status":  Required(String{MinLen: 1}),
		"scores": Required(Object{Fields: map[string]Field{
			"overall":   Required(score),
			"sector":    Required(score),
			"size":      Required(score),
			"geography": Required(score),
		}}),
	}}})

	r.Register(Contract{Engine: EngineSafeMode, Version: DefaultVersion, Root: Object{Fields: map[string]Field{
		"overallScore":         Required(score),
		"thesisScore":          Required(score),
		"thesisStatus":         Required(String{MinLen: 1}),
		"rationale":            Required(String{MinLen: 10}),
		"safeMode":             Required(Bool{}),
		"analysisCompleteness": Required(Number{Min: 0, Max: 1}),
		"scores": Required(Object{Fields: map[string]Field{
			"sector":    Required(score),
			"size":      Required(score),
			"geography": Required(score),
		}}),
	}}})

	return r
}
