package schemagate

import (
	"sort"
	"strings"

	"dealflow-backend/internal/jobs"
)

const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

// Result is the outcome of validating one engine payload.
type Result struct {
	Valid         bool     `json:"valid"`
	Status        string   `json:"status"`
	BlockCode     string   `json:"blockCode,omitempty"`
	Errors        []string `json:"errors"`
	SchemaVersion string   `json:"schemaVersion"`
}

// Err converts a failed result into a terminal schema error.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return jobs.NewSchemaError(strings.Join(r.Errors, "; "))
}

// Gate validates engine payloads against registered contracts.
type Gate struct {
	Registry *Registry
}

// NewGate builds a gate over the given registry, or the defaults when nil.
func NewGate(registry *Registry) *Gate {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Gate{Registry: registry}
}

// Validate checks payload against the contract for engine:version. A missing
// contract fails.
func (g *Gate) Validate(engine, version string, payload map[string]any) Result {
	key := Key(engine, version)
	contract, ok := g.Registry.Lookup(engine, version)
	if !ok {
		return failed(key, []string{"no schema registered for " + key})
	}
	if payload == nil {
		return failed(key, []string{"payload: expected object"})
	}
	errs := contract.Root.check("", payload)
	if len(errs) > 0 {
		sort.Strings(errs)
		return failed(key, errs)
	}
	return Result{
		Valid:         true,
		Status:        StatusPassed,
		Errors:        []string{},
		SchemaVersion: key,
	}
}

func failed(key string, errs []string) Result {
	return Result{
		Valid:         false,
		Status:        StatusFailed,
		BlockCode:     jobs.BlockSchemaError,
		Errors:        errs,
		SchemaVersion: key,
	}
}
