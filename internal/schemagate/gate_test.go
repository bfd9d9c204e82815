package schemagate

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow-backend/internal/jobs"
)

func validMarketPayload() map[string]any {
	return map[string]any{
		"summary": "Mid-market payments infrastructure with strong tailwinds.",
		"scores": map[string]any{
			"overall":     float64(72),
			"marketSize":  float64(80),
			"growth":      float64(65),
			"competition": float64(55),
		},
		"competitors": []any{"Stripe", "Adyen"},
	}
}

func TestValidatePassesCompletePayload(t *testing.T) {
	gate := NewGate(nil)
	res := gate.Validate(EngineMarketIntelligence, DefaultVersion, validMarketPayload())

	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Equal(t, StatusPassed, res.Status)
	assert.Empty(t, res.BlockCode)
	assert.Equal(t, "market_intelligence:1.0", res.SchemaVersion)
	assert.NoError(t, res.Err())
}

func TestValidateReportsMissingFieldByPath(t *testing.T) {
	payload := validMarketPayload()
	delete(payload["scores"].(map[string]any), "growth")

	res := NewGate(nil).Validate(EngineMarketIntelligence, DefaultVersion, payload)

	require.False(t, res.Valid)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, jobs.BlockSchemaError, res.BlockCode)
	assert.Contains(t, res.Errors, "missing required field: scores.growth")
}

func TestValidateRuleViolations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]any)
		wantErr string
	}{
		{
			name:    "score above range",
			mutate:  func(p map[string]any) { p["scores"].(map[string]any)["overall"] = float64(120) },
			wantErr: "scores.overall: 120 out of range [0,100]",
		},
		{
			name:    "fractional integer",
			mutate:  func(p map[string]any) { p["scores"].(map[string]any)["overall"] = 71.5 },
			wantErr: "scores.overall: expected integer, got 71.5",
		},
		{
			name:    "placeholder summary",
			mutate:  func(p map[string]any) { p["summary"] = "  TBD  " },
			wantErr: "summary: length 3 below minimum 20",
		},
		{
			name:    "wrong type",
			mutate:  func(p map[string]any) { p["scores"] = "high" },
			wantErr: "scores: expected object",
		},
		{
			name:    "bad array item",
			mutate:  func(p map[string]any) { p["competitors"] = []any{"Stripe", ""} },
			wantErr: "competitors[1]: length 0 below minimum 1",
		},
		{
			name:    "null required field",
			mutate:  func(p map[string]any) { p["summary"] = nil },
			wantErr: "missing required field: summary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := validMarketPayload()
			tt.mutate(payload)
			res := NewGate(nil).Validate(EngineMarketIntelligence, DefaultVersion, payload)
			require.False(t, res.Valid)
			assert.Contains(t, res.Errors, tt.wantErr)
		})
	}
}

func TestValidateUnknownContractFails(t *testing.T) {
	res := NewGate(nil).Validate("market_intelligence", "9.9", validMarketPayload())

	require.False(t, res.Valid)
	assert.Equal(t, jobs.BlockSchemaError, res.BlockCode)
	assert.Equal(t, []string{"no schema registered for market_intelligence:9.9"}, res.Errors)
}

func TestValidateErrorsAreSortedAndConvertToSchemaError(t *testing.T) {
	res := NewGate(nil).Validate(EngineTeamResearch, DefaultVersion, map[string]any{
		"founders": []any{map[string]any{"name": "Ada"}},
	})
	require.False(t, res.Valid)

	sorted := append([]string(nil), res.Errors...)
	assert.IsIncreasing(t, sorted)
	assert.Contains(t, res.Errors, "missing required field: founders[0].role")

	err := res.Err()
	var ae *jobs.AnalysisError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, jobs.KindSchemaError, ae.Kind)
	assert.True(t, strings.Contains(ae.Reason, "missing required field: summary"))
	assert.False(t, ae.Retryable())
}

func TestValidateAcceptsGoNativeNumbers(t *testing.T) {
	res := NewGate(nil).Validate(EngineSafeMode, DefaultVersion, map[string]any{
		"overallScore":         88,
		"thesisScore":          83,
		"thesisStatus":         "Aligned",
		"rationale":            "Sector exact match; size within band.",
		"safeMode":             true,
		"analysisCompleteness": 0.35,
		"scores":               map[string]any{"sector": 90, "size": 80, "geography": 80},
	})
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestRegistryCustomContract(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Contract{Engine: "esg", Version: "2.0", Root: Object{Fields: map[string]Field{
		"rating": Required(Int{Min: 1, Max: 5}),
		"notes":  Optional(String{MinLen: 5}),
	}}})
	gate := NewGate(reg)

	assert.True(t, gate.Validate("esg", "2.0", map[string]any{"rating": float64(3)}).Valid)
	assert.False(t, gate.Validate("esg", "2.0", map[string]any{"rating": float64(3), "notes": "ok"}).Valid)
	assert.False(t, gate.Validate(EngineMarketIntelligence, DefaultVersion, validMarketPayload()).Valid)
}
