package safemode

import (
	"fmt"
	"math"
	"strings"

	"dealflow-backend/internal/deals"
)

const (
	StatusAligned          = "Aligned"
	StatusPartiallyAligned = "Partially Aligned"
	StatusMisaligned       = "Misaligned"

	// AnalysisCompleteness marks safe-mode output as partial.
	AnalysisCompleteness = 0.35
)

// Result is a degraded, rule-based score. SafeMode is always true.
type Result struct {
	OverallScore         int      `json:"overallScore"`
	ThesisScore          int      `json:"thesisScore"`
	ThesisStatus         string   `json:"thesisStatus"`
	SectorScore          int      `json:"sectorScore"`
	SizeScore            int      `json:"sizeScore"`
	GeographyScore       int      `json:"geographyScore"`
	Rationale            []string `json:"rationale"`
	SafeMode             bool     `json:"safeMode"`
	AnalysisCompleteness float64  `json:"analysisCompleteness"`
}

// ToPayload renders the result in the safe_mode:1.0 contract shape.
func (r Result) ToPayload() map[string]any {
	return map[string]any{
		"overallScore":         r.OverallScore,
		"thesisScore":          r.ThesisScore,
		"thesisStatus":         r.ThesisStatus,
		"rationale":            strings.Join(r.Rationale, "; "),
		"safeMode":             r.SafeMode,
		"analysisCompleteness": r.AnalysisCompleteness,
		"scores": map[string]any{
			"sector":    r.SectorScore,
			"size":      r.SizeScore,
			"geography": r.GeographyScore,
		},
	}
}

type band struct {
	min float64
	max float64
}

var sizeBands = map[string]band{
	deals.FundTypeVC: {min: 100_000, max: 50_000_000},
	deals.FundTypePE: {min: 10_000_000, max: 1_000_000_000},
}

var defaultBand = band{min: 1_000_000, max: 500_000_000}

// Analyzer scores deals without calling any engine.
type Analyzer struct{}

// Analyze is deterministic for identical inputs.
func (Analyzer) Analyze(deal deals.Deal, fund deals.Fund, strategy deals.Strategy) Result {
	industries := strategy.Industries
	if len(industries) == 0 {
		industries = fund.Industries
	}
	geographies := strategy.Geographies
	if len(geographies) == 0 {
		geographies = fund.Geographies
	}

	var rationale []string
	sector, note := sectorScore(deal.Industry, industries)
	rationale = append(rationale, note)
	size, note := sizeScore(dealAmount(deal), sizeBand(fund.FundType, strategy))
	rationale = append(rationale, note)
	geo, note := geographyScore(deal.Location, geographies)
	rationale = append(rationale, note)

	thesis := int(math.Round(float64(sector+size+geo) / 3))
	return Result{
		OverallScore:         overallScore(fund.FundType, thesis),
		ThesisScore:          thesis,
		ThesisStatus:         thesisStatus(thesis),
		SectorScore:          sector,
		SizeScore:            size,
		GeographyScore:       geo,
		Rationale:            rationale,
		SafeMode:             true,
		AnalysisCompleteness: AnalysisCompleteness,
	}
}

func sectorScore(industry string, targets []string) (int, string) {
	industry = normalize(industry)
	if industry == "" || len(targets) == 0 {
		return 40, "sector: insufficient data"
	}
	for _, t := range targets {
		if normalize(t) == industry {
			return 90, fmt.Sprintf("sector: %q matches mandate", t)
		}
	}
	for _, t := range targets {
		nt := normalize(t)
		if nt == "" {
			continue
		}
		if strings.Contains(industry, nt) || strings.Contains(nt, industry) {
			return 70, fmt.Sprintf("sector: partial match with %q", t)
		}
	}
	return 30, "sector: outside mandate"
}

func dealAmount(d deals.Deal) *float64 {
	if d.DealSize != nil && *d.DealSize > 0 {
		return d.DealSize
	}
	if d.Valuation != nil && *d.Valuation > 0 {
		return d.Valuation
	}
	return nil
}

func sizeBand(fundType string, strategy deals.Strategy) band {
	b, ok := sizeBands[strings.ToLower(strings.TrimSpace(fundType))]
	if !ok {
		b = defaultBand
	}
	if strategy.CheckMin != nil && *strategy.CheckMin > 0 {
		b.min = *strategy.CheckMin
	}
	if strategy.CheckMax != nil && *strategy.CheckMax > 0 {
		b.max = *strategy.CheckMax
	}
	return b
}

func sizeScore(amount *float64, b band) (int, string) {
	if amount == nil {
		return 50, "size: no deal size or valuation"
	}
	v := *amount
	switch {
	case v >= b.min && v <= b.max:
		return 80, "size: within target band"
	case v >= b.min/2 && v <= b.max*2:
		return 60, "size: near target band"
	default:
		return 40, "size: outside target band"
	}
}

func geographyScore(location string, targets []string) (int, string) {
	if len(targets) == 0 {
		return 60, "geography: no mandate configured"
	}
	loc := normalize(location)
	if loc == "" {
		return 45, "geography: location unknown"
	}
	for _, t := range targets {
		nt := normalize(t)
		if nt == "" {
			continue
		}
		if strings.Contains(loc, nt) || strings.Contains(nt, loc) {
			return 80, fmt.Sprintf("geography: matches %q", t)
		}
	}
	return 45, "geography: outside mandate"
}

func thesisStatus(score int) string {
	switch {
	case score >= 75:
		return StatusAligned
	case score >= 50:
		return StatusPartiallyAligned
	default:
		return StatusMisaligned
	}
}

// overallScore caps every fund type below the full-analysis ceiling.
func overallScore(fundType string, thesis int) int {
	switch strings.ToLower(strings.TrimSpace(fundType)) {
	case deals.FundTypeVC:
		return clamp(thesis+5, 20, 85)
	case deals.FundTypePE:
		return clamp(thesis, 20, 80)
	default:
		return clamp(thesis-5, 20, 75)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
