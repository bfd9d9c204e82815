package evidence

import "time"

const (
	VerdictPending = "pending"
	VerdictPass    = "pass"
	VerdictFail    = "fail"
)

// Source is one citation produced by an engine. Immutable once recorded.
type Source struct {
	ID              string    `json:"id"`
	DealID          string    `json:"dealId"`
	EngineName      string    `json:"engineName"`
	SourceURL       string    `json:"sourceUrl"`
	RetrievedAt     time.Time `json:"retrievedAt"`
	ConfidenceScore float64   `json:"confidenceScore"`
}

// EngineRecency summarizes source ages for one engine.
type EngineRecency struct {
	Count         int       `json:"count"`
	Newest        time.Time `json:"newest"`
	Oldest        time.Time `json:"oldest"`
	ThresholdDays int       `json:"thresholdDays"`
	Stale         int       `json:"stale"`
}

// Appendix is the point-in-time evidence snapshot for a deal. One row per
// deal, replaced on each evaluation.
type Appendix struct {
	DealID        string                   `json:"dealId"`
	FundID        string                   `json:"fundId"`
	SourceIDs     []string                 `json:"sourceIds"`
	Domains       []string                 `json:"domains"`
	EngineRecency map[string]EngineRecency `json:"engineRecency"`
	Verdict       string                   `json:"verdict"`
	BlockCode     string                   `json:"blockCode,omitempty"`
	EvaluatedAt   time.Time                `json:"evaluatedAt"`
}

// Details explains each check of an evaluation.
type Details struct {
	SourceIDsValid  bool     `json:"sourceIdsValid"`
	UnknownIDs      []string `json:"unknownIds,omitempty"`
	DistinctDomains int      `json:"distinctDomains"`
	DomainDiversity bool     `json:"domainDiversity"`
	RecencyValid    bool     `json:"recencyValid"`
	StaleSourceIDs  []string `json:"staleSourceIds,omitempty"`
	Reasons         []string `json:"reasons,omitempty"`
}
