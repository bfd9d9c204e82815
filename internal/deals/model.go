package deals

// Queue statuses mirrored onto the deal row for dashboards.
const (
	QueueStatusQueued     = "queued"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
	QueueStatusBlocked    = "blocked"
)

// Fund types recognised by the safe-mode size bands.
const (
	FundTypeVC = "vc"
	FundTypePE = "pe"
)

// Deal is the slice of deal data the analysis pipeline consumes.
type Deal struct {
	ID          string   `json:"id"`
	FundID      string   `json:"fundId"`
	CompanyName string   `json:"companyName"`
	Industry    string   `json:"industry"`
	Location    string   `json:"location"`
	DealSize    *float64 `json:"dealSize,omitempty"`
	Valuation   *float64 `json:"valuation,omitempty"`
	QueueStatus string   `json:"queueStatus,omitempty"`
}

// Fund carries mandate settings used for scoring and evidence recency.
type Fund struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	FundType    string         `json:"fundType"`
	Industries  []string       `json:"industries"`
	Geographies []string       `json:"geographies"`
	RecencyDays map[string]int `json:"recencyDays,omitempty"`
}

// Strategy overrides the fund's mandate for a single scoring request.
type Strategy struct {
	Industries  []string `json:"industries,omitempty"`
	Geographies []string `json:"geographies,omitempty"`
	CheckMin    *float64 `json:"checkMin,omitempty"`
	CheckMax    *float64 `json:"checkMax,omitempty"`
}

// StrategyFromFund derives the default strategy for a fund.
func StrategyFromFund(f Fund) Strategy {
	return Strategy{
		Industries:  append([]string(nil), f.Industries...),
		Geographies: append([]string(nil), f.Geographies...),
	}
}

// IsValidQueueStatus reports whether status may be stored on a deal.
func IsValidQueueStatus(status string) bool {
	switch status {
	case QueueStatusQueued, QueueStatusProcessing, QueueStatusCompleted, QueueStatusFailed, QueueStatusBlocked:
		return true
	default:
		return false
	}
}
