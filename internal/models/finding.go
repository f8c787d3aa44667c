package models

// Severity is the reported impact of a finding.
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// severityRank orders severities for sorting and dedup comparisons.
var severityRank = map[Severity]int{
	SeverityInfo:   0,
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

// Rank returns a comparable weight for the severity. Unknown severities
// rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Finding is a single issue reported by one agent. Findings are
// transient: they exist between dispatch and synthesis and only
// aggregate counts are persisted.
type Finding struct {
	Agent      string   `json:"agent"`
	Severity   Severity `json:"severity"`
	File       string   `json:"file"`
	LineStart  int      `json:"line_start"`
	LineEnd    int      `json:"line_end"` // 0 means single line at LineStart
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
	Category   string   `json:"category"`
}
