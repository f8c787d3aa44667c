// Package synthesis merges the findings from all agents into one
// deterministic, ordered report.
package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joescharf/critic/internal/models"
)

// DefaultMaxFindings caps how many findings the rendered report keeps.
const DefaultMaxFindings = 50

// agentPriority resolves dedup ties: when two agents report the same
// finding at the same severity, the agent listed first in
// models.AgentNames wins.
var agentPriority = func() map[string]int {
	m := make(map[string]int, len(models.AgentNames))
	for i, name := range models.AgentNames {
		m[name] = i
	}
	return m
}()

// Report is the synthesized result of one review run.
type Report struct {
	Findings     []models.Finding // deduplicated, ordered, capped
	IssuesFound  int              // full deduplicated count, including omitted
	IssuesByType map[string]int   // per-agent counts over the full deduplicated set
	Omitted      int              // findings dropped by the cap
}

// lineRange returns the inclusive line span of a finding.
func lineRange(f models.Finding) (int, int) {
	start := f.LineStart
	end := f.LineEnd
	if end < start {
		end = start
	}
	return start, end
}

// duplicates reports whether two findings describe the same issue:
// same file, same category, overlapping line ranges.
func duplicates(a, b models.Finding) bool {
	if a.File != b.File || a.Category != b.Category {
		return false
	}
	aStart, aEnd := lineRange(a)
	bStart, bEnd := lineRange(b)
	return aStart <= bEnd && bStart <= aEnd
}

// fieldsLess is the shared tail comparator over every remaining field,
// so that both orders below are total and never fall back on input
// position for findings that differ in any field at all.
func fieldsLess(a, b models.Finding) bool {
	if a.Title != b.Title {
		return a.Title < b.Title
	}
	if a.LineEnd != b.LineEnd {
		return a.LineEnd < b.LineEnd
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	return a.Message < b.Message
}

// dedupLess orders findings for duplicate resolution: higher severity
// first, then agent priority, so the iteration below always keeps the
// winner of any duplicate pair.
func dedupLess(a, b models.Finding) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if agentPriority[a.Agent] != agentPriority[b.Agent] {
		return agentPriority[a.Agent] < agentPriority[b.Agent]
	}
	if a.File != b.File {
		return a.File < b.File
	}
	if a.LineStart != b.LineStart {
		return a.LineStart < b.LineStart
	}
	return fieldsLess(a, b)
}

// reportLess is the total order of the final report: severity
// descending, file ascending, line ascending, agent ascending.
func reportLess(a, b models.Finding) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if a.File != b.File {
		return a.File < b.File
	}
	if a.LineStart != b.LineStart {
		return a.LineStart < b.LineStart
	}
	if a.Agent != b.Agent {
		return a.Agent < b.Agent
	}
	return fieldsLess(a, b)
}

// Synthesize deduplicates and orders findings into a report. The result
// is a pure function of the finding set: input order never matters, and
// an already-synthesized set is a fixed point.
func Synthesize(findings []models.Finding, maxFindings int) *Report {
	if maxFindings <= 0 {
		maxFindings = DefaultMaxFindings
	}

	// Sort so that for any duplicate pair the finding to keep comes
	// first, then keep each finding unless it duplicates one already
	// kept.
	sorted := make([]models.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool { return dedupLess(sorted[i], sorted[j]) })

	var deduped []models.Finding
	for _, f := range sorted {
		dup := false
		for _, kept := range deduped {
			if duplicates(kept, f) {
				dup = true
				break
			}
		}
		if !dup {
			deduped = append(deduped, f)
		}
	}

	byType := make(map[string]int, len(models.AgentNames))
	for _, name := range models.AgentNames {
		byType[name] = 0
	}
	for _, f := range deduped {
		byType[f.Agent]++
	}

	sort.SliceStable(deduped, func(i, j int) bool { return reportLess(deduped[i], deduped[j]) })

	omitted := 0
	if len(deduped) > maxFindings {
		omitted = len(deduped) - maxFindings
		deduped = deduped[:maxFindings]
	}

	return &Report{
		Findings:     deduped,
		IssuesFound:  len(deduped) + omitted,
		IssuesByType: byType,
		Omitted:      omitted,
	}
}

// location formats a finding's file and line span.
func location(f models.Finding) string {
	start, end := lineRange(f)
	if end > start {
		return fmt.Sprintf("%s:%d-%d", f.File, start, end)
	}
	return fmt.Sprintf("%s:%d", f.File, start)
}

// Render produces the single markdown comment body posted to the pull
// request: findings grouped by category in agent priority order, with
// failed or absent agents silently omitted.
func Render(report *Report) string {
	var sb strings.Builder
	sb.WriteString("## Critic Review\n\n")

	if report.IssuesFound == 0 {
		sb.WriteString("No issues found. Nice work!\n")
		return sb.String()
	}

	if report.IssuesFound == 1 {
		sb.WriteString("Found 1 issue.\n")
	} else {
		fmt.Fprintf(&sb, "Found %d issues.\n", report.IssuesFound)
	}

	for _, agent := range models.AgentNames {
		var section []models.Finding
		for _, f := range report.Findings {
			if f.Category == agent {
				section = append(section, f)
			}
		}
		if len(section) == 0 {
			continue
		}

		fmt.Fprintf(&sb, "\n### %s\n\n", strings.ToUpper(agent[:1])+agent[1:])
		for _, f := range section {
			fmt.Fprintf(&sb, "- **%s** `%s`: %s", f.Severity, location(f), f.Title)
			if f.Message != "" {
				sb.WriteString("\n  ")
				sb.WriteString(strings.ReplaceAll(f.Message, "\n", " "))
			}
			if f.Suggestion != "" {
				sb.WriteString("\n  *Suggestion:* ")
				sb.WriteString(strings.ReplaceAll(f.Suggestion, "\n", " "))
			}
			sb.WriteString("\n")
		}
	}

	if report.Omitted > 0 {
		fmt.Fprintf(&sb, "\n_%d additional finding(s) omitted. Fix the above and push to re-run the review._\n", report.Omitted)
	}

	return sb.String()
}

// RenderFailure produces the single explanatory comment posted when no
// agent produced output.
func RenderFailure(message string) string {
	var sb strings.Builder
	sb.WriteString("## Critic Review\n\n")
	sb.WriteString("The review could not be completed: ")
	sb.WriteString(message)
	sb.WriteString("\n")
	return sb.String()
}
