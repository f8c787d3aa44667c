package pipeline

import (
	"fmt"
	"strings"

	"github.com/joescharf/critic/internal/github"
)

// reviewableExtensions are the source file types agents can analyze.
var reviewableExtensions = []string{
	".py", ".js", ".ts", ".jsx", ".tsx",
	".go", ".rs", ".java", ".rb", ".php",
	".c", ".cpp", ".cs", ".swift", ".kt",
}

// skipPatterns filter out generated and vendored content that would
// waste model tokens without producing useful findings.
var skipPatterns = []string{
	"package-lock.json",
	"yarn.lock",
	"poetry.lock",
	"Pipfile.lock",
	".min.js",
	".min.css",
	"vendor/",
	"node_modules/",
	"__pycache__/",
	".git/",
}

// IsReviewable reports whether a changed file should be sent to the
// agents.
func IsReviewable(filename string) bool {
	for _, pattern := range skipPatterns {
		if strings.Contains(filename, pattern) {
			return false
		}
	}
	for _, ext := range reviewableExtensions {
		if strings.HasSuffix(filename, ext) {
			return true
		}
	}
	return false
}

// BuildDiff assembles the diff bundle handed to every agent and returns
// it with the count of files included. Removed and patchless (binary)
// files are excluded.
func BuildDiff(files []github.PullRequestFile) (string, int) {
	var sb strings.Builder
	count := 0
	for _, f := range files {
		if f.Status == "removed" || f.Patch == "" || !IsReviewable(f.Filename) {
			continue
		}
		if count > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "## File: %s (%s, +%d -%d)\n", f.Filename, f.Status, f.Additions, f.Deletions)
		sb.WriteString(f.Patch)
		sb.WriteString("\n")
		count++
	}
	return sb.String(), count
}
