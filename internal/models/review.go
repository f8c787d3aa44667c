package models

import "time"

// ReviewStatus is the state of a review run. Transitions are monotonic:
// pending moves to completed or failed exactly once and never reopens.
type ReviewStatus string

const (
	ReviewStatusPending   ReviewStatus = "pending"
	ReviewStatusCompleted ReviewStatus = "completed"
	ReviewStatusFailed    ReviewStatus = "failed"
)

// Review records one end-to-end processing of a pull request webhook.
type Review struct {
	ID             string         `json:"id"`
	InstallationID string         `json:"installation_id"`
	RepoFullName   string         `json:"repo_full_name"`
	PRNumber       int            `json:"pr_number"`
	PRTitle        string         `json:"pr_title"`
	CommitSHA      string         `json:"commit_sha"`
	FilesReviewed  int            `json:"files_reviewed"`
	IssuesFound    int            `json:"issues_found"`
	IssuesByType   map[string]int `json:"issues_by_type"` // agent name -> count, same keys as Settings.Agents
	DurationMs     int64          `json:"duration_ms"`
	Status         ReviewStatus   `json:"status"`
	ErrorMessage   string         `json:"error_message,omitempty"` // set only when Status is failed
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ReviewOutcome is the terminal result applied to a pending review.
type ReviewOutcome struct {
	Status        ReviewStatus
	FilesReviewed int
	IssuesFound   int
	IssuesByType  map[string]int
	Duration      time.Duration
	ErrorMessage  string
}
