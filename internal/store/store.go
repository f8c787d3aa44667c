package store

import (
	"context"
	"time"

	"github.com/joescharf/critic/internal/models"
)

// ReviewListFilter specifies filters for listing reviews.
type ReviewListFilter struct {
	InstallationID string
	RepoFullName   string
	Status         models.ReviewStatus
	Limit          int
}

// ReviewStats aggregates review outcomes for an installation.
type ReviewStats struct {
	TotalReviews       int     `json:"total_reviews"`
	CompletedReviews   int     `json:"completed_reviews"`
	FailedReviews      int     `json:"failed_reviews"`
	TotalIssuesFound   int     `json:"total_issues_found"`
	AvgIssuesPerReview float64 `json:"avg_issues_per_review"`
}

// Store defines the persistence interface for critic.
type Store interface {
	// Installations
	CreateInstallation(ctx context.Context, inst *models.Installation) error
	GetInstallation(ctx context.Context, id string) (*models.Installation, error)
	GetInstallationByExternalID(ctx context.Context, externalID int64) (*models.Installation, error)
	ListInstallations(ctx context.Context) ([]*models.Installation, error)
	UpdateInstallationSettings(ctx context.Context, id string, settings models.Settings) error
	UpdateInstallationKey(ctx context.Context, id string, encryptedKey []byte) error
	SetInstallationEnabled(ctx context.Context, id string, enabled bool) error

	// Reviews
	CreateReview(ctx context.Context, review *models.Review) error
	GetReview(ctx context.Context, id string) (*models.Review, error)
	ListReviews(ctx context.Context, filter ReviewListFilter) ([]*models.Review, error)
	FinalizeReview(ctx context.Context, id string, outcome models.ReviewOutcome) error
	GetReviewStats(ctx context.Context, installationID string, since time.Time) (*ReviewStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
