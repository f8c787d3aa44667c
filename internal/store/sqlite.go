package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/critic/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent webhook
	// deliveries.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Installations ---

func (s *SQLiteStore) CreateInstallation(ctx context.Context, inst *models.Installation) error {
	if inst.ID == "" {
		inst.ID = newULID()
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst.Settings = inst.Settings.Normalize()

	settings, err := json.Marshal(inst.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO installations (id, external_id, owner_login, owner_type, encrypted_api_key, enabled, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.ExternalID, inst.OwnerLogin, string(inst.OwnerType),
		inst.EncryptedAPIKey, boolToInt(inst.Enabled), string(settings), inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create installation: %w", err)
	}
	return nil
}

const installationColumns = `id, external_id, owner_login, owner_type, encrypted_api_key, enabled, settings, created_at, updated_at`

func scanInstallation(row interface{ Scan(...any) error }) (*models.Installation, error) {
	inst := &models.Installation{}
	var ownerType, settings string
	if err := row.Scan(&inst.ID, &inst.ExternalID, &inst.OwnerLogin, &ownerType,
		&inst.EncryptedAPIKey, &inst.Enabled, &settings, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.OwnerType = models.OwnerType(ownerType)
	if err := json.Unmarshal([]byte(settings), &inst.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	inst.Settings = inst.Settings.Normalize()
	return inst, nil
}

func (s *SQLiteStore) GetInstallation(ctx context.Context, id string) (*models.Installation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+installationColumns+` FROM installations WHERE id = ?`, id)
	inst, err := scanInstallation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("installation not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get installation: %w", err)
	}
	return inst, nil
}

func (s *SQLiteStore) GetInstallationByExternalID(ctx context.Context, externalID int64) (*models.Installation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+installationColumns+` FROM installations WHERE external_id = ?`, externalID)
	inst, err := scanInstallation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("installation not found: %d", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("get installation by external id: %w", err)
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstallations(ctx context.Context) ([]*models.Installation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+installationColumns+` FROM installations ORDER BY owner_login`)
	if err != nil {
		return nil, fmt.Errorf("list installations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var installations []*models.Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan installation: %w", err)
		}
		installations = append(installations, inst)
	}
	return installations, rows.Err()
}

func (s *SQLiteStore) UpdateInstallationSettings(ctx context.Context, id string, settings models.Settings) error {
	data, err := json.Marshal(settings.Normalize())
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE installations SET settings=?, updated_at=? WHERE id=?`,
		string(data), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update installation settings: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("installation not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) UpdateInstallationKey(ctx context.Context, id string, encryptedKey []byte) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE installations SET encrypted_api_key=?, updated_at=? WHERE id=?`,
		encryptedKey, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update installation key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("installation not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) SetInstallationEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE installations SET enabled=?, updated_at=? WHERE id=?`,
		boolToInt(enabled), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set installation enabled: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("installation not found: %s", id)
	}
	return nil
}

// --- Reviews ---

func (s *SQLiteStore) CreateReview(ctx context.Context, review *models.Review) error {
	if review.ID == "" {
		review.ID = newULID()
	}
	if review.Status == "" {
		review.Status = models.ReviewStatusPending
	}
	if review.IssuesByType == nil {
		review.IssuesByType = map[string]int{}
	}
	now := time.Now().UTC()
	review.CreatedAt = now
	review.UpdatedAt = now

	byType, err := json.Marshal(review.IssuesByType)
	if err != nil {
		return fmt.Errorf("marshal issues by type: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reviews (id, installation_id, repo_full_name, pr_number, pr_title, commit_sha, files_reviewed, issues_found, issues_by_type, review_duration_ms, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		review.ID, review.InstallationID, review.RepoFullName, review.PRNumber, review.PRTitle, review.CommitSHA,
		review.FilesReviewed, review.IssuesFound, string(byType), review.DurationMs,
		string(review.Status), review.ErrorMessage, review.CreatedAt, review.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	return nil
}

const reviewColumns = `id, installation_id, repo_full_name, pr_number, pr_title, commit_sha, files_reviewed, issues_found, issues_by_type, review_duration_ms, status, error_message, created_at, updated_at`

func scanReview(row interface{ Scan(...any) error }) (*models.Review, error) {
	r := &models.Review{}
	var byType, status string
	if err := row.Scan(&r.ID, &r.InstallationID, &r.RepoFullName, &r.PRNumber, &r.PRTitle, &r.CommitSHA,
		&r.FilesReviewed, &r.IssuesFound, &byType, &r.DurationMs, &status, &r.ErrorMessage,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = models.ReviewStatus(status)
	if err := json.Unmarshal([]byte(byType), &r.IssuesByType); err != nil {
		return nil, fmt.Errorf("unmarshal issues by type: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) GetReview(ctx context.Context, id string) (*models.Review, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id)
	r, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("review not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListReviews(ctx context.Context, filter ReviewListFilter) ([]*models.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE 1=1`
	var args []any
	if filter.InstallationID != "" {
		query += ` AND installation_id = ?`
		args = append(args, filter.InstallationID)
	}
	if filter.RepoFullName != "" {
		query += ` AND repo_full_name = ?`
		args = append(args, filter.RepoFullName)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reviews []*models.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// FinalizeReview transitions a pending review to its terminal state.
// The WHERE clause enforces the pending -> {completed, failed} state
// machine: finalizing an already-finalized review affects zero rows
// and returns an error instead of overwriting the recorded outcome.
func (s *SQLiteStore) FinalizeReview(ctx context.Context, id string, outcome models.ReviewOutcome) error {
	if outcome.Status != models.ReviewStatusCompleted && outcome.Status != models.ReviewStatusFailed {
		return fmt.Errorf("invalid terminal status: %s", outcome.Status)
	}
	if outcome.IssuesByType == nil {
		outcome.IssuesByType = map[string]int{}
	}
	byType, err := json.Marshal(outcome.IssuesByType)
	if err != nil {
		return fmt.Errorf("marshal issues by type: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE reviews SET status=?, files_reviewed=?, issues_found=?, issues_by_type=?, review_duration_ms=?, error_message=?, updated_at=?
		WHERE id=? AND status=?`,
		string(outcome.Status), outcome.FilesReviewed, outcome.IssuesFound, string(byType),
		outcome.Duration.Milliseconds(), outcome.ErrorMessage, time.Now().UTC(),
		id, string(models.ReviewStatusPending),
	)
	if err != nil {
		return fmt.Errorf("finalize review: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("review not pending: %s", id)
	}
	return nil
}

func (s *SQLiteStore) GetReviewStats(ctx context.Context, installationID string, since time.Time) (*ReviewStats, error) {
	stats := &ReviewStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(issues_found), 0)
		FROM reviews WHERE installation_id = ? AND created_at >= ?`,
		installationID, since.UTC(),
	).Scan(&stats.TotalReviews, &stats.CompletedReviews, &stats.FailedReviews, &stats.TotalIssuesFound)
	if err != nil {
		return nil, fmt.Errorf("review stats: %w", err)
	}
	if stats.TotalReviews > 0 {
		stats.AvgIssuesPerReview = float64(stats.TotalIssuesFound) / float64(stats.TotalReviews)
	}
	return stats, nil
}
