// Package pipeline drives one review run end to end: durable record,
// credential resolution, agent dispatch, synthesis, and outcome
// recording.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joescharf/critic/internal/agents"
	"github.com/joescharf/critic/internal/github"
	"github.com/joescharf/critic/internal/models"
	"github.com/joescharf/critic/internal/store"
	"github.com/joescharf/critic/internal/synthesis"
	"github.com/joescharf/critic/internal/vault"
	"github.com/joescharf/critic/internal/webhook"
)

// Config bounds one pipeline run.
type Config struct {
	RunTimeout  time.Duration // wall-clock ceiling for the whole run
	MaxFindings int           // report cap passed to synthesis
}

// DefaultConfig returns the production pipeline parameters.
func DefaultConfig() Config {
	return Config{
		RunTimeout:  60 * time.Second,
		MaxFindings: synthesis.DefaultMaxFindings,
	}
}

// Runner processes webhook events. Runs for different deliveries share
// nothing but the store; each run touches only its own review row.
type Runner struct {
	store      store.Store
	vault      *vault.Vault
	dispatcher *agents.Dispatcher
	gh         github.Client
	cfg        Config
	logger     *slog.Logger
}

// NewRunner wires the pipeline's collaborators together.
func NewRunner(s store.Store, v *vault.Vault, d *agents.Dispatcher, gh github.Client, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: s, vault: v, dispatcher: d, gh: gh, cfg: cfg, logger: logger}
}

// notConfiguredMessage directs the owner to the config UI. Posted as
// the explanatory comment and recorded on the failed review.
const notConfiguredMessage = "no API key is configured for this installation. " +
	"Add your Anthropic API key in the Critic settings page to enable reviews."

const decryptionFailedMessage = "the stored API key could not be read. " +
	"Re-save your Anthropic API key in the Critic settings page."

// HandleInstallation applies an installation lifecycle event: created
// installs a row with default settings, deleted soft-disables it so
// review history is retained.
func (r *Runner) HandleInstallation(ctx context.Context, ev *webhook.InstallationEvent) error {
	switch ev.Action {
	case "created":
		if _, err := r.store.GetInstallationByExternalID(ctx, ev.InstallationID); err == nil {
			return nil // repeat delivery
		}
		inst := &models.Installation{
			ExternalID: ev.InstallationID,
			OwnerLogin: ev.OwnerLogin,
			OwnerType:  models.OwnerType(ev.OwnerType),
			Enabled:    true,
			Settings:   models.DefaultSettings(),
		}
		if err := r.store.CreateInstallation(ctx, inst); err != nil {
			return fmt.Errorf("create installation: %w", err)
		}
		r.logger.Info("installation created", "external_id", ev.InstallationID, "owner", ev.OwnerLogin)
		return nil

	case "deleted":
		inst, err := r.store.GetInstallationByExternalID(ctx, ev.InstallationID)
		if err != nil {
			return nil // never installed, nothing to disable
		}
		if err := r.store.SetInstallationEnabled(ctx, inst.ID, false); err != nil {
			return fmt.Errorf("disable installation: %w", err)
		}
		r.logger.Info("installation disabled", "external_id", ev.InstallationID)
		return nil

	default:
		return nil
	}
}

// Run processes one pull_request event. Pipeline failures are recorded
// on the review row, not returned: the only errors surfaced to the
// caller are ones that prevented a durable record from existing at all.
func (r *Runner) Run(ctx context.Context, ev *webhook.PullRequestEvent) error {
	inst, err := r.store.GetInstallationByExternalID(ctx, ev.InstallationID)
	if err != nil {
		// PR event before the installation event: register the
		// installation so the owner shows up in the config UI.
		inst = &models.Installation{
			ExternalID: ev.InstallationID,
			Enabled:    true,
			Settings:   models.DefaultSettings(),
		}
		if err := r.store.CreateInstallation(ctx, inst); err != nil {
			return fmt.Errorf("register installation: %w", err)
		}
	}
	if !inst.Enabled {
		r.logger.Info("skipping review for disabled installation", "external_id", ev.InstallationID)
		return nil
	}

	review := &models.Review{
		InstallationID: inst.ID,
		RepoFullName:   ev.RepoFullName,
		PRNumber:       ev.Number,
		PRTitle:        ev.Title,
		CommitSHA:      ev.HeadSHA,
		Status:         models.ReviewStatusPending,
	}
	if err := r.store.CreateReview(ctx, review); err != nil {
		return fmt.Errorf("create review: %w", err)
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	r.execute(runCtx, inst, ev, review, start)
	return nil
}

// execute runs the pipeline body against an existing pending review.
// Every exit path finalizes the review exactly once; the decrypted
// credential never escapes this frame.
func (r *Runner) execute(ctx context.Context, inst *models.Installation, ev *webhook.PullRequestEvent, review *models.Review, start time.Time) {
	apiKey, err := r.vault.Resolve(inst)
	if err != nil {
		msg := notConfiguredMessage
		if errors.Is(err, vault.ErrDecryptionFailed) {
			msg = decryptionFailedMessage
		}
		r.postComment(ctx, ev, synthesis.RenderFailure(msg))
		r.finalize(ctx, review.ID, models.ReviewOutcome{
			Status:       models.ReviewStatusFailed,
			Duration:     time.Since(start),
			ErrorMessage: msg,
		})
		return
	}

	files, err := r.gh.ListPullRequestFiles(ctx, inst.ExternalID, ev.RepoFullName, ev.Number)
	if err != nil {
		msg := fmt.Sprintf("could not fetch pull request files: %v", err)
		r.finalize(ctx, review.ID, models.ReviewOutcome{
			Status:       models.ReviewStatusFailed,
			Duration:     time.Since(start),
			ErrorMessage: msg,
		})
		return
	}

	diff, filesReviewed := BuildDiff(files)
	if filesReviewed == 0 {
		r.logger.Info("no reviewable files in pull request",
			"repo", ev.RepoFullName, "pr", ev.Number)
		r.finalize(ctx, review.ID, models.ReviewOutcome{
			Status:       models.ReviewStatusCompleted,
			IssuesByType: emptyCounts(),
			Duration:     time.Since(start),
		})
		return
	}

	enabled := inst.Settings.EnabledAgents()
	findings, statuses, err := r.dispatcher.Run(ctx, diff, enabled, apiKey)
	if err != nil {
		msg := fmt.Sprintf("all review agents failed (%s)", summarizeStatuses(statuses))
		r.postComment(ctx, ev, synthesis.RenderFailure(
			"every review agent failed. This usually means the configured API key was rejected by the provider."))
		r.finalize(ctx, review.ID, models.ReviewOutcome{
			Status:        models.ReviewStatusFailed,
			FilesReviewed: filesReviewed,
			IssuesByType:  emptyCounts(),
			Duration:      time.Since(start),
			ErrorMessage:  msg,
		})
		return
	}

	report := synthesis.Synthesize(findings, r.cfg.MaxFindings)
	r.postComment(ctx, ev, synthesis.Render(report))

	if inst.Settings.AutoApprove && report.IssuesFound == 0 {
		if err := r.gh.ApprovePullRequest(ctx, inst.ExternalID, ev.RepoFullName, ev.Number); err != nil {
			r.logger.Warn("auto-approve failed", "repo", ev.RepoFullName, "pr", ev.Number, "error", err)
		}
	}

	r.finalize(ctx, review.ID, models.ReviewOutcome{
		Status:        models.ReviewStatusCompleted,
		FilesReviewed: filesReviewed,
		IssuesFound:   report.IssuesFound,
		IssuesByType:  report.IssuesByType,
		Duration:      time.Since(start),
	})

	r.logger.Info("review completed",
		"repo", ev.RepoFullName, "pr", ev.Number,
		"files", filesReviewed, "issues", report.IssuesFound,
		"statuses", summarizeStatuses(statuses),
		"duration", time.Since(start))
}

// postComment hands the rendered report to the comment collaborator.
// Best-effort: posting failures are logged, never fatal.
func (r *Runner) postComment(ctx context.Context, ev *webhook.PullRequestEvent, body string) {
	if err := r.gh.PostComment(ctx, ev.InstallationID, ev.RepoFullName, ev.Number, body); err != nil {
		r.logger.Error("post review comment failed",
			"repo", ev.RepoFullName, "pr", ev.Number, "error", err)
	}
}

// finalize records the terminal outcome. A persistence failure is
// logged and swallowed: the user-visible comment has already been
// posted and must not depend on the write.
func (r *Runner) finalize(ctx context.Context, reviewID string, outcome models.ReviewOutcome) {
	// Use a fresh context so an expired run deadline cannot block the
	// outcome record.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := r.store.FinalizeReview(writeCtx, reviewID, outcome); err != nil {
		r.logger.Error("finalize review failed", "review_id", reviewID, "error", err)
	}
}

func emptyCounts() map[string]int {
	counts := make(map[string]int, len(models.AgentNames))
	for _, name := range models.AgentNames {
		counts[name] = 0
	}
	return counts
}

func summarizeStatuses(statuses map[string]agents.Status) string {
	parts := make([]string, 0, len(statuses))
	for _, name := range models.AgentNames {
		if status, ok := statuses[name]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", name, status))
		}
	}
	return strings.Join(parts, " ")
}
