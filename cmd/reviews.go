package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/critic/internal/models"
	"github.com/joescharf/critic/internal/output"
	"github.com/joescharf/critic/internal/store"
)

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "List recent reviews",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		reviews, err := s.ListReviews(cmd.Context(), store.ReviewListFilter{
			Status: models.ReviewStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return fmt.Errorf("list reviews: %w", err)
		}

		if len(reviews) == 0 {
			ui.Info("No reviews yet")
			return nil
		}

		table := ui.Table([]string{"WHEN", "REPO", "PR", "STATUS", "FILES", "ISSUES", "BREAKDOWN", "DURATION"})
		for _, r := range reviews {
			table.Append([]string{
				r.CreatedAt.Local().Format("2006-01-02 15:04"),
				r.RepoFullName,
				fmt.Sprintf("#%d", r.PRNumber),
				output.StatusColor(string(r.Status)),
				fmt.Sprintf("%d", r.FilesReviewed),
				fmt.Sprintf("%d", r.IssuesFound),
				breakdown(r.IssuesByType),
				(time.Duration(r.DurationMs) * time.Millisecond).String(),
			})
		}
		return table.Render()
	},
}

// breakdown formats per-agent counts, skipping zeroes to keep rows short.
func breakdown(byType map[string]int) string {
	var parts []string
	for _, name := range models.AgentNames {
		if n := byType[name]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", name, n))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func init() {
	rootCmd.AddCommand(reviewsCmd)

	reviewsCmd.Flags().IntP("limit", "l", 20, "maximum reviews to show")
	reviewsCmd.Flags().StringP("status", "s", "", "filter by status (pending, completed, failed)")
}
