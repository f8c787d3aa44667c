// Package mcp exposes critic's review history as MCP tools so AI
// assistants can query review outcomes directly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/critic/internal/models"
	"github.com/joescharf/critic/internal/store"
)

// Server wraps the critic data layer and exposes it as MCP tools.
type Server struct {
	store store.Store
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store) *Server {
	return &Server{store: s}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("critic", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listInstallationsTool())
	srv.AddTool(s.listReviewsTool())
	srv.AddTool(s.getReviewTool())
	srv.AddTool(s.reviewStatsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// critic_list_installations
func (s *Server) listInstallationsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("critic_list_installations",
		mcp.WithDescription("List connected installations. Returns a JSON array with id, owner, enabled flag, whether an API key is configured, and agent settings."),
	)
	return tool, s.handleListInstallations
}

func (s *Server) handleListInstallations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	installations, err := s.store.ListInstallations(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list installations: %v", err)), nil
	}

	type installationOut struct {
		ID        string          `json:"id"`
		Owner     string          `json:"owner"`
		OwnerType string          `json:"owner_type"`
		Enabled   bool            `json:"enabled"`
		HasAPIKey bool            `json:"has_api_key"`
		Settings  models.Settings `json:"settings"`
	}

	out := make([]installationOut, len(installations))
	for i, inst := range installations {
		out[i] = installationOut{
			ID:        inst.ID,
			Owner:     inst.OwnerLogin,
			OwnerType: string(inst.OwnerType),
			Enabled:   inst.Enabled,
			HasAPIKey: len(inst.EncryptedAPIKey) > 0,
			Settings:  inst.Settings,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal installations: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// critic_list_reviews
func (s *Server) listReviewsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("critic_list_reviews",
		mcp.WithDescription("List recent reviews, newest first. Returns a JSON array with repo, PR number, status, issue counts, and duration."),
		mcp.WithString("installation_id", mcp.Description("Filter by installation ID")),
		mcp.WithString("status", mcp.Description("Filter by status: pending, completed, failed")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of reviews to return (default 20)")),
	)
	return tool, s.handleListReviews
}

func (s *Server) handleListReviews(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	filter := store.ReviewListFilter{
		InstallationID: request.GetString("installation_id", ""),
		Status:         models.ReviewStatus(request.GetString("status", "")),
		Limit:          limit,
	}

	reviews, err := s.store.ListReviews(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list reviews: %v", err)), nil
	}

	data, err := json.Marshal(reviews)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal reviews: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// critic_get_review
func (s *Server) getReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("critic_get_review",
		mcp.WithDescription("Get one review by ID, including per-agent issue counts and the recorded outcome."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Review ID")),
	)
	return tool, s.handleGetReview
}

func (s *Server) handleGetReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	review, err := s.store.GetReview(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get review: %v", err)), nil
	}

	data, err := json.Marshal(review)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal review: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// critic_review_stats
func (s *Server) reviewStatsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("critic_review_stats",
		mcp.WithDescription("Aggregate review statistics for an installation over a trailing window."),
		mcp.WithString("installation_id", mcp.Required(), mcp.Description("Installation ID")),
		mcp.WithNumber("days", mcp.Description("Trailing window in days (default 30)")),
	)
	return tool, s.handleReviewStats
}

func (s *Server) handleReviewStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("installation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	days := request.GetInt("days", 30)
	since := time.Now().UTC().AddDate(0, 0, -days)

	stats, err := s.store.GetReviewStats(ctx, id, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get review stats: %v", err)), nil
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
