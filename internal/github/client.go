// Package github is the thin contract with the GitHub REST API:
// fetching pull request files and posting review output. App
// authentication and installation token issuance stay outside this
// package behind TokenSource.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PullRequestFile is one changed file in a pull request.
type PullRequestFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"` // added, removed, modified, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"` // unified diff hunks, absent for binary files
}

// Client is the outbound GitHub collaborator.
type Client interface {
	ListPullRequestFiles(ctx context.Context, installationID int64, repo string, number int) ([]PullRequestFile, error)
	PostComment(ctx context.Context, installationID int64, repo string, number int, body string) error
	ApprovePullRequest(ctx context.Context, installationID int64, repo string, number int) error
}

// TokenSource supplies an API token scoped to an installation.
type TokenSource interface {
	Token(ctx context.Context, installationID int64) (string, error)
}

// StaticTokenSource returns the same token for every installation.
// Useful for single-tenant deployments and tests; App-based token
// issuance plugs in the same interface.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context, installationID int64) (string, error) {
	return string(s), nil
}

// RESTClient implements Client over the GitHub REST API.
type RESTClient struct {
	http    *http.Client
	tokens  TokenSource
	baseURL string
}

// NewRESTClient creates a GitHub client using the given token source.
func NewRESTClient(tokens TokenSource) *RESTClient {
	return &RESTClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		baseURL: "https://api.github.com",
	}
}

// NewRESTClientWithBaseURL creates a client against a custom API base,
// for tests and GitHub Enterprise.
func NewRESTClientWithBaseURL(tokens TokenSource, baseURL string) *RESTClient {
	c := NewRESTClient(tokens)
	c.baseURL = baseURL
	return c
}

func (c *RESTClient) request(ctx context.Context, installationID int64, method, path string, payload any) ([]byte, error) {
	token, err := c.tokens.Token(ctx, installationID)
	if err != nil {
		return nil, fmt.Errorf("installation token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("github %s %s: status %d", method, path, resp.StatusCode)
	}
	return data, nil
}

// ListPullRequestFiles fetches the changed files of a pull request,
// following pagination up to GitHub's 3000-file ceiling.
func (c *RESTClient) ListPullRequestFiles(ctx context.Context, installationID int64, repo string, number int) ([]PullRequestFile, error) {
	var files []PullRequestFile
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=100&page=%d", repo, number, page)
		data, err := c.request(ctx, installationID, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var batch []PullRequestFile
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("parse pull request files: %w", err)
		}
		files = append(files, batch...)
		if len(batch) < 100 {
			return files, nil
		}
	}
}

// PostComment posts a single issue comment on the pull request.
func (c *RESTClient) PostComment(ctx context.Context, installationID int64, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	_, err := c.request(ctx, installationID, http.MethodPost, path, map[string]string{"body": body})
	return err
}

// ApprovePullRequest submits an approving review.
func (c *RESTClient) ApprovePullRequest(ctx context.Context, installationID int64, repo string, number int) error {
	path := fmt.Sprintf("/repos/%s/pulls/%d/reviews", repo, number)
	_, err := c.request(ctx, installationID, http.MethodPost, path, map[string]string{"event": "APPROVE"})
	return err
}
