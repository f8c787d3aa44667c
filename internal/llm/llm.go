// Package llm implements the model-invocation side of a review agent:
// it builds the role prompt, calls the Anthropic API with the
// installation's key, and parses the response into findings.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/critic/internal/agents"
	"github.com/joescharf/critic/internal/models"
)

// Client calls the Anthropic API on behalf of review agents. The API
// key is supplied per call because each installation brings its own;
// the client itself holds no credentials.
type Client struct {
	model   anthropic.Model
	baseURL string // test override, empty in production
}

// NewClient creates an analyzer for the given model.
func NewClient(model string) *Client {
	return &Client{model: anthropic.Model(model)}
}

// responseFormat instructs the model how findings must be structured.
// Shared across all roles; the role prompt supplies the expertise.
const responseFormat = `
## Response Format
Respond with a JSON array of issues found in the diff. Each issue must have:
- "file": path of the file the issue is in
- "line_start": integer, 1-indexed line number where the issue starts
- "line_end": integer or null, line where the issue ends (null if single line)
- "severity": one of "info", "low", "medium", "high"
- "title": short title describing the issue (max 100 chars)
- "description": detailed explanation of the issue
- "suggestion": how to fix the issue (optional)

If no issues are found, return an empty array: []
Return ONLY the JSON array, no other text.`

// buildPrompt constructs the system and user prompts for one agent.
func buildPrompt(role agents.Role, diff string) (system string, user string) {
	system = strings.TrimSpace(role.Prompt) + "\n" + responseFormat

	var sb strings.Builder
	sb.WriteString("Review the following pull request diff. ")
	sb.WriteString("Line numbers refer to the new side of each hunk.\n\n")
	sb.WriteString(diff)
	user = sb.String()
	return
}

// Analyze implements agents.Analyzer against the Anthropic API.
func (c *Client) Analyze(ctx context.Context, role agents.Role, diff string, apiKey string) ([]models.Finding, error) {
	systemPrompt, userPrompt := buildPrompt(role, diff)

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}
	api := anthropic.NewClient(opts...)

	msg, err := api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, classifyError(err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, &agents.CallError{
			Class: agents.ErrorClassPermanent,
			Err:   errors.New("no text content in API response"),
		}
	}

	findings, err := ParseFindings(text, role.Name)
	if err != nil {
		return nil, &agents.CallError{Class: agents.ErrorClassPermanent, Err: err}
	}
	return findings, nil
}

// classifyError maps an API failure to the dispatcher's tagged result.
// Rate limits and server-side failures are transient; authentication
// and request errors are permanent. Context expiry passes through so
// the dispatcher records a timeout rather than an error.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests,
			apierr.StatusCode == http.StatusRequestTimeout,
			apierr.StatusCode >= 500:
			return &agents.CallError{
				Class:      agents.ErrorClassTransient,
				RetryAfter: retryAfterHint(apierr.Response),
				Err:        err,
			}
		default:
			// 401/403 (bad key) and other 4xx: never retried.
			return &agents.CallError{Class: agents.ErrorClassPermanent, Err: err}
		}
	}

	// Network-level failures without a response are worth one more try.
	return &agents.CallError{Class: agents.ErrorClassTransient, Err: err}
}

// retryAfterHint reads the provider's retry-after header, if any.
func retryAfterHint(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// rawFinding mirrors the JSON shape the model is asked to produce.
type rawFinding struct {
	File        string `json:"file"`
	LineStart   int    `json:"line_start"`
	LineEnd     *int   `json:"line_end"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

// ParseFindings parses a model response into findings for the given
// agent. Individual malformed entries are skipped; a response that is
// not a JSON array at all is an error.
func ParseFindings(text, agentName string) ([]models.Finding, error) {
	text = stripFences(text)

	// Models occasionally wrap the array in prose despite instructions.
	if !strings.HasPrefix(text, "[") {
		start := strings.Index(text, "[")
		end := strings.LastIndex(text, "]")
		if start == -1 || end == -1 || end < start {
			return nil, fmt.Errorf("response contains no JSON array")
		}
		text = text[start : end+1]
	}

	var raw []rawFinding
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse model response as JSON: %w", err)
	}

	var findings []models.Finding
	for _, r := range raw {
		if r.File == "" || r.Title == "" && r.Description == "" {
			continue
		}
		lineStart := r.LineStart
		if lineStart < 1 {
			lineStart = 1
		}
		lineEnd := 0
		if r.LineEnd != nil && *r.LineEnd > lineStart {
			lineEnd = *r.LineEnd
		}
		findings = append(findings, models.Finding{
			Agent:      agentName,
			Severity:   normalizeSeverity(r.Severity),
			File:       r.File,
			LineStart:  lineStart,
			LineEnd:    lineEnd,
			Title:      r.Title,
			Message:    r.Description,
			Suggestion: r.Suggestion,
			Category:   agentName,
		})
	}
	return findings, nil
}

// stripFences removes markdown code fencing if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// normalizeSeverity maps model output onto the known severity set.
// Models trained on other rubrics sometimes emit "critical"; fold that
// into high rather than dropping the finding.
func normalizeSeverity(s string) models.Severity {
	sev := models.Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev == "critical" {
		return models.SeverityHigh
	}
	if !sev.Valid() {
		return models.SeverityInfo
	}
	return sev
}
