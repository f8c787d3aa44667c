package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/critic/internal/agents"
	"github.com/joescharf/critic/internal/models"
)

func TestBuildPrompt(t *testing.T) {
	role := agents.Role{Name: "security", Title: "Security", Prompt: "You review security.\n"}
	system, user := buildPrompt(role, "## File: auth.go\n+password := \"hunter2\"")

	assert.Contains(t, system, "You review security.")
	assert.Contains(t, system, "Response Format")
	assert.Contains(t, system, `"line_start"`)
	assert.Contains(t, user, "auth.go")
	assert.Contains(t, user, "hunter2")
}

func TestParseFindings(t *testing.T) {
	t.Run("plain array", func(t *testing.T) {
		text := `[
			{"file": "auth.go", "line_start": 12, "line_end": null, "severity": "high",
			 "title": "Hardcoded credential", "description": "Password in source.",
			 "suggestion": "Load from env."}
		]`
		findings, err := ParseFindings(text, "security")
		require.NoError(t, err)
		require.Len(t, findings, 1)

		f := findings[0]
		assert.Equal(t, "security", f.Agent)
		assert.Equal(t, "security", f.Category)
		assert.Equal(t, models.SeverityHigh, f.Severity)
		assert.Equal(t, "auth.go", f.File)
		assert.Equal(t, 12, f.LineStart)
		assert.Zero(t, f.LineEnd)
		assert.Equal(t, "Hardcoded credential", f.Title)
		assert.Equal(t, "Password in source.", f.Message)
		assert.Equal(t, "Load from env.", f.Suggestion)
	})

	t.Run("fenced array", func(t *testing.T) {
		text := "```json\n[{\"file\": \"a.go\", \"line_start\": 1, \"severity\": \"low\", \"title\": \"x\"}]\n```"
		findings, err := ParseFindings(text, "style")
		require.NoError(t, err)
		assert.Len(t, findings, 1)
	})

	t.Run("array wrapped in prose", func(t *testing.T) {
		text := `Here are the issues I found:

[{"file": "a.go", "line_start": 3, "severity": "medium", "title": "x"}]

Let me know if you need more detail.`
		findings, err := ParseFindings(text, "logic")
		require.NoError(t, err)
		assert.Len(t, findings, 1)
	})

	t.Run("empty array", func(t *testing.T) {
		findings, err := ParseFindings("[]", "security")
		require.NoError(t, err)
		assert.Empty(t, findings)
	})

	t.Run("no array at all", func(t *testing.T) {
		_, err := ParseFindings("I could not analyze this diff.", "security")
		assert.Error(t, err)
	})

	t.Run("invalid JSON inside brackets", func(t *testing.T) {
		_, err := ParseFindings(`[{"file": }]`, "security")
		assert.Error(t, err)
	})

	t.Run("malformed entries skipped, valid kept", func(t *testing.T) {
		text := `[
			{"line_start": 3, "severity": "high", "title": "no file"},
			{"file": "ok.go", "line_start": 5, "severity": "low", "title": "kept"}
		]`
		findings, err := ParseFindings(text, "logic")
		require.NoError(t, err)
		require.Len(t, findings, 1)
		assert.Equal(t, "kept", findings[0].Title)
	})

	t.Run("line defaults", func(t *testing.T) {
		text := `[
			{"file": "a.go", "line_start": 0, "severity": "low", "title": "clamped"},
			{"file": "b.go", "line_start": 5, "line_end": 3, "severity": "low", "title": "inverted span"}
		]`
		findings, err := ParseFindings(text, "style")
		require.NoError(t, err)
		require.Len(t, findings, 2)
		assert.Equal(t, 1, findings[0].LineStart)
		assert.Equal(t, 5, findings[1].LineStart)
		assert.Zero(t, findings[1].LineEnd, "end before start is dropped")
	})

	t.Run("multi-line span kept", func(t *testing.T) {
		text := `[{"file": "a.go", "line_start": 5, "line_end": 9, "severity": "low", "title": "span"}]`
		findings, err := ParseFindings(text, "style")
		require.NoError(t, err)
		require.Len(t, findings, 1)
		assert.Equal(t, 5, findings[0].LineStart)
		assert.Equal(t, 9, findings[0].LineEnd)
	})
}

func TestNormalizeSeverity(t *testing.T) {
	cases := map[string]models.Severity{
		"high":     models.SeverityHigh,
		"HIGH":     models.SeverityHigh,
		"critical": models.SeverityHigh,
		"medium":   models.SeverityMedium,
		"low":      models.SeverityLow,
		"info":     models.SeverityInfo,
		"warning":  models.SeverityInfo,
		"":         models.SeverityInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeSeverity(in), "input %q", in)
	}
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "[]", stripFences("```json\n[]\n```"))
	assert.Equal(t, "[]", stripFences("```\n[]\n```"))
	assert.Equal(t, "[]", stripFences("  []  "))
}

func TestClassifyError(t *testing.T) {
	t.Run("context errors pass through untagged", func(t *testing.T) {
		err := classifyError(context.DeadlineExceeded)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		var callErr *agents.CallError
		assert.False(t, errors.As(err, &callErr))
	})

	t.Run("network failure without response is transient", func(t *testing.T) {
		err := classifyError(errors.New("connection refused"))
		var callErr *agents.CallError
		require.ErrorAs(t, err, &callErr)
		assert.Equal(t, agents.ErrorClassTransient, callErr.Class)
	})
}

func TestRetryAfterHint(t *testing.T) {
	hdr := func(v string) *http.Response {
		resp := &http.Response{Header: http.Header{}}
		if v != "" {
			resp.Header.Set("Retry-After", v)
		}
		return resp
	}

	assert.Equal(t, 7*time.Second, retryAfterHint(hdr("7")))
	assert.Zero(t, retryAfterHint(hdr("")))
	assert.Zero(t, retryAfterHint(hdr("soon")))
	assert.Zero(t, retryAfterHint(hdr("-1")))
	assert.Zero(t, retryAfterHint(nil))
}

func TestClientAnalyze(t *testing.T) {
	// Stub the Messages endpoint so Analyze runs against a local server.
	modelResponse := func(text string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "sk-test", r.Header.Get("X-Api-Key"))
			w.Header().Set("Content-Type", "application/json")
			body := map[string]any{
				"id":    "msg_test",
				"type":  "message",
				"role":  "assistant",
				"model": "claude-haiku-4-5-20251001",
				"content": []map[string]any{
					{"type": "text", "text": text},
				},
				"stop_reason": "end_turn",
				"usage":       map[string]int{"input_tokens": 10, "output_tokens": 10},
			}
			require.NoError(t, json.NewEncoder(w).Encode(body))
		}
	}

	role := agents.Role{Name: "security", Title: "Security", Prompt: "You review security."}

	t.Run("findings parsed from response", func(t *testing.T) {
		srv := httptest.NewServer(modelResponse(`[{"file":"auth.go","line_start":12,"severity":"high","title":"Hardcoded credential"}]`))
		defer srv.Close()

		c := NewClient("claude-haiku-4-5-20251001")
		c.baseURL = srv.URL

		findings, err := c.Analyze(context.Background(), role, "diff", "sk-test")
		require.NoError(t, err)
		require.Len(t, findings, 1)
		assert.Equal(t, "auth.go", findings[0].File)
	})

	t.Run("unparseable response is permanent", func(t *testing.T) {
		srv := httptest.NewServer(modelResponse("I cannot review this."))
		defer srv.Close()

		c := NewClient("claude-haiku-4-5-20251001")
		c.baseURL = srv.URL

		_, err := c.Analyze(context.Background(), role, "diff", "sk-test")
		var callErr *agents.CallError
		require.ErrorAs(t, err, &callErr)
		assert.Equal(t, agents.ErrorClassPermanent, callErr.Class)
	})
}

