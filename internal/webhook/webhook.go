// Package webhook authenticates and parses GitHub webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Header names used by GitHub webhook deliveries.
const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"
)

// ErrMalformedPayload indicates a payload that parsed as JSON but is
// missing required fields.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Sign computes the hex HMAC-SHA256 signature header value for a body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature header against the raw body
// using a constant-time comparison.
func VerifySignature(secret, body []byte, signatureHeader string) bool {
	if !strings.HasPrefix(signatureHeader, "sha256=") {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ReviewableActions are the pull_request actions that trigger a review.
var ReviewableActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
}

// PullRequestEvent is a parsed pull_request delivery.
type PullRequestEvent struct {
	Action         string
	Number         int
	Title          string
	HeadSHA        string
	RepoFullName   string
	InstallationID int64
}

// InstallationEvent is a parsed installation lifecycle delivery.
type InstallationEvent struct {
	Action         string // created, deleted
	InstallationID int64
	OwnerLogin     string
	OwnerType      string
}

// ParsePullRequestEvent extracts the fields the pipeline needs from a
// pull_request payload. Callers decide whether the action is relevant;
// this only validates structure.
func ParsePullRequestEvent(body []byte) (*PullRequestEvent, error) {
	var payload struct {
		Action      string `json:"action"`
		PullRequest struct {
			Number int    `json:"number"`
			Title  string `json:"title"`
			Head   struct {
				SHA string `json:"sha"`
			} `json:"head"`
		} `json:"pull_request"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
		Installation struct {
			ID int64 `json:"id"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := &PullRequestEvent{
		Action:         payload.Action,
		Number:         payload.PullRequest.Number,
		Title:          payload.PullRequest.Title,
		HeadSHA:        payload.PullRequest.Head.SHA,
		RepoFullName:   payload.Repository.FullName,
		InstallationID: payload.Installation.ID,
	}
	if ev.Action == "" || ev.Number == 0 || ev.RepoFullName == "" || ev.InstallationID == 0 {
		return nil, ErrMalformedPayload
	}
	return ev, nil
}

// ParseInstallationEvent extracts installation lifecycle fields.
func ParseInstallationEvent(body []byte) (*InstallationEvent, error) {
	var payload struct {
		Action       string `json:"action"`
		Installation struct {
			ID      int64 `json:"id"`
			Account struct {
				Login string `json:"login"`
				Type  string `json:"type"`
			} `json:"account"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ev := &InstallationEvent{
		Action:         payload.Action,
		InstallationID: payload.Installation.ID,
		OwnerLogin:     payload.Installation.Account.Login,
		OwnerType:      payload.Installation.Account.Type,
	}
	if ev.Action == "" || ev.InstallationID == 0 {
		return nil, ErrMalformedPayload
	}
	return ev, nil
}
