// Package api exposes the webhook endpoint and the installation
// configuration surface consumed by the settings UI.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/critic/internal/models"
	"github.com/joescharf/critic/internal/pipeline"
	"github.com/joescharf/critic/internal/store"
	"github.com/joescharf/critic/internal/vault"
	"github.com/joescharf/critic/internal/webhook"
)

// maxWebhookBody bounds inbound webhook payloads (GitHub caps
// deliveries at 25 MB).
const maxWebhookBody = 25 << 20

// Server provides the HTTP handlers.
type Server struct {
	store         store.Store
	vault         *vault.Vault
	runner        *pipeline.Runner
	webhookSecret []byte
	logger        *slog.Logger
}

// NewServer creates a new API server.
func NewServer(s store.Store, v *vault.Vault, runner *pipeline.Runner, webhookSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:         s,
		vault:         v,
		runner:        runner,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// Router returns an http.Handler for all routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook/github", s.handleWebhook)

	mux.HandleFunc("GET /api/v1/installations", s.listInstallations)
	mux.HandleFunc("GET /api/v1/installations/{id}", s.getInstallation)
	mux.HandleFunc("PUT /api/v1/installations/{id}/settings", s.updateSettings)
	mux.HandleFunc("PUT /api/v1/installations/{id}/key", s.updateKey)
	mux.HandleFunc("DELETE /api/v1/installations/{id}/key", s.deleteKey)
	mux.HandleFunc("GET /api/v1/installations/{id}/stats", s.installationStats)

	mux.HandleFunc("GET /api/v1/reviews", s.listReviews)
	mux.HandleFunc("GET /api/v1/reviews/{id}", s.getReview)

	mux.HandleFunc("GET /healthz", s.healthz)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Webhook ---

// handleWebhook authenticates and dispatches one delivery. Internal
// pipeline failures are recorded on the review row, not surfaced as
// transport errors: GitHub retries non-2xx deliveries and a retry
// would not fix a misconfigured installation.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	if !webhook.VerifySignature(s.webhookSecret, body, r.Header.Get(webhook.SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	delivery := r.Header.Get(webhook.DeliveryHeader)
	event := r.Header.Get(webhook.EventHeader)

	switch event {
	case "pull_request":
		ev, err := webhook.ParsePullRequestEvent(body)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "malformed pull_request payload")
			return
		}
		if !webhook.ReviewableActions[ev.Action] {
			writeJSON(w, http.StatusOK, map[string]string{"message": "action ignored"})
			return
		}
		s.logger.Info("processing pull_request delivery",
			"delivery", delivery, "repo", ev.RepoFullName, "pr", ev.Number, "action", ev.Action)
		if err := s.runner.Run(r.Context(), ev); err != nil {
			s.logger.Error("pipeline run failed", "delivery", delivery, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "processed",
			"repo":    ev.RepoFullName,
			"pr":      ev.Number,
		})

	case "installation":
		ev, err := webhook.ParseInstallationEvent(body)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "malformed installation payload")
			return
		}
		if err := s.runner.HandleInstallation(r.Context(), ev); err != nil {
			s.logger.Error("installation event failed", "delivery", delivery, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "processed"})

	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "event ignored"})
	}
}

// --- Installations ---

// installationView is the configuration surface: the key is reported
// presence-only, never echoed back.
type installationView struct {
	ID         string           `json:"id"`
	ExternalID int64            `json:"external_id"`
	OwnerLogin string           `json:"owner_login"`
	OwnerType  models.OwnerType `json:"owner_type"`
	Enabled    bool             `json:"enabled"`
	HasAPIKey  bool             `json:"has_api_key"`
	Settings   models.Settings  `json:"settings"`
}

func viewOf(inst *models.Installation) installationView {
	return installationView{
		ID:         inst.ID,
		ExternalID: inst.ExternalID,
		OwnerLogin: inst.OwnerLogin,
		OwnerType:  inst.OwnerType,
		Enabled:    inst.Enabled,
		HasAPIKey:  len(inst.EncryptedAPIKey) > 0,
		Settings:   inst.Settings.Normalize(),
	}
}

func (s *Server) listInstallations(w http.ResponseWriter, r *http.Request) {
	installations, err := s.store.ListInstallations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]installationView, len(installations))
	for i, inst := range installations {
		views[i] = viewOf(inst)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getInstallation(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstallation(r.Context(), r.PathValue("id"))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inst))
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var settings models.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.store.UpdateInstallationSettings(r.Context(), id, settings); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	inst, err := s.store.GetInstallation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(inst))
}

func (s *Server) updateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var payload struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if payload.APIKey == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	sealed, err := s.vault.Encrypt(payload.APIKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encrypt key")
		return
	}

	if err := s.store.UpdateInstallationKey(r.Context(), id, sealed); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"has_api_key": true})
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.UpdateInstallationKey(r.Context(), id, nil); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"has_api_key": false})
}

func (s *Server) installationStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	stats, err := s.store.GetReviewStats(r.Context(), id, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Reviews ---

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	filter := store.ReviewListFilter{
		InstallationID: r.URL.Query().Get("installation_id"),
		RepoFullName:   r.URL.Query().Get("repo"),
		Status:         models.ReviewStatus(r.URL.Query().Get("status")),
		Limit:          50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	reviews, err := s.store.ListReviews(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request) {
	review, err := s.store.GetReview(r.Context(), r.PathValue("id"))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, review)
}

// --- Health ---

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "critic"})
}
