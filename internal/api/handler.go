// Package api provides HTTP handlers for the rendezvous server.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/strangerchat/internal/config"
	"github.com/ashureev/strangerchat/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler provides common handler utilities.
type Handler struct {
	dir         store.Directory
	cfg         *config.Config
	assistantOn bool
	logger      *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(dir store.Directory, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dir:         dir,
		cfg:         cfg,
		assistantOn: cfg.Assistant.Backend != config.AssistantDisabled,
		logger:      logger,
	}
}

// RegisterRoutes registers the health and config routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
	r.Get("/api/config", h.GetConfig)
}

// Health reports whether the directory is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.dir.Ping(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetConfig returns the settings clients need to take part in matchmaking.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	mm := h.cfg.Matchmaking
	JSON(w, http.StatusOK, map[string]interface{}{
		"assistant_enabled": h.assistantOn,
		"strategy":          mm.Strategy,
		"slots":             mm.Slots,
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorCode writes a JSON error response carrying a machine-readable code.
func ErrorCode(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, map[string]string{"error": message, "code": code})
}
