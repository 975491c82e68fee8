package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/strangerchat/internal/domain"
	"github.com/ashureev/strangerchat/internal/identity"
	"github.com/ashureev/strangerchat/internal/store"
	"github.com/go-chi/chi/v5"
)

// maxScanLimit caps how many entries one scan returns.
const maxScanLimit = 100

// DirectoryHandler exposes the Directory to remote participants.
type DirectoryHandler struct {
	*Handler
}

// NewDirectoryHandler creates a directory handler.
func NewDirectoryHandler(base *Handler) *DirectoryHandler {
	return &DirectoryHandler{Handler: base}
}

// RegisterRoutes registers directory routes.
func (h *DirectoryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/directory", func(r chi.Router) {
		r.Post("/entries", h.Insert)
		r.Get("/entries", h.Scan)
		r.Delete("/entries/{rowID}", h.Claim)
		r.Delete("/participants/{participantID}", h.DeleteParticipant)
	})
}

type insertRequest struct {
	ParticipantID string `json:"participant_id"`
	Slot          int    `json:"slot"`
}

// Insert adds a waiting entry.
func (h *DirectoryHandler) Insert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorCode(w, http.StatusBadRequest, "invalid request body", store.CodeStructural)
		return
	}
	if !identity.IsValidParticipantID(req.ParticipantID) {
		ErrorCode(w, http.StatusBadRequest, "invalid participant_id", store.CodeStructural)
		return
	}
	if req.Slot < 0 || req.Slot > h.cfg.Matchmaking.Slots {
		ErrorCode(w, http.StatusBadRequest, "slot out of range", store.CodeStructural)
		return
	}

	// Millisecond precision is what the SQLite store keeps.
	entry := domain.Entry{
		ParticipantID: req.ParticipantID,
		Slot:          req.Slot,
		CreatedAt:     time.Now().Truncate(time.Millisecond),
	}
	rowID, err := h.dir.Insert(r.Context(), entry)
	if err != nil {
		h.storeError(w, "insert", err)
		return
	}
	h.logger.Debug("Directory entry inserted", "participant_id", req.ParticipantID, "row_id", rowID, "slot", req.Slot)
	JSON(w, http.StatusCreated, map[string]interface{}{
		"row_id":     rowID,
		"created_at": entry.CreatedAt,
	})
}

// Scan lists live entries, oldest first.
func (h *DirectoryHandler) Scan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ScanOptions{ExcludeParticipant: q.Get("exclude")}

	var err error
	if v := q.Get("slot"); v != "" {
		if opts.Slot, err = strconv.Atoi(v); err != nil || opts.Slot < 0 {
			ErrorCode(w, http.StatusBadRequest, "invalid slot", store.CodeStructural)
			return
		}
	}
	opts.Limit = maxScanLimit
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			ErrorCode(w, http.StatusBadRequest, "invalid limit", store.CodeStructural)
			return
		}
		opts.Limit = min(limit, maxScanLimit)
	}

	entries, err := h.dir.Scan(r.Context(), opts)
	if err != nil {
		h.storeError(w, "scan", err)
		return
	}
	if entries == nil {
		entries = []domain.Entry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// Claim deletes one row by identity. Exactly one of any number of
// concurrent claims for the same row sees deleted=1.
func (h *DirectoryHandler) Claim(w http.ResponseWriter, r *http.Request) {
	rowID, err := strconv.ParseInt(chi.URLParam(r, "rowID"), 10, 64)
	if err != nil || rowID <= 0 {
		ErrorCode(w, http.StatusBadRequest, "invalid row id", store.CodeStructural)
		return
	}

	deleted, err := h.dir.ConditionalDelete(r.Context(), rowID)
	if err != nil {
		h.storeError(w, "claim", err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// DeleteParticipant removes the participant's entry, if any.
func (h *DirectoryHandler) DeleteParticipant(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")
	if !identity.IsValidParticipantID(participantID) {
		ErrorCode(w, http.StatusBadRequest, "invalid participant_id", store.CodeStructural)
		return
	}
	if err := h.dir.DeleteByParticipant(r.Context(), participantID); err != nil {
		h.storeError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// storeError maps Directory errors onto statuses and codes that
// store.HTTPDirectory classifies the same way on the client side.
func (h *DirectoryHandler) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrDuplicateEntry):
		ErrorCode(w, http.StatusConflict, "participant already has an entry", store.CodeDuplicate)
	case store.IsStructural(err):
		h.logger.Error("Directory failure", "op", op, "error", err)
		ErrorCode(w, http.StatusInternalServerError, "directory unavailable", store.CodeStructural)
	default:
		h.logger.Warn("Directory temporarily unavailable", "op", op, "error", err)
		ErrorCode(w, http.StatusServiceUnavailable, "directory busy", store.CodeTransient)
	}
}
