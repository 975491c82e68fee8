package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/ashureev/strangerchat/internal/assistant"
	"github.com/ashureev/strangerchat/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// ChatHandler streams the assisted-mode stranger's replies.
type ChatHandler struct {
	*Handler
	gen         assistant.Generator
	rateLimiter *RateLimiter
	inFlight    sync.Map
}

// NewChatHandler creates a chat handler. gen may be nil, in which case the
// endpoint answers 503.
func NewChatHandler(base *Handler, gen assistant.Generator) *ChatHandler {
	rl := base.cfg.RateLimit
	return &ChatHandler{
		Handler:     base,
		gen:         gen,
		rateLimiter: NewRateLimiter(rl.RequestsPerWindow, rl.WindowDuration),
	}
}

// RegisterRoutes registers the chat route.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
}

// Close stops the rate limiter.
func (h *ChatHandler) Close() {
	h.rateLimiter.Close()
}

// HandleChat answers {messages:[{role, content}]} with the reply as a
// chunked text/plain stream.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if h.gen == nil {
		Error(w, http.StatusServiceUnavailable, "assistant not configured")
		return
	}

	clientKey := identity.ClientKeyFromContext(r.Context())
	if !h.rateLimiter.Allow(clientKey) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// One reply at a time per client.
	if _, busy := h.inFlight.LoadOrStore(clientKey, struct{}{}); busy {
		Error(w, http.StatusConflict, "reply already in progress")
		return
	}
	defer h.inFlight.Delete(clientKey)

	var req assistant.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	turns, err := assistant.NormalizeTurns(req.Messages)
	if err != nil {
		Error(w, http.StatusBadRequest, "messages are required")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	h.logger.Info("Assistant chat request", "client_key", clientKey, "turns", len(turns), "request_id", reqID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	wrote := false
	chunks := 0
	for chunk, err := range h.gen.Generate(r.Context(), turns) {
		if err != nil {
			h.logger.Error("Assistant stream failed", "error", err, "chunks", chunks, "request_id", reqID)
			if !wrote {
				Error(w, http.StatusBadGateway, "assistant unavailable")
				return
			}
			// Abort so the client reads a broken stream, not a short reply.
			panic(http.ErrAbortHandler)
		}
		if !wrote {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			h.logger.Debug("Client went away mid-reply", "error", err, "request_id", reqID)
			return
		}
		chunks++
		flusher.Flush()
	}

	if !wrote {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
	h.logger.Debug("Assistant reply complete", "chunks", chunks, "request_id", reqID)
}
