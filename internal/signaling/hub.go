// Package signaling relays WebRTC offers and answers between participants
// over websockets.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/strangerchat/internal/identity"
	"github.com/ashureev/strangerchat/internal/transport"
	"github.com/coder/websocket"
)

const (
	readLimit    = 256 << 10
	outboxSize   = 32
	writeTimeout = 10 * time.Second
)

// client is one registered participant socket.
type client struct {
	id     string
	conn   *websocket.Conn
	outbox chan []byte
	done   chan struct{}
}

// enqueue queues data for the client's writer. It reports false when the
// client is gone or too far behind.
func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

// Hub routes signals between registered participants. A participant
// registers by opening /ws/signal?participant_id=<id>; a newer socket for
// the same id replaces the older one.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	allowedOrigins []string
	isDev          bool
	logger         *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(allowedOrigins []string, isDev bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:        make(map[string]*client),
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		logger:         logger,
	}
}

// Len returns the number of registered participants.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	existing := h.clients[c.id]
	h.clients[c.id] = c
	h.mu.Unlock()

	if existing != nil && existing != c {
		_ = existing.conn.Close(websocket.StatusPolicyViolation, "participant replaced")
	}
	h.logger.Debug("Signaling participant registered", "participant_id", c.id)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
		h.logger.Debug("Signaling participant unregistered", "participant_id", c.id)
	}
}

func (h *Hub) lookup(id string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// Close disconnects every participant.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// ServeHTTP upgrades the request and serves one participant until its
// socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participant_id")
	if !identity.IsValidParticipantID(participantID) {
		http.Error(w, "invalid participant_id", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept signaling websocket", "error", err, "participant_id", participantID)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "signaling ended"); closeErr != nil {
			h.logger.Debug("Failed to close signaling websocket", "error", closeErr, "participant_id", participantID)
		}
	}()

	c := &client{
		id:     participantID,
		conn:   ws,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, c)
	}()

	h.readLoop(ctx, c)
	close(c.done)
	cancel()
	wg.Wait()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.logger.Warn("Signaling origin rejected", "origin", origin)
	return false
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("Signaling socket closed", "participant_id", c.id)
			} else {
				h.logger.Warn("Signaling read error", "error", err, "participant_id", c.id)
			}
			return
		}

		var sig transport.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			h.logger.Debug("Dropping malformed signal", "error", err, "participant_id", c.id)
			continue
		}
		if sig.Type != transport.SignalOffer && sig.Type != transport.SignalAnswer {
			h.logger.Debug("Dropping signal of unknown type", "type", sig.Type, "participant_id", c.id)
			continue
		}
		h.route(c, sig)
	}
}

// route forwards sig to its target. Senders cannot spoof From. A target
// that is not registered, or not keeping up, is reported back to the
// sender as unavailable.
func (h *Hub) route(from *client, sig transport.Signal) {
	sig.From = from.id
	target := h.lookup(sig.To)
	if target != nil {
		if data, err := json.Marshal(sig); err == nil && target.enqueue(data) {
			return
		}
	}

	h.logger.Debug("Signal target unavailable", "from", from.id, "to", sig.To, "type", sig.Type)
	reply, err := json.Marshal(transport.Signal{
		Type: transport.SignalError,
		From: sig.To,
		To:   from.id,
		Code: transport.CodePeerUnavailable,
	})
	if err != nil {
		return
	}
	from.enqueue(reply)
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case data := <-c.outbox:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("Signaling write error", "error", err, "participant_id", c.id)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
