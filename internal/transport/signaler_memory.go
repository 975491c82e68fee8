package transport

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignalHub)(nil)

// MemorySignalHub is an in-process Signaler for tests. Two WebRTC endpoints
// attached to the same hub establish PeerConnections without any network
// signaling.
type MemorySignalHub struct {
	mu       sync.Mutex
	sessions map[string]*memorySignalSession
}

// NewMemorySignalHub creates an empty hub.
func NewMemorySignalHub() *MemorySignalHub {
	return &MemorySignalHub{sessions: make(map[string]*memorySignalSession)}
}

// Attach registers localID, replacing any older registration.
func (h *MemorySignalHub) Attach(_ context.Context, localID string) (SignalSession, error) {
	s := &memorySignalSession{
		hub:     h,
		id:      localID,
		signals: make(chan Signal, 16),
	}

	h.mu.Lock()
	old := h.sessions[localID]
	h.sessions[localID] = s
	h.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	return s, nil
}

// Disconnect ends id's registration as a dropped hub connection would: its
// signal stream closes and later signals to it are answered with
// peer-unavailable.
func (h *MemorySignalHub) Disconnect(id string) {
	h.mu.Lock()
	s := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if s != nil {
		s.shutdown()
	}
}

func (h *MemorySignalHub) route(from *memorySignalSession, s Signal) error {
	s.From = from.id

	h.mu.Lock()
	target := h.sessions[s.To]
	h.mu.Unlock()

	if target == nil {
		if s.Type != SignalError {
			from.push(Signal{Type: SignalError, From: s.To, To: from.id, Code: CodePeerUnavailable})
		}
		return nil
	}
	if !target.push(s) {
		from.push(Signal{Type: SignalError, From: s.To, To: from.id, Code: CodePeerUnavailable})
	}
	return nil
}

func (h *MemorySignalHub) remove(s *memorySignalSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.sessions[s.id]; ok && current == s {
		delete(h.sessions, s.id)
	}
}

type memorySignalSession struct {
	hub     *MemorySignalHub
	id      string
	signals chan Signal

	mu     sync.Mutex
	closed bool
}

func (s *memorySignalSession) Send(ctx context.Context, sig Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("send %s signal: %w", sig.Type, ErrClosed)
	}
	return s.hub.route(s, sig)
}

func (s *memorySignalSession) Signals() <-chan Signal { return s.signals }

// push queues sig without blocking. It reports false if the session is
// closed or its queue is full.
func (s *memorySignalSession) push(sig Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.signals <- sig:
		return true
	default:
		return false
	}
}

func (s *memorySignalSession) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.signals)
}

func (s *memorySignalSession) Close() error {
	s.hub.remove(s)
	s.shutdown()
	return nil
}
