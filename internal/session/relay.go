package session

import (
	"sync"

	"github.com/ashureev/strangerchat/internal/domain"
	"github.com/ashureev/strangerchat/internal/matchmaker"
	"github.com/ashureev/strangerchat/internal/relay"
	"github.com/ashureev/strangerchat/internal/transport"
)

// matchLoop applies matchmaker events until the stream ends.
func (s *Session) matchLoop(gen uint64, events <-chan matchmaker.Event, loops *sync.WaitGroup) {
	defer loops.Done()
	for ev := range events {
		s.handleEvent(gen, ev, loops)
	}
}

func (s *Session) handleEvent(gen uint64, ev matchmaker.Event, loops *sync.WaitGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current(gen) {
		if ev.Kind == matchmaker.EventPaired {
			// Superseded attempts never keep a Channel.
			_ = ev.Channel.Close()
		}
		return
	}

	switch ev.Kind {
	case matchmaker.EventSearching:
		// Already SEARCHING; a retry never moves WAITING back.
	case matchmaker.EventWaiting:
		if s.state == domain.StateSearching {
			s.state = domain.StateWaiting
			s.notify()
		}
	case matchmaker.EventPaired:
		if s.channel != nil {
			// At most one live Channel per participant.
			_ = ev.Channel.Close()
			return
		}
		s.channel = ev.Channel
		s.connectedLocked(ev.PeerID)
		s.logger.Info("Connected to stranger", "peer_id", ev.PeerID)
		loops.Add(1)
		go s.readLoop(gen, ev.Channel, loops)
	case matchmaker.EventFatal:
		s.state = domain.StateFatal
		s.err = ev.Err
		s.notify()
	}
}

// readLoop applies inbound frames until the Channel ends, then records how
// it ended.
func (s *Session) readLoop(gen uint64, ch transport.Channel, loops *sync.WaitGroup) {
	defer loops.Done()
	defer func() { _ = ch.Close() }()

	for data := range ch.Receive() {
		frame, err := relay.Decode(data)
		if err != nil {
			s.logger.Warn("Ignoring undecodable frame", "peer_id", ch.PeerID(), "error", err)
			continue
		}
		if s.handleFrame(gen, ch, frame) {
			_ = ch.Close()
		}
	}
	s.handleChannelEnd(gen, ch)
}

// handleFrame applies one frame. It reports whether the Channel should be
// closed.
func (s *Session) handleFrame(gen uint64, ch transport.Channel, f relay.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current(gen) || s.channel != ch || s.state != domain.StateConnected {
		return false
	}

	switch f.Kind {
	case relay.KindMessage:
		s.partnerTyping = false
		s.messages = append(s.messages, domain.NewMessage(domain.SenderPartner, f.Text))
	case relay.KindTyping:
		s.partnerTyping = f.Typing
	case relay.KindDisconnect:
		s.partnerTyping = false
		s.showNoticeOnce(domain.PartnerLeftText)
		s.state = domain.StateDisconnected
		s.channel = nil
		s.notify()
		s.logger.Info("Stranger disconnected", "peer_id", ch.PeerID())
		return true
	}
	s.notify()
	return false
}

// handleChannelEnd records a Channel that ended without a disconnect frame:
// a graceful close means the partner left, an error means the link failed.
func (s *Session) handleChannelEnd(gen uint64, ch transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.current(gen) || s.channel != ch || s.state != domain.StateConnected {
		return
	}
	s.channel = nil
	s.partnerTyping = false

	if err := ch.Err(); err != nil {
		s.state = domain.StateError
		s.err = err
		s.showNoticeOnce(domain.ConnectionLostText)
		s.logger.Warn("Connection to stranger lost", "peer_id", ch.PeerID(), "error", err)
	} else {
		s.state = domain.StateDisconnected
		s.showNoticeOnce(domain.PartnerLeftText)
		s.logger.Info("Stranger closed the connection", "peer_id", ch.PeerID())
	}
	s.notify()
}
