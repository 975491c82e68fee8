// Package session drives one participant's chat: it runs matchmaking,
// relays frames over the paired Channel, and keeps the message log and
// state a UI renders.
//
// All transitions come from three sources: matchmaker events, the paired
// Channel's lifecycle, and user actions. Each matchmaking attempt carries a
// generation number; anything reported by a superseded attempt is dropped
// and its Channel closed.
package session

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/strangerchat/internal/domain"
	"github.com/ashureev/strangerchat/internal/matchmaker"
	"github.com/ashureev/strangerchat/internal/relay"
	"github.com/ashureev/strangerchat/internal/transport"
)

// ErrAssistantUnavailable is recorded when assisted mode is requested but no
// assistant is configured.
var ErrAssistantUnavailable = errors.New("assistant not configured")

// Pairer runs matchmaking attempts. *matchmaker.Matchmaker implements it.
type Pairer interface {
	Start(ctx context.Context) <-chan matchmaker.Event
	Close()
}

// Streamer produces the assisted-mode partner's reply to a conversation.
type Streamer interface {
	Stream(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error]
}

// View is a consistent copy of the session for rendering.
type View struct {
	State         domain.State
	Mode          domain.Mode
	Messages      []domain.Message
	PartnerTyping bool
	PeerID        string
	Err           error
}

// Session is one participant's chat session.
type Session struct {
	pairer   Pairer
	streamer Streamer
	logger   *slog.Logger

	assistedDelayMin time.Duration
	assistedDelayMax time.Duration

	mu            sync.Mutex
	state         domain.State
	mode          domain.Mode
	messages      []domain.Message
	partnerTyping bool
	peerID        string
	err           error
	channel       transport.Channel
	noticeShown   bool
	typingSent    bool
	gen           uint64
	attemptCtx    context.Context
	cancel        context.CancelFunc
	loops         *sync.WaitGroup

	updates chan struct{}
}

// Option customizes a Session.
type Option func(*Session)

// WithStreamer enables assisted mode.
func WithStreamer(s Streamer) Option {
	return func(sess *Session) { sess.streamer = s }
}

// WithAssistedDelay sets the range of the pause before an assisted partner
// "connects", so assisted mode feels like matchmaking.
func WithAssistedDelay(minDelay, maxDelay time.Duration) Option {
	return func(sess *Session) {
		sess.assistedDelayMin = minDelay
		sess.assistedDelayMax = max(minDelay, maxDelay)
	}
}

// New creates an idle session. pairer may be nil for an assisted-only
// session.
func New(pairer Pairer, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		pairer:           pairer,
		logger:           logger,
		assistedDelayMin: time.Second,
		assistedDelayMax: 3 * time.Second,
		state:            domain.StateIdle,
		mode:             domain.ModeHuman,
		loops:            &sync.WaitGroup{},
		updates:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Updates delivers a signal after every change. Signals are coalesced: a
// reader that falls behind sees one pending signal, then reads Snapshot.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Snapshot returns a copy of the current session.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		State:         s.state,
		Mode:          s.mode,
		Messages:      append([]domain.Message(nil), s.messages...),
		PartnerTyping: s.partnerTyping,
		PeerID:        s.peerID,
		Err:           s.err,
	}
}

// State returns the current state.
func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// notify must be called with s.mu held.
func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Start begins a session in mode. It is ignored while matchmaking or
// connected; use NewSession to move on from a live session.
func (s *Session) Start(mode domain.Mode) {
	s.mu.Lock()
	if s.state.Matching() || s.state == domain.StateConnected {
		s.mu.Unlock()
		s.logger.Debug("Start ignored", "state", s.state)
		return
	}
	s.mu.Unlock()

	// Release whatever the ended session still holds.
	s.teardown(false)
	s.begin(mode)
}

// begin starts a fresh attempt. The previous attempt must be torn down.
func (s *Session) begin(mode domain.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(context.Background())
	s.attemptCtx, s.cancel = ctx, cancel
	s.loops = &sync.WaitGroup{}

	s.mode = mode
	s.messages = nil
	s.partnerTyping = false
	s.peerID = ""
	s.err = nil
	s.noticeShown = false
	s.typingSent = false
	s.state = domain.StateSearching
	defer s.notify()

	if mode == domain.ModeAssisted {
		if s.streamer == nil {
			s.state = domain.StateFatal
			s.err = ErrAssistantUnavailable
			s.messages = []domain.Message{domain.SystemMessage(domain.AssistantUnavailable)}
			return
		}
		s.loops.Add(1)
		go s.assistedConnect(ctx, gen, s.loops)
		return
	}

	if s.pairer == nil {
		s.state = domain.StateFatal
		s.err = errors.New("matchmaking not configured")
		return
	}
	events := s.pairer.Start(ctx)
	s.loops.Add(1)
	go s.matchLoop(gen, events, s.loops)
}

// Cancel aborts matchmaking and returns to IDLE. It has no effect in other
// states.
func (s *Session) Cancel() {
	s.mu.Lock()
	matching := s.state.Matching()
	s.mu.Unlock()
	if !matching {
		return
	}
	s.teardown(false)

	s.mu.Lock()
	s.state = domain.StateIdle
	s.notify()
	s.mu.Unlock()
}

// NewSession leaves the current session, if any, and immediately starts
// matchmaking again in the same mode.
func (s *Session) NewSession() {
	s.teardown(true)
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()
	s.begin(mode)
}

// Exit leaves the current session and returns to IDLE. When it returns the
// Channel is closed, the Directory entry removed and every background
// goroutine of the session finished.
func (s *Session) Exit() {
	s.teardown(true)

	s.mu.Lock()
	s.state = domain.StateIdle
	s.messages = nil
	s.partnerTyping = false
	s.peerID = ""
	s.err = nil
	s.notify()
	s.mu.Unlock()
}

// teardown supersedes the current attempt: cancel it, release matchmaking
// (which removes the Directory entry), tell a connected partner we are
// leaving, close the Channel, and wait for the attempt's goroutines.
func (s *Session) teardown(notifyPeer bool) {
	s.mu.Lock()
	s.gen++
	ch := s.channel
	s.channel = nil
	cancel := s.cancel
	s.cancel = nil
	s.attemptCtx = nil
	loops := s.loops
	connected := s.state == domain.StateConnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.pairer != nil {
		s.pairer.Close()
	}
	if ch != nil {
		if notifyPeer && connected {
			s.sendFrame(ch, relay.DisconnectFrame())
		}
		_ = ch.Close()
	}
	loops.Wait()
}

// SendMessage appends text as the participant's message and delivers it.
// It is a no-op outside CONNECTED or for blank text.
func (s *Session) SendMessage(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	if s.state != domain.StateConnected {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, domain.NewMessage(domain.SenderSelf, text))
	s.notify()

	if s.mode == domain.ModeAssisted {
		s.startReplyLocked()
		s.mu.Unlock()
		return
	}
	ch := s.channel
	s.typingSent = false
	s.mu.Unlock()

	s.sendFrame(ch, relay.MessageFrame(text))
}

// SendTyping tells the partner whether the participant is typing. Repeated
// calls with the same value send nothing. It is a no-op outside CONNECTED
// and in assisted mode.
func (s *Session) SendTyping(typing bool) {
	s.mu.Lock()
	if s.state != domain.StateConnected || s.mode != domain.ModeHuman || s.typingSent == typing {
		s.mu.Unlock()
		return
	}
	s.typingSent = typing
	ch := s.channel
	s.mu.Unlock()

	s.sendFrame(ch, relay.TypingFrame(typing))
}

// sendFrame is fire-and-forget: a failed send is logged and the Channel's
// lifecycle reports the failure.
func (s *Session) sendFrame(ch transport.Channel, f relay.Frame) {
	if ch == nil {
		return
	}
	data, err := relay.Encode(f)
	if err != nil {
		s.logger.Error("Failed to encode frame", "kind", f.Kind, "error", err)
		return
	}
	if err := ch.Send(data); err != nil {
		s.logger.Debug("Frame send failed", "kind", f.Kind, "peer_id", ch.PeerID(), "error", err)
	}
}

// current reports whether gen is still the live attempt. Must be called
// with s.mu held.
func (s *Session) current(gen uint64) bool {
	return gen == s.gen
}

// showNoticeOnce appends a disconnect notice unless one was already shown
// this session. Must be called with s.mu held.
func (s *Session) showNoticeOnce(text string) {
	if s.noticeShown {
		return
	}
	s.noticeShown = true
	s.messages = append(s.messages, domain.SystemMessage(text))
}

func (s *Session) connectedLocked(peerID string) {
	s.state = domain.StateConnected
	s.peerID = peerID
	s.messages = []domain.Message{domain.SystemMessage(domain.GreetingText)}
	s.partnerTyping = false
	s.notify()
}

// randomDelay draws from the assisted delay range.
func (s *Session) randomDelay() time.Duration {
	span := s.assistedDelayMax - s.assistedDelayMin
	if span <= 0 {
		return s.assistedDelayMin
	}
	return s.assistedDelayMin + time.Duration(rand.Int64N(int64(span)))
}
