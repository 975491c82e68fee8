package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// chatChannelLabel is the data channel carrying relay frames. Data channels
// with any other label are refused.
const chatChannelLabel = "chat"

// iceGatherTimeout is the maximum time to wait for ICE candidate gathering
// to complete before sending the SDP.
const iceGatherTimeout = 15 * time.Second

// answerOpenTimeout bounds how long an answered offer may take to open its
// data channel before the PeerConnection is abandoned.
const answerOpenTimeout = 30 * time.Second

// Compile-time interface check.
var _ Transport = (*WebRTCTransport)(nil)

// WebRTCTransport connects participants over WebRTC data channels. Every
// paired Channel gets its own PeerConnection with one ordered, reliable data
// channel.
//
// Signaling uses the Signaler interface (the rendezvous server's websocket
// hub in production, in-process channels in tests). Connection
// establishment uses vanilla ICE: all candidates are gathered before the
// SDP is sent, so signaling requires exactly one round-trip.
type WebRTCTransport struct {
	signaler Signaler
	logger   *slog.Logger

	configMu  sync.RWMutex
	iceConfig ICEConfig
}

// NewWebRTCTransport creates a WebRTC transport.
func NewWebRTCTransport(signaler Signaler, iceConfig ICEConfig, logger *slog.Logger) *WebRTCTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTCTransport{
		signaler:  signaler,
		iceConfig: iceConfig,
		logger:    logger,
	}
}

// UpdateICEConfig replaces the ICE configuration for new PeerConnections.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// Open attaches localID to the signaling hub and starts answering offers.
func (wt *WebRTCTransport) Open(ctx context.Context, localID string) (Endpoint, error) {
	session, err := wt.signaler.Attach(ctx, localID)
	if err != nil {
		return nil, fmt.Errorf("attach %s to signaling: %w", localID, err)
	}

	epCtx, cancel := context.WithCancel(context.Background())
	ep := &webrtcEndpoint{
		id:        localID,
		transport: wt,
		session:   session,
		logger:    wt.logger.With("participant_id", localID),
		incoming:  make(chan Channel, incomingBuffer),
		pending:   make(map[string]chan Signal),
		answering: make(map[*webrtc.PeerConnection]struct{}),
		ctx:       epCtx,
		cancel:    cancel,
	}
	ep.wg.Add(1)
	go ep.signalLoop()
	return ep, nil
}

// newPeerConnection creates a pion PeerConnection with the current ICE config.
func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{
		ICEServers: wt.iceConfig.Servers,
	}
	wt.configMu.RUnlock()

	// Loopback candidates let two participants on one machine pair, which
	// is also what tests rely on. Short ICE timeouts make a vanished peer
	// surface as a failed connection within seconds.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	settingEngine.SetICETimeouts(5*time.Second, 10*time.Second, 2*time.Second)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

type webrtcEndpoint struct {
	id        string
	transport *WebRTCTransport
	session   SignalSession
	logger    *slog.Logger
	incoming  chan Channel

	mu        sync.Mutex
	closed    bool
	pending   map[string]chan Signal
	answering map[*webrtc.PeerConnection]struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	detachOnce sync.Once
	closeOnce  sync.Once
}

func (e *webrtcEndpoint) ID() string { return e.id }

func (e *webrtcEndpoint) Incoming() <-chan Channel { return e.incoming }

// signalLoop dispatches hub traffic: offers are answered, answers and errors
// are routed to the Connect call waiting on that peer.
func (e *webrtcEndpoint) signalLoop() {
	defer e.wg.Done()
	for sig := range e.session.Signals() {
		switch sig.Type {
		case SignalOffer:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if err := e.answerOffer(sig); err != nil {
					e.logger.Warn("Answering WebRTC offer failed", "peer", sig.From, "error", err)
				}
			}()
		case SignalAnswer, SignalError:
			e.mu.Lock()
			waiter := e.pending[sig.From]
			e.mu.Unlock()
			if waiter == nil {
				e.logger.Debug("Dropping unsolicited signal", "type", sig.Type, "peer", sig.From)
				continue
			}
			select {
			case waiter <- sig:
			default:
			}
		default:
			e.logger.Debug("Ignoring unknown signal type", "type", sig.Type)
		}
	}
	// Without signaling nobody can reach this endpoint and it cannot reach
	// anybody, so it stops pretending to accept Channels.
	if e.ctx.Err() == nil {
		e.logger.Warn("Signaling session lost, endpoint unusable")
	}
	e.detach()
}

// Connect opens a data channel to targetID by sending an SDP offer through
// the hub and waiting for the answer.
func (e *webrtcEndpoint) Connect(ctx context.Context, targetID string) (Channel, error) {
	waiter, err := e.await(targetID)
	if err != nil {
		return nil, err
	}
	defer e.forget(targetID)

	pc, err := e.transport.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(chatChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	ch := newWebRTCChannel(targetID, pc, dc)
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	fail := func(err error) (Channel, error) {
		_ = ch.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP offer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("setting local description: %w", err))
	}
	if err := e.waitGathered(ctx, gatherComplete); err != nil {
		return fail(err)
	}

	err = e.session.Send(ctx, Signal{
		Type: SignalOffer,
		To:   targetID,
		SDP:  pc.LocalDescription().SDP,
	})
	if err != nil {
		return fail(fmt.Errorf("sending SDP offer: %w", err))
	}
	e.logger.Debug("WebRTC offer sent", "peer", targetID)

	var answer Signal
	select {
	case answer = <-waiter:
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-e.ctx.Done():
		return fail(ErrClosed)
	}
	if answer.Type == SignalError {
		return fail(fmt.Errorf("connect to %s: %w (%s)", targetID, ErrPeerUnavailable, answer.Code))
	}

	err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
	if err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}

	select {
	case <-opened:
	case <-ch.Done():
		return fail(fmt.Errorf("connect to %s: %w", targetID, ErrConnectionLost))
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-e.ctx.Done():
		return fail(ErrClosed)
	}

	e.logger.Info("WebRTC channel opened", "peer", targetID, "direction", "outbound")
	return ch, nil
}

// await registers interest in the answer from targetID.
func (e *webrtcEndpoint) await(targetID string) (chan Signal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, busy := e.pending[targetID]; busy {
		return nil, fmt.Errorf("connect to %s: connection attempt already in progress", targetID)
	}
	waiter := make(chan Signal, 1)
	e.pending[targetID] = waiter
	return waiter, nil
}

func (e *webrtcEndpoint) forget(targetID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, targetID)
}

func (e *webrtcEndpoint) waitGathered(ctx context.Context, gatherComplete <-chan struct{}) error {
	select {
	case <-gatherComplete:
		return nil
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// answerOffer creates a PeerConnection in response to an incoming SDP offer
// and hands the resulting data channel to Incoming once it opens.
func (e *webrtcEndpoint) answerOffer(offer Signal) error {
	pc, err := e.transport.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	if !e.trackAnswering(pc) {
		_ = pc.Close()
		return ErrClosed
	}

	var handed sync.Once
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != chatChannelLabel {
			e.logger.Debug("Refusing data channel", "peer", offer.From, "label", dc.Label())
			_ = dc.Close()
			return
		}
		ch := newWebRTCChannel(offer.From, pc, dc)
		dc.OnOpen(func() {
			handed.Do(func() {
				e.untrackAnswering(pc)
				if !e.accept(ch) {
					_ = ch.Close()
					return
				}
				e.logger.Info("WebRTC channel opened", "peer", offer.From, "direction", "inbound")
			})
		})
	})

	// Abandon offers whose channel never opens.
	timer := time.AfterFunc(answerOpenTimeout, func() {
		if e.untrackAnswering(pc) {
			e.logger.Debug("Answered offer never opened", "peer", offer.From)
			_ = pc.Close()
		}
	})

	abort := func(err error) error {
		timer.Stop()
		e.untrackAnswering(pc)
		_ = pc.Close()
		return err
	}

	err = pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		return abort(fmt.Errorf("setting remote description: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return abort(fmt.Errorf("creating SDP answer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return abort(fmt.Errorf("setting local description: %w", err))
	}
	if err := e.waitGathered(e.ctx, gatherComplete); err != nil {
		return abort(err)
	}

	err = e.session.Send(e.ctx, Signal{
		Type: SignalAnswer,
		To:   offer.From,
		SDP:  pc.LocalDescription().SDP,
	})
	if err != nil {
		return abort(fmt.Errorf("sending SDP answer: %w", err))
	}
	e.logger.Debug("WebRTC offer answered", "peer", offer.From)
	return nil
}

func (e *webrtcEndpoint) trackAnswering(pc *webrtc.PeerConnection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.answering[pc] = struct{}{}
	return true
}

// untrackAnswering reports whether pc was still being tracked.
func (e *webrtcEndpoint) untrackAnswering(pc *webrtc.PeerConnection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.answering[pc]; !ok {
		return false
	}
	delete(e.answering, pc)
	return true
}

func (e *webrtcEndpoint) accept(ch Channel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.incoming <- ch:
		return true
	default:
		return false
	}
}

// detach stops accepting and initiating Channels and abandons offers still
// being answered. Channels already queued on Incoming stay readable.
func (e *webrtcEndpoint) detach() {
	e.detachOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.incoming)
		answering := make([]*webrtc.PeerConnection, 0, len(e.answering))
		for pc := range e.answering {
			answering = append(answering, pc)
		}
		e.answering = make(map[*webrtc.PeerConnection]struct{})
		e.mu.Unlock()

		e.cancel()
		for _, pc := range answering {
			_ = pc.Close()
		}
	})
}

// Close detaches from signaling. Channels already handed out stay open;
// queued ones nobody read are closed.
func (e *webrtcEndpoint) Close() error {
	e.detach()
	e.closeOnce.Do(func() {
		if err := e.session.Close(); err != nil {
			e.logger.Debug("Closing signaling session failed", "error", err)
		}
		for ch := range e.incoming {
			_ = ch.Close()
		}
	})
	e.wg.Wait()
	return nil
}

// webrtcChannel is a Channel over one data channel. It owns the
// PeerConnection carrying it.
type webrtcChannel struct {
	*pipe
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	closeOnce sync.Once
}

func newWebRTCChannel(peerID string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *webrtcChannel {
	c := &webrtcChannel{pipe: newPipe(peerID), pc: pc, dc: dc}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.deliver(msg.Data)
	})
	dc.OnClose(func() {
		c.finish(nil)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.finish(ErrConnectionLost)
		case webrtc.PeerConnectionStateClosed:
			c.finish(nil)
		}
	})
	return c
}

func (c *webrtcChannel) Send(data []byte) error {
	if c.isDone() {
		return ErrClosed
	}
	if err := c.dc.Send(data); err != nil {
		if errors.Is(err, webrtc.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("send on data channel: %w", err)
	}
	return nil
}

func (c *webrtcChannel) Close() error {
	c.closeOnce.Do(func() {
		c.drop()
		_ = c.dc.Close()
		_ = c.pc.Close()
	})
	return nil
}
