package matchmaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/strangerchat/internal/identity"
	"github.com/ashureev/strangerchat/internal/transport"
)

// inviteConnectTimeout bounds a guest's connection to the host.
const inviteConnectTimeout = 30 * time.Second

// Invite pairs two participants who already know each other: the host opens
// its endpoint under a shareable code and the guest connects to it
// directly. The Directory is not involved.
type Invite struct {
	tr     transport.Transport
	code   string
	host   bool
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInviteHost creates the inviting side. Code returns what to share.
func NewInviteHost(tr transport.Transport, logger *slog.Logger) *Invite {
	return newInvite(tr, identity.NewParticipantID(), true, logger)
}

// NewInviteGuest creates the side joining the host that shared code.
func NewInviteGuest(tr transport.Transport, code string, logger *slog.Logger) (*Invite, error) {
	if !identity.IsValidParticipantID(code) {
		return nil, fmt.Errorf("invalid invite code %q", code)
	}
	return newInvite(tr, code, false, logger), nil
}

func newInvite(tr transport.Transport, code string, host bool, logger *slog.Logger) *Invite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invite{
		tr:     tr,
		code:   code,
		host:   host,
		logger: logger.With("invite_code", code, "host", host),
	}
}

// Code returns the invite code.
func (iv *Invite) Code() string { return iv.code }

// Start waits for the guest (host side) or connects to the host (guest
// side). The stream follows the Matchmaker's contract.
func (iv *Invite) Start(ctx context.Context) <-chan Event {
	events := make(chan Event, eventBuffer)

	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.done != nil {
		select {
		case <-iv.done:
		default:
			iv.logger.Warn("Invite already in progress")
			close(events)
			return events
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	iv.cancel, iv.done = cancel, done

	go func() {
		defer close(done)
		defer close(events)
		defer cancel()
		iv.run(runCtx, events)
	}()
	return events
}

// Close cancels the attempt in flight and waits until its endpoint is
// released.
func (iv *Invite) Close() {
	iv.mu.Lock()
	cancel, done := iv.cancel, iv.done
	iv.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (iv *Invite) run(ctx context.Context, events chan<- Event) {
	events <- Event{Kind: EventSearching}

	localID := iv.code
	if !iv.host {
		localID = identity.NewParticipantID()
	}
	ep, err := iv.tr.Open(ctx, localID)
	if err != nil {
		if ctx.Err() == nil {
			iv.fail(events, fmt.Errorf("open endpoint: %w", err))
		}
		return
	}
	defer func() {
		if err := ep.Close(); err != nil {
			iv.logger.Debug("Closing endpoint failed", "error", err)
		}
	}()

	var ch transport.Channel
	if iv.host {
		events <- Event{Kind: EventWaiting}
		iv.logger.Debug("Waiting for guest")
		select {
		case c, ok := <-ep.Incoming():
			if !ok {
				iv.fail(events, fmt.Errorf("wait for guest: %w", transport.ErrClosed))
				return
			}
			ch = c
		case <-ctx.Done():
			return
		}
	} else {
		connectCtx, cancel := context.WithTimeout(ctx, inviteConnectTimeout)
		ch, err = ep.Connect(connectCtx, iv.code)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				iv.fail(events, fmt.Errorf("join invite: %w", err))
			}
			return
		}
	}

	if ctx.Err() != nil {
		_ = ch.Close()
		return
	}
	iv.logger.Info("Invite paired", "peer_id", ch.PeerID())
	events <- Event{Kind: EventPaired, Channel: ch, PeerID: ch.PeerID()}
}

func (iv *Invite) fail(events chan<- Event, err error) {
	iv.logger.Error("Invite failed", "error", err)
	events <- Event{Kind: EventFatal, Err: err}
}
