// Package matchmaker pairs anonymous participants through a shared
// Directory.
//
// Participants never talk to each other before pairing. They coordinate only
// through Directory entries and one atomic primitive: deleting a row by its
// identity, which exactly one of any number of concurrent callers wins. The
// winner of a row is the only participant allowed to open a Channel toward
// the row's owner, so two participants racing for the same partner can never
// both succeed.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ashureev/strangerchat/internal/config"
	"github.com/ashureev/strangerchat/internal/domain"
	"github.com/ashureev/strangerchat/internal/identity"
	"github.com/ashureev/strangerchat/internal/store"
	"github.com/ashureev/strangerchat/internal/transport"
)

var (
	// ErrRetriesExhausted is reported when consecutive transport failures
	// exceed the configured ceiling.
	ErrRetriesExhausted = errors.New("too many consecutive connection failures")

	// ErrDirectoryUnavailable is reported when the directory kept failing
	// transiently past the configured retry limit.
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	// errEndpointLost means the transport endpoint can no longer accept or
	// open Channels and has to be replaced.
	errEndpointLost = errors.New("transport endpoint lost")
)

// EventKind identifies a matchmaking event.
type EventKind int

const (
	// EventSearching is emitted once when an attempt starts.
	EventSearching EventKind = iota
	// EventWaiting is emitted once per attempt, the first time the
	// participant publishes a Directory entry and waits to be claimed.
	EventWaiting
	// EventPaired carries the Channel to the partner. It is the last event.
	EventPaired
	// EventFatal carries an error that retrying cannot fix. It is the last
	// event.
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventSearching:
		return "searching"
	case EventWaiting:
		return "waiting"
	case EventPaired:
		return "paired"
	case EventFatal:
		return "fatal"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one step of a matchmaking attempt.
type Event struct {
	Kind    EventKind
	Channel transport.Channel
	PeerID  string
	Err     error
}

// eventBuffer holds every event one attempt can emit, so emitting never
// blocks.
const eventBuffer = 3

// Matchmaker runs matchmaking attempts for one participant process. At most
// one attempt is in flight at a time.
type Matchmaker struct {
	dir    store.Directory
	tr     transport.Transport
	cfg    config.Matchmaking
	logger *slog.Logger
	newID  func() string
	rng    *rand.Rand

	mu            sync.Mutex
	cancel        context.CancelFunc
	done          chan struct{}
	participantID string
}

// Option customizes a Matchmaker.
type Option func(*Matchmaker)

// WithIdentity replaces the participant identity generator.
func WithIdentity(newID func() string) Option {
	return func(m *Matchmaker) { m.newID = newID }
}

// WithSeed makes the strategy's random choices reproducible.
func WithSeed(seed uint64) Option {
	return func(m *Matchmaker) { m.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// New creates a Matchmaker.
func New(dir store.Directory, tr transport.Transport, cfg config.Matchmaking, logger *slog.Logger, opts ...Option) *Matchmaker {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matchmaker{
		dir:    dir,
		tr:     tr,
		cfg:    cfg,
		logger: logger,
		newID:  identity.NewParticipantID,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ParticipantID returns the identity of the current or last attempt.
func (m *Matchmaker) ParticipantID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participantID
}

// Start begins a matchmaking attempt under a fresh participant identity.
// The returned stream ends with EventPaired or EventFatal, or closes without
// either when the attempt is cancelled. Calling Start while an attempt is in
// flight returns an already closed stream.
func (m *Matchmaker) Start(ctx context.Context) <-chan Event {
	events := make(chan Event, eventBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		select {
		case <-m.done:
		default:
			m.logger.Warn("Matchmaking already in progress", "participant_id", m.participantID)
			close(events)
			return events
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	id := m.newID()
	m.cancel, m.done, m.participantID = cancel, done, id

	a := &attempt{
		m:      m,
		id:     id,
		events: events,
		logger: m.logger.With("participant_id", id),
	}
	go func() {
		defer close(done)
		defer cancel()
		defer close(events)
		a.run(runCtx)
	}()
	return events
}

// Cancel aborts the attempt in flight, if any. It does not wait for cleanup.
func (m *Matchmaker) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close cancels the attempt in flight and waits until its Directory entry
// is removed and its endpoint released. A Channel already handed out with
// EventPaired is not affected.
func (m *Matchmaker) Close() {
	m.Cancel()
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// attempt is the state of one matchmaking run. It is confined to the run
// goroutine.
type attempt struct {
	m      *Matchmaker
	id     string
	ep     transport.Endpoint
	events chan<- Event
	logger *slog.Logger

	inserted          bool
	waitingSent       bool
	dirFailures       int
	transportFailures int
}

func (a *attempt) cfg() config.Matchmaking { return a.m.cfg }

func (a *attempt) run(ctx context.Context) {
	a.emit(Event{Kind: EventSearching})

	ep, err := a.open(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.fatal(err)
		}
		return
	}
	a.ep = ep

	var ch transport.Channel
	for {
		switch a.cfg().Strategy {
		case config.StrategySlots:
			ch, err = a.runSlots(ctx)
		default:
			ch, err = a.runQueue(ctx)
		}
		if !errors.Is(err, errEndpointLost) || ctx.Err() != nil {
			break
		}
		if err = a.reopen(ctx, err); err != nil {
			break
		}
	}

	// Every exit path: own entry, then endpoint. Closing the endpoint also
	// refuses Channels arriving after pairing.
	a.removeOwnEntry(ctx)
	if closeErr := a.ep.Close(); closeErr != nil {
		a.logger.Debug("Closing endpoint failed", "error", closeErr)
	}

	if err != nil {
		if ctx.Err() != nil {
			a.logger.Debug("Matchmaking cancelled")
			return
		}
		a.fatal(err)
		return
	}
	if ctx.Err() != nil {
		_ = ch.Close()
		return
	}

	a.logger.Info("Paired", "peer_id", ch.PeerID())
	a.emit(Event{Kind: EventPaired, Channel: ch, PeerID: ch.PeerID()})
}

func (a *attempt) emit(ev Event) {
	a.events <- ev
}

func (a *attempt) fatal(err error) {
	a.logger.Error("Matchmaking failed", "error", err)
	a.emit(Event{Kind: EventFatal, Err: err})
}

func (a *attempt) markWaiting() {
	if a.waitingSent {
		return
	}
	a.waitingSent = true
	a.emit(Event{Kind: EventWaiting})
}

// open registers the participant on the transport, retrying transient
// failures like any other infrastructure call.
func (a *attempt) open(ctx context.Context) (transport.Endpoint, error) {
	var ep transport.Endpoint
	err := a.retryTransient(ctx, "open endpoint", func(ctx context.Context) error {
		var err error
		ep, err = a.m.tr.Open(ctx, a.id)
		return err
	})
	return ep, err
}

// reopen replaces a lost endpoint. Nobody could reach the participant's
// entry through it, so the entry is withdrawn first. Losing the endpoint
// counts as a transport failure.
func (a *attempt) reopen(ctx context.Context, cause error) error {
	a.removeOwnEntry(ctx)
	if err := a.ep.Close(); err != nil {
		a.logger.Debug("Closing lost endpoint failed", "error", err)
	}

	a.transportFailures++
	a.logger.Warn("Transport endpoint lost, reopening",
		"consecutive_failures", a.transportFailures,
		"error", cause)
	if limit := a.cfg().MaxTransportFailures; limit > 0 && a.transportFailures > limit {
		return fmt.Errorf("%w: last error: %w", ErrRetriesExhausted, cause)
	}
	if err := sleep(ctx, max(a.cfg().DirectoryRetryDelay, minHuntPause)); err != nil {
		return err
	}

	ep, err := a.open(ctx)
	if err != nil {
		return err
	}
	a.ep = ep
	return nil
}

// retryTransient runs fn until it succeeds, fails structurally, or fails
// transiently DirectoryRetryLimit times in a row.
func (a *attempt) retryTransient(ctx context.Context, op string, fn func(context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			a.dirFailures = 0
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if store.IsStructural(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		a.dirFailures++
		if a.dirFailures >= a.cfg().DirectoryRetryLimit {
			return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrDirectoryUnavailable, a.dirFailures, err)
		}
		a.logger.Warn("Transient failure, retrying",
			"op", op,
			"attempt", a.dirFailures,
			"delay", a.cfg().DirectoryRetryDelay,
			"error", err)
		if err := sleep(ctx, a.cfg().DirectoryRetryDelay); err != nil {
			return err
		}
	}
}

func (a *attempt) scan(ctx context.Context, slot int) ([]domain.Entry, error) {
	var entries []domain.Entry
	err := a.retryTransient(ctx, "scan directory", func(ctx context.Context) error {
		var err error
		entries, err = a.m.dir.Scan(ctx, store.ScanOptions{
			ExcludeParticipant: a.id,
			Slot:               slot,
			Limit:              a.cfg().ScanLimit,
		})
		return err
	})
	return entries, err
}

func (a *attempt) insert(ctx context.Context, slot int) (int64, error) {
	var rowID int64
	err := a.retryTransient(ctx, "insert entry", func(ctx context.Context) error {
		var err error
		a.inserted = true
		rowID, err = a.m.dir.Insert(ctx, domain.Entry{
			ParticipantID: a.id,
			Slot:          slot,
			CreatedAt:     time.Now(),
		})
		if errors.Is(err, store.ErrDuplicateEntry) {
			// A previous insert landed even though it reported failure.
			// Drop it and insert again so the row identity is known.
			if delErr := a.m.dir.DeleteByParticipant(ctx, a.id); delErr != nil {
				a.logger.Debug("Removing duplicate entry failed", "error", delErr)
			}
		}
		return err
	})
	return rowID, err
}

// claim conditionally deletes rowID and reports whether this caller won.
func (a *attempt) claim(ctx context.Context, rowID int64) (bool, error) {
	var n int64
	err := a.retryTransient(ctx, "claim entry", func(ctx context.Context) error {
		var err error
		n, err = a.m.dir.ConditionalDelete(ctx, rowID)
		return err
	})
	return n == 1, err
}

// removeOwnEntry deletes the participant's entry on a context detached from
// cancellation so cleanup still runs after Cancel.
func (a *attempt) removeOwnEntry(ctx context.Context) {
	if !a.inserted {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg().CleanupTimeout)
	defer cancel()
	if err := a.m.dir.DeleteByParticipant(cleanupCtx, a.id); err != nil {
		a.logger.Warn("Failed to remove own directory entry", "error", err)
		return
	}
	a.inserted = false
}

// claimAndConnect tries to win entry and open a Channel to its owner. A nil
// Channel with a nil error means the round was lost and matchmaking should
// continue.
func (a *attempt) claimAndConnect(ctx context.Context, entry domain.Entry) (transport.Channel, error) {
	won, err := a.claim(ctx, entry.RowID)
	if err != nil {
		return nil, err
	}
	if !won {
		a.logger.Debug("Lost claim race", "row_id", entry.RowID, "peer_id", entry.ParticipantID)
		return nil, a.pauseAfterLostRace(ctx)
	}

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg().HuntTimeout)
	defer cancel()
	ch, err := a.ep.Connect(connectCtx, entry.ParticipantID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, transport.ErrClosed) {
			return nil, fmt.Errorf("connect to %s: %w: %w", entry.ParticipantID, errEndpointLost, err)
		}
		return nil, a.transportFailed(entry.ParticipantID, err)
	}
	if ctx.Err() != nil {
		_ = ch.Close()
		return nil, ctx.Err()
	}
	a.transportFailures = 0
	return ch, nil
}

// transportFailed records a failed connection. It returns a fatal error once
// the consecutive failure ceiling is exceeded.
func (a *attempt) transportFailed(peerID string, err error) error {
	a.transportFailures++
	a.logger.Warn("Connection to claimed peer failed",
		"peer_id", peerID,
		"consecutive_failures", a.transportFailures,
		"error", err)
	limit := a.cfg().MaxTransportFailures
	if limit > 0 && a.transportFailures > limit {
		return fmt.Errorf("%w: last error: %w", ErrRetriesExhausted, err)
	}
	return nil
}

func (a *attempt) pauseAfterLostRace(ctx context.Context) error {
	delay := a.cfg().ClaimRetryDelay
	if jitter := a.cfg().ClaimRetryJitter; jitter > 0 {
		delay += time.Duration(a.m.rng.Int64N(int64(jitter)))
	}
	if delay <= 0 {
		return ctx.Err()
	}
	return sleep(ctx, delay)
}

// host publishes an entry in slot and waits to be claimed. It returns a nil
// Channel when the wait ended without a partner and the caller should go
// back to searching.
func (a *attempt) host(ctx context.Context, slot int) (transport.Channel, error) {
	rowID, err := a.insert(ctx, slot)
	if err != nil {
		return nil, err
	}
	a.markWaiting()
	a.logger.Debug("Waiting to be claimed", "row_id", rowID, "slot", slot)

	ch, err := a.awaitIncoming(ctx, a.hostWait())
	if ch != nil || err != nil {
		return ch, err
	}

	// Nobody connected in time. Take our own row back; if somebody else
	// already won it, their connection may still be on its way.
	won, err := a.claim(ctx, rowID)
	if err != nil {
		return nil, err
	}
	if won {
		a.inserted = false
		return nil, nil
	}
	a.logger.Debug("Entry was claimed, waiting for claimant", "row_id", rowID)
	return a.awaitIncoming(ctx, a.cfg().ClaimGrace)
}

// hostWait draws how long to wait before taking the entry back. Waiters
// that published at the same moment expire at different times, so one of
// them rescans while the others are still visible.
func (a *attempt) hostWait() time.Duration {
	full := a.cfg().HostDuration
	half := full / 2
	if half <= 0 {
		return full
	}
	return full - time.Duration(a.m.rng.Int64N(int64(half)))
}

// awaitIncoming waits up to d for a Channel initiated by a claimant.
func (a *attempt) awaitIncoming(ctx context.Context, d time.Duration) (transport.Channel, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case ch, ok := <-a.ep.Incoming():
		if !ok {
			return nil, fmt.Errorf("wait for claimant: %w: %w", errEndpointLost, transport.ErrClosed)
		}
		return ch, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pollIncoming returns a Channel that arrived while the participant was
// doing something else, typically from a claimant that won an entry the
// participant had stopped waiting on.
func (a *attempt) pollIncoming() (transport.Channel, error) {
	select {
	case ch, ok := <-a.ep.Incoming():
		if !ok {
			return nil, fmt.Errorf("poll incoming: %w: %w", errEndpointLost, transport.ErrClosed)
		}
		return ch, nil
	default:
		return nil, nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
