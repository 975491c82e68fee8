package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInjectedFailure is returned by Connect while a MemoryNetwork fault
// injected with FailConnects is pending.
var ErrInjectedFailure = errors.New("injected connect failure")

// incomingBuffer is how many accepted Channels an endpoint may hold before
// its owner reads them.
const incomingBuffer = 16

// MemoryNetwork is an in-process Transport. Endpoints opened on the same
// network reach each other directly; it is used by tests and single-process
// demos.
type MemoryNetwork struct {
	mu           sync.Mutex
	endpoints    map[string]*memoryEndpoint
	failConnects int
	connects     int
}

// Compile-time interface check.
var _ Transport = (*MemoryNetwork)(nil)

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*memoryEndpoint)}
}

// FailConnects makes the next n Connect calls on any endpoint fail.
func (n *MemoryNetwork) FailConnects(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failConnects += count
}

// Connects returns how many Connect calls reached the network.
func (n *MemoryNetwork) Connects() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connects
}

// Sever fails every open Channel touching id with ErrConnectionLost, as if
// the link dropped.
func (n *MemoryNetwork) Sever(id string) {
	n.mu.Lock()
	ep := n.endpoints[id]
	n.mu.Unlock()
	if ep == nil {
		return
	}
	for _, ch := range ep.openChannels() {
		ch.fail(ErrConnectionLost)
	}
}

// Drop takes id off the network as if its registration was lost: its
// endpoint stops accepting Channels, Incoming is closed and Connect fails
// with ErrClosed. Open Channels are unaffected.
func (n *MemoryNetwork) Drop(id string) {
	n.mu.Lock()
	ep := n.endpoints[id]
	delete(n.endpoints, id)
	n.mu.Unlock()
	if ep != nil {
		ep.detach()
	}
}

// Open registers localID on the network.
func (n *MemoryNetwork) Open(ctx context.Context, localID string) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.endpoints[localID]; exists {
		return nil, fmt.Errorf("open endpoint %s: identity already registered", localID)
	}
	ep := &memoryEndpoint{
		id:       localID,
		network:  n,
		incoming: make(chan Channel, incomingBuffer),
		channels: make(map[*memoryChannel]struct{}),
	}
	n.endpoints[localID] = ep
	return ep, nil
}

func (n *MemoryNetwork) lookup(id string) *memoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

// takeFault consumes one pending injected failure.
func (n *MemoryNetwork) takeFault() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connects++
	if n.failConnects > 0 {
		n.failConnects--
		return true
	}
	return false
}

func (n *MemoryNetwork) remove(ep *memoryEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.endpoints[ep.id]; ok && current == ep {
		delete(n.endpoints, ep.id)
	}
}

type memoryEndpoint struct {
	id       string
	network  *MemoryNetwork
	incoming chan Channel

	mu       sync.Mutex
	closed   bool
	released bool
	channels map[*memoryChannel]struct{}
}

func (e *memoryEndpoint) ID() string { return e.id }

func (e *memoryEndpoint) Incoming() <-chan Channel { return e.incoming }

func (e *memoryEndpoint) Connect(ctx context.Context, targetID string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if e.network.takeFault() {
		return nil, fmt.Errorf("connect to %s: %w", targetID, ErrInjectedFailure)
	}

	target := e.network.lookup(targetID)
	if target == nil || target == e {
		return nil, fmt.Errorf("connect to %s: %w", targetID, ErrPeerUnavailable)
	}

	local := &memoryChannel{pipe: newPipe(targetID), owner: e}
	remote := &memoryChannel{pipe: newPipe(e.id), owner: target}
	local.peer, remote.peer = remote, local

	if !target.accept(remote) {
		local.pipe.drop()
		remote.pipe.drop()
		return nil, fmt.Errorf("connect to %s: %w", targetID, ErrPeerUnavailable)
	}
	e.track(local)
	return local, nil
}

// accept hands ch to the endpoint's owner. It fails if the endpoint is
// closed or its backlog is full.
func (e *memoryEndpoint) accept(ch *memoryChannel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.incoming <- ch:
		e.channels[ch] = struct{}{}
		return true
	default:
		return false
	}
}

func (e *memoryEndpoint) track(ch *memoryChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels[ch] = struct{}{}
}

func (e *memoryEndpoint) untrack(ch *memoryChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, ch)
}

func (e *memoryEndpoint) openChannels() []*memoryChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*memoryChannel, 0, len(e.channels))
	for ch := range e.channels {
		out = append(out, ch)
	}
	return out
}

func (e *memoryEndpoint) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.incoming)
}

func (e *memoryEndpoint) Close() error {
	e.network.remove(e)
	e.detach()

	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	var unclaimed []Channel
	for ch := range e.incoming {
		unclaimed = append(unclaimed, ch)
	}
	e.mu.Unlock()

	// Nobody will ever read these.
	for _, ch := range unclaimed {
		_ = ch.Close()
	}
	return nil
}

type memoryChannel struct {
	*pipe
	owner *memoryEndpoint
	peer  *memoryChannel
}

func (c *memoryChannel) Send(data []byte) error {
	if c.isDone() {
		return ErrClosed
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	c.peer.deliver(msg)
	return nil
}

func (c *memoryChannel) Close() error {
	c.pipe.drop()
	c.peer.pipe.finish(nil)
	c.owner.untrack(c)
	return nil
}

// fail ends both sides abnormally.
func (c *memoryChannel) fail(err error) {
	c.pipe.finish(err)
	c.peer.pipe.finish(err)
}
