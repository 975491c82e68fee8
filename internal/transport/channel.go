package transport

import (
	"sync"
)

// inboxSize bounds how many messages may wait for the owner to read them.
const inboxSize = 64

// pipe holds the lifecycle shared by every Channel implementation: an inbox
// fed by the underlying link, an ordered Receive stream, and a terminal
// error recorded exactly once.
type pipe struct {
	peerID string

	inbox   chan []byte
	recv    chan []byte
	done    chan struct{}
	dropped chan struct{}

	mu       sync.Mutex
	err      error
	doneOnce sync.Once
	dropOnce sync.Once
}

func newPipe(peerID string) *pipe {
	p := &pipe{
		peerID:  peerID,
		inbox:   make(chan []byte, inboxSize),
		recv:    make(chan []byte),
		done:    make(chan struct{}),
		dropped: make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *pipe) PeerID() string { return p.peerID }

func (p *pipe) Receive() <-chan []byte { return p.recv }

func (p *pipe) Done() <-chan struct{} { return p.done }

func (p *pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pipe) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// deliver queues an inbound message. Messages arriving after the end are
// discarded.
func (p *pipe) deliver(data []byte) {
	select {
	case p.inbox <- data:
	case <-p.done:
	}
}

// finish ends the pipe. Only the first call's err is kept.
func (p *pipe) finish(err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// drop finishes the pipe and tells the pump the owner is no longer reading.
func (p *pipe) drop() {
	p.finish(nil)
	p.dropOnce.Do(func() { close(p.dropped) })
}

// pump forwards the inbox to the Receive stream and closes it after the end,
// flushing what already arrived so a final frame sent just before close is
// not lost.
func (p *pipe) pump() {
	defer close(p.recv)
	for {
		select {
		case data := <-p.inbox:
			if !p.forward(data) {
				return
			}
		case <-p.done:
			for {
				select {
				case data := <-p.inbox:
					if !p.forward(data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *pipe) forward(data []byte) bool {
	select {
	case p.recv <- data:
		return true
	case <-p.dropped:
		return false
	}
}
