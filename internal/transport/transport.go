// Package transport provides the point-to-point channels paired participants
// talk over.
//
// A Transport opens an Endpoint addressed by the participant's identity. The
// Endpoint accepts Channels initiated by others and initiates Channels toward
// a discovered participant. The matchmaker decides who connects to whom; the
// transport only moves bytes.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrPeerUnavailable is returned by Connect when the target identity is
	// not reachable: it never registered, already left, or refused.
	ErrPeerUnavailable = errors.New("peer unavailable")

	// ErrClosed is returned when using an Endpoint or Channel after Close.
	ErrClosed = errors.New("transport closed")

	// ErrConnectionLost is reported by Channel.Err when the link failed
	// without either side closing it.
	ErrConnectionLost = errors.New("connection lost")
)

// Transport opens endpoints.
type Transport interface {
	// Open registers localID and returns an Endpoint that accepts and
	// initiates Channels on its behalf.
	Open(ctx context.Context, localID string) (Endpoint, error)
}

// Endpoint is one participant's presence on the transport.
type Endpoint interface {
	// ID returns the identity the endpoint was opened with.
	ID() string

	// Incoming delivers Channels initiated by other participants. It is
	// closed when the endpoint closes or loses its registration with the
	// network; Connect then fails with ErrClosed and the owner has to
	// Close the endpoint and open a new one.
	Incoming() <-chan Channel

	// Connect opens a Channel to targetID. It blocks until the Channel is
	// open, ctx is done, or the attempt fails.
	Connect(ctx context.Context, targetID string) (Channel, error)

	// Close stops accepting Channels. Channels already handed out stay open
	// until their owner closes them.
	Close() error
}

// Channel is an open, ordered, reliable message link to one peer.
type Channel interface {
	// PeerID returns the identity at the other end.
	PeerID() string

	// Send transmits one message.
	Send(data []byte) error

	// Receive delivers inbound messages in order. It is closed once the
	// channel has ended and every message that arrived before the end has
	// been delivered.
	Receive() <-chan []byte

	// Done is closed when the channel ends for any reason.
	Done() <-chan struct{}

	// Err returns nil while the channel is open or after a graceful close,
	// and the failure cause otherwise.
	Err() error

	// Close ends the channel for both sides. It is safe to call repeatedly.
	Close() error
}
