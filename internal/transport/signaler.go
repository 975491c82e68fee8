package transport

import "context"

// SignalType identifies a signaling envelope.
type SignalType string

const (
	// SignalOffer carries a complete SDP offer.
	SignalOffer SignalType = "offer"
	// SignalAnswer carries a complete SDP answer.
	SignalAnswer SignalType = "answer"
	// SignalError reports that a signal could not be delivered.
	SignalError SignalType = "error"
)

// CodePeerUnavailable is the error code the hub returns when the target of
// an offer or answer is not registered.
const CodePeerUnavailable = "peer-unavailable"

// Signal is the envelope exchanged through the signaling hub. Signaling
// uses vanilla ICE: every candidate is gathered before the SDP is sent, so
// establishing a connection takes exactly one offer and one answer.
type Signal struct {
	Type SignalType `json:"type"`
	From string     `json:"from"`
	To   string     `json:"to"`
	SDP  string     `json:"sdp,omitempty"`
	Code string     `json:"code,omitempty"`
}

// Signaler attaches participants to a signaling hub.
type Signaler interface {
	// Attach registers localID with the hub and returns the session used to
	// exchange signals on its behalf.
	Attach(ctx context.Context, localID string) (SignalSession, error)
}

// SignalSession is one participant's registration with a signaling hub.
type SignalSession interface {
	// Send delivers s to s.To. From is filled in by the hub.
	Send(ctx context.Context, s Signal) error

	// Signals delivers signals addressed to this participant. It is closed
	// when the session ends.
	Signals() <-chan Signal

	// Close unregisters the participant.
	Close() error
}
