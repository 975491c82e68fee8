// Package relay defines the frames two connected participants exchange over
// a transport Channel and their wire encoding.
//
// Each transport message carries exactly one frame, encoded as a CBOR map
// with Core Deterministic Encoding so identical frames always produce
// identical bytes.
package relay

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies a frame type.
type Kind string

const (
	// KindMessage carries one chat message.
	KindMessage Kind = "message"
	// KindTyping carries the sender's typing indicator.
	KindTyping Kind = "typing"
	// KindDisconnect announces the sender is leaving.
	KindDisconnect Kind = "disconnect"
)

// ErrUnknownKind is returned by Decode for frames of an unrecognized kind.
var ErrUnknownKind = errors.New("unknown frame kind")

// Frame is a single relay frame.
type Frame struct {
	Kind   Kind   `cbor:"kind"`
	Text   string `cbor:"text,omitempty"`
	Typing bool   `cbor:"typing,omitempty"`
}

// MessageFrame builds a message frame.
func MessageFrame(text string) Frame {
	return Frame{Kind: KindMessage, Text: text}
}

// TypingFrame builds a typing indicator frame.
func TypingFrame(typing bool) Frame {
	return Frame{Kind: KindTyping, Typing: typing}
}

// DisconnectFrame builds a disconnect frame.
func DisconnectFrame() Frame {
	return Frame{Kind: KindDisconnect}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("relay: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// A peer sending a huge frame should fail decode, not exhaust memory.
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic("relay: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes f.
func Encode(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindMessage, KindTyping, KindDisconnect:
	default:
		return nil, fmt.Errorf("encode frame: %w: %q", ErrUnknownKind, f.Kind)
	}
	data, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	return data, nil
}

// Decode parses one frame. Unknown fields are ignored; unknown kinds are
// reported with ErrUnknownKind so receivers can skip them.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Kind {
	case KindMessage, KindTyping, KindDisconnect:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("decode frame: %w: %q", ErrUnknownKind, f.Kind)
	}
}
