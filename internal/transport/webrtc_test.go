package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// TestWebRTCTransport_ConnectAndExchange pairs two endpoints over loopback
// through an in-process signal hub and exchanges messages both ways.
func TestWebRTCTransport_ConnectAndExchange(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback test in short mode")
	}
	hub := NewMemorySignalHub()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	// Empty ICE config means host candidates only (loopback).
	tr := NewWebRTCTransport(hub, ICEConfig{}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alpha, err := tr.Open(ctx, "p-alpha")
	if err != nil {
		t.Fatalf("Open(alpha) error = %v", err)
	}
	defer alpha.Close()
	beta, err := tr.Open(ctx, "p-beta")
	if err != nil {
		t.Fatalf("Open(beta) error = %v", err)
	}
	defer beta.Close()

	out, err := alpha.Connect(ctx, "p-beta")
	if err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	defer out.Close()

	var in Channel
	select {
	case in = <-beta.Incoming():
	case <-ctx.Done():
		t.Fatal("no inbound channel")
	}
	defer in.Close()

	if in.PeerID() != "p-alpha" {
		t.Errorf("inbound PeerID = %q, want p-alpha", in.PeerID())
	}

	if err := out.Send([]byte("hello beta")); err != nil {
		t.Fatalf("Send error = %v", err)
	}
	select {
	case data := <-in.Receive():
		if string(data) != "hello beta" {
			t.Errorf("beta received %q", data)
		}
	case <-ctx.Done():
		t.Fatal("beta received nothing")
	}

	if err := in.Send([]byte("hello alpha")); err != nil {
		t.Fatalf("Send error = %v", err)
	}
	select {
	case data := <-out.Receive():
		if string(data) != "hello alpha" {
			t.Errorf("alpha received %q", data)
		}
	case <-ctx.Done():
		t.Fatal("alpha received nothing")
	}

	_ = out.Close()
	select {
	case <-in.Done():
	case <-ctx.Done():
		t.Fatal("remote close not observed")
	}
}

func TestWebRTCTransport_UnknownPeer(t *testing.T) {
	hub := NewMemorySignalHub()
	tr := NewWebRTCTransport(hub, ICEConfig{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	alpha, err := tr.Open(ctx, "p-alpha")
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer alpha.Close()

	_, err = alpha.Connect(ctx, "p-ghost")
	if !errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("Connect to unknown peer = %v, want ErrPeerUnavailable", err)
	}
}

func TestWebRTCTransport_SignalingLossClosesEndpoint(t *testing.T) {
	hub := NewMemorySignalHub()
	tr := NewWebRTCTransport(hub, ICEConfig{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alpha, err := tr.Open(ctx, "p-alpha")
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer alpha.Close()

	hub.Disconnect("p-alpha")

	select {
	case _, ok := <-alpha.Incoming():
		if ok {
			t.Error("Expected Incoming to be closed")
		}
	case <-ctx.Done():
		t.Fatal("Incoming not closed after the signaling session ended")
	}
	if _, err := alpha.Connect(ctx, "p-beta"); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after signaling loss = %v, want ErrClosed", err)
	}
}
