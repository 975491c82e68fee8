package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openPair(t *testing.T, n *MemoryNetwork) (Endpoint, Endpoint) {
	t.Helper()
	ctx := context.Background()
	a, err := n.Open(ctx, "p-alpha")
	if err != nil {
		t.Fatalf("Open(alpha) error = %v", err)
	}
	b, err := n.Open(ctx, "p-beta")
	if err != nil {
		t.Fatalf("Open(beta) error = %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func acceptOne(t *testing.T, ep Endpoint) Channel {
	t.Helper()
	select {
	case ch := <-ep.Incoming():
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming channel")
		return nil
	}
}

func recvOne(t *testing.T, ch Channel) []byte {
	t.Helper()
	select {
	case data, ok := <-ch.Receive():
		if !ok {
			t.Fatal("receive stream closed")
		}
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestMemoryNetwork_ConnectAndExchange(t *testing.T) {
	n := NewMemoryNetwork()
	a, b := openPair(t, n)

	out, err := a.Connect(context.Background(), "p-beta")
	if err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	defer out.Close()
	in := acceptOne(t, b)
	defer in.Close()

	if in.PeerID() != "p-alpha" || out.PeerID() != "p-beta" {
		t.Errorf("Unexpected peer ids: in=%s out=%s", in.PeerID(), out.PeerID())
	}

	if err := out.Send([]byte("ping")); err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if got := string(recvOne(t, in)); got != "ping" {
		t.Errorf("received %q, want ping", got)
	}
	if err := in.Send([]byte("pong")); err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if got := string(recvOne(t, out)); got != "pong" {
		t.Errorf("received %q, want pong", got)
	}
}

func TestMemoryNetwork_UnknownPeer(t *testing.T) {
	n := NewMemoryNetwork()
	a, _ := openPair(t, n)

	_, err := a.Connect(context.Background(), "p-nobody")
	if !errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("Expected ErrPeerUnavailable, got %v", err)
	}
}

func TestMemoryNetwork_FailConnects(t *testing.T) {
	n := NewMemoryNetwork()
	a, b := openPair(t, n)
	n.FailConnects(1)

	if _, err := a.Connect(context.Background(), "p-beta"); !errors.Is(err, ErrInjectedFailure) {
		t.Fatalf("Expected injected failure, got %v", err)
	}
	ch, err := a.Connect(context.Background(), "p-beta")
	if err != nil {
		t.Fatalf("second Connect error = %v", err)
	}
	_ = ch.Close()
	_ = acceptOne(t, b).Close()

	if got := n.Connects(); got != 2 {
		t.Errorf("Connects() = %d, want 2", got)
	}
}

func TestMemoryNetwork_GracefulCloseFlushes(t *testing.T) {
	n := NewMemoryNetwork()
	a, b := openPair(t, n)

	out, err := a.Connect(context.Background(), "p-beta")
	if err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	in := acceptOne(t, b)
	defer in.Close()

	_ = out.Send([]byte("last words"))
	_ = out.Close()

	if got := string(recvOne(t, in)); got != "last words" {
		t.Errorf("received %q, want last words", got)
	}
	select {
	case _, ok := <-in.Receive():
		if ok {
			t.Error("Expected receive stream to close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive stream never closed")
	}
	if err := in.Err(); err != nil {
		t.Errorf("Err() after graceful close = %v, want nil", err)
	}
	if err := in.Send([]byte("anyone?")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}
}

func TestMemoryNetwork_Sever(t *testing.T) {
	n := NewMemoryNetwork()
	a, b := openPair(t, n)

	out, err := a.Connect(context.Background(), "p-beta")
	if err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	defer out.Close()
	in := acceptOne(t, b)
	defer in.Close()

	n.Sever("p-alpha")

	select {
	case <-in.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel not ended by Sever")
	}
	if !errors.Is(in.Err(), ErrConnectionLost) {
		t.Errorf("Err() = %v, want ErrConnectionLost", in.Err())
	}
}

func TestMemoryNetwork_CloseEndpointClosesUnclaimed(t *testing.T) {
	n := NewMemoryNetwork()
	a, b := openPair(t, n)

	out, err := a.Connect(context.Background(), "p-beta")
	if err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	defer out.Close()

	_ = b.Close()

	select {
	case <-out.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("unclaimed channel not closed with its endpoint")
	}
	if _, err := a.Connect(context.Background(), "p-beta"); !errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("Connect to closed endpoint = %v, want ErrPeerUnavailable", err)
	}
}

func TestMemoryNetwork_DuplicateIdentity(t *testing.T) {
	n := NewMemoryNetwork()
	_, _ = openPair(t, n)
	if _, err := n.Open(context.Background(), "p-alpha"); err == nil {
		t.Error("Expected error opening a duplicate identity")
	}
}

func TestMemorySignalHub_PeerUnavailable(t *testing.T) {
	hub := NewMemorySignalHub()
	ctx := context.Background()
	sess, err := hub.Attach(ctx, "p-alpha")
	if err != nil {
		t.Fatalf("Attach error = %v", err)
	}
	defer sess.Close()

	if err := sess.Send(ctx, Signal{Type: SignalOffer, To: "p-ghost", SDP: "v=0"}); err != nil {
		t.Fatalf("Send error = %v", err)
	}
	select {
	case sig := <-sess.Signals():
		if sig.Type != SignalError || sig.Code != CodePeerUnavailable || sig.From != "p-ghost" {
			t.Errorf("Unexpected signal %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("no error signal")
	}
}

func TestParseICEServers(t *testing.T) {
	cfg := ParseICEServers("stun:stun.example.com:3478, turn:alice:secret@turn.example.com:3478,")
	if len(cfg.Servers) != 2 {
		t.Fatalf("Expected 2 servers, got %d", len(cfg.Servers))
	}
	turn := cfg.Servers[1]
	if turn.URLs[0] != "turn:turn.example.com:3478" || turn.Username != "alice" || turn.Credential != "secret" {
		t.Errorf("Unexpected TURN server %+v", turn)
	}
}

func TestSignalURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/signal?participant_id=p-1"},
		{"https://chat.example.com/", "wss://chat.example.com/ws/signal?participant_id=p-1"},
	}
	for _, tt := range tests {
		got, err := SignalURL(tt.in, "p-1")
		if err != nil {
			t.Fatalf("SignalURL(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("SignalURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := SignalURL("ftp://x", "p-1"); err == nil {
		t.Error("Expected error for unsupported scheme")
	}
}

func TestMemoryNetwork_DropEndsEndpoint(t *testing.T) {
	n := NewMemoryNetwork()
	a, b := openPair(t, n)

	open, err := a.Connect(context.Background(), "p-beta")
	if err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	defer open.Close()
	in := acceptOne(t, b)

	n.Drop("p-alpha")

	select {
	case _, ok := <-a.Incoming():
		if ok {
			t.Error("Expected Incoming to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Incoming not closed after Drop")
	}
	if _, err := a.Connect(context.Background(), "p-beta"); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Drop = %v, want ErrClosed", err)
	}
	if _, err := b.Connect(context.Background(), "p-alpha"); !errors.Is(err, ErrPeerUnavailable) {
		t.Errorf("Connect to dropped identity = %v, want ErrPeerUnavailable", err)
	}

	// Channels established before the drop keep working.
	if err := in.Send([]byte("still here")); err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if got := recvOne(t, open); string(got) != "still here" {
		t.Errorf("received %q", got)
	}

	// The identity can be registered again.
	again, err := n.Open(context.Background(), "p-alpha")
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	_ = again.Close()
	_ = a.Close()
}
