package matchmaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/strangerchat/internal/transport"
)

func TestInvite_GuestJoinsHost(t *testing.T) {
	net := transport.NewMemoryNetwork()
	host := NewInviteHost(net, discardLogger)
	t.Cleanup(host.Close)
	hostEvents := host.Start(context.Background())
	waitFor(t, hostEvents, EventWaiting, 2*time.Second)

	guest, err := NewInviteGuest(net, host.Code(), discardLogger)
	if err != nil {
		t.Fatalf("NewInviteGuest error = %v", err)
	}
	t.Cleanup(guest.Close)

	guestPaired := waitFor(t, guest.Start(context.Background()), EventPaired, 2*time.Second)
	defer guestPaired.Channel.Close()
	hostPaired := waitFor(t, hostEvents, EventPaired, 2*time.Second)
	defer hostPaired.Channel.Close()

	if guestPaired.PeerID != host.Code() {
		t.Errorf("guest paired with %s, want %s", guestPaired.PeerID, host.Code())
	}
	if hostPaired.PeerID == host.Code() || hostPaired.PeerID == "" {
		t.Errorf("host paired with %q", hostPaired.PeerID)
	}

	if err := guestPaired.Channel.Send([]byte("hey friend")); err != nil {
		t.Fatalf("Send error = %v", err)
	}
	select {
	case got := <-hostPaired.Channel.Receive():
		if string(got) != "hey friend" {
			t.Errorf("host received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInvite_UnknownCodeIsFatal(t *testing.T) {
	net := transport.NewMemoryNetwork()
	guest, err := NewInviteGuest(net, NewInviteHost(net, discardLogger).Code(), discardLogger)
	if err != nil {
		t.Fatalf("NewInviteGuest error = %v", err)
	}
	t.Cleanup(guest.Close)

	ev := waitFor(t, guest.Start(context.Background()), EventFatal, 2*time.Second)
	if !errors.Is(ev.Err, transport.ErrPeerUnavailable) {
		t.Errorf("Fatal error = %v, want ErrPeerUnavailable", ev.Err)
	}
}

func TestInvite_RejectsMalformedCode(t *testing.T) {
	if _, err := NewInviteGuest(transport.NewMemoryNetwork(), "not a code", discardLogger); err == nil {
		t.Error("Expected an error for a malformed invite code")
	}
}

func TestInvite_HostCanReopenAfterClose(t *testing.T) {
	net := transport.NewMemoryNetwork()
	host := NewInviteHost(net, discardLogger)
	t.Cleanup(host.Close)

	waitFor(t, host.Start(context.Background()), EventWaiting, 2*time.Second)
	host.Close()

	// The same code is reusable, so a friend can join the next chat too.
	events := host.Start(context.Background())
	waitFor(t, events, EventWaiting, 2*time.Second)

	second := host.Start(context.Background())
	if _, ok := <-second; ok {
		t.Error("Expected a second concurrent Start to return a closed stream")
	}
}
