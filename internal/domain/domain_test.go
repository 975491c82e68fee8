package domain

import (
	"testing"
	"time"
)

func TestTurnsFromMessagesDropsSystem(t *testing.T) {
	messages := []Message{
		SystemMessage(GreetingText),
		NewMessage(SenderSelf, "asl?"),
		NewMessage(SenderPartner, "22 f nowhere"),
		SystemMessage(PartnerLeftText),
	}

	turns := TurnsFromMessages(messages)
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].Content != "asl?" {
		t.Errorf("unexpected first turn: %+v", turns[0])
	}
	if turns[1].Role != RoleModel || turns[1].Content != "22 f nowhere" {
		t.Errorf("unexpected second turn: %+v", turns[1])
	}
}

func TestNewMessageIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		m := NewMessage(SenderSelf, "x")
		if seen[m.ID] {
			t.Fatalf("duplicate message id %q", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestStateHelpers(t *testing.T) {
	tests := []struct {
		state    State
		name     string
		matching bool
		ended    bool
	}{
		{StateIdle, "IDLE", false, false},
		{StateSearching, "SEARCHING", true, false},
		{StateWaiting, "WAITING", true, false},
		{StateConnected, "CONNECTED", false, false},
		{StateDisconnected, "DISCONNECTED", false, true},
		{StateError, "ERROR", false, true},
		{StateFatal, "FATAL_ERROR", false, true},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if got := tt.state.Matching(); got != tt.matching {
			t.Errorf("%s Matching() = %v, want %v", tt.name, got, tt.matching)
		}
		if got := tt.state.Ended(); got != tt.ended {
			t.Errorf("%s Ended() = %v, want %v", tt.name, got, tt.ended)
		}
	}
}

func TestEntryAge(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := Entry{CreatedAt: created}
	if got := e.Age(created.Add(3 * time.Second)); got != 3*time.Second {
		t.Errorf("Age = %v, want 3s", got)
	}
	var zero Entry
	if got := zero.Age(created); got != 0 {
		t.Errorf("zero entry Age = %v, want 0", got)
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("ai") != ModeAssisted || ParseMode("assisted") != ModeAssisted {
		t.Error("expected assisted mode")
	}
	if ParseMode("") != ModeHuman || ParseMode("bogus") != ModeHuman {
		t.Error("expected human mode fallback")
	}
}
