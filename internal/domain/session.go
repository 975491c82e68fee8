package domain

// State is the lifecycle state of a chat session.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateWaiting
	StateConnected
	StateDisconnected
	StateError
	StateFatal
)

var stateNames = [...]string{
	StateIdle:         "IDLE",
	StateSearching:    "SEARCHING",
	StateWaiting:      "WAITING",
	StateConnected:    "CONNECTED",
	StateDisconnected: "DISCONNECTED",
	StateError:        "ERROR",
	StateFatal:        "FATAL_ERROR",
}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Matching reports whether the session is looking for a partner.
func (s State) Matching() bool {
	return s == StateSearching || s == StateWaiting
}

// Ended reports whether the session reached a terminal state that requires
// NewSession or Exit to continue.
func (s State) Ended() bool {
	return s == StateDisconnected || s == StateError || s == StateFatal
}

// Mode selects who the participant is paired with.
type Mode string

const (
	// ModeHuman pairs with another participant through the matchmaker.
	ModeHuman Mode = "human"
	// ModeAssisted pairs with a generated stranger.
	ModeAssisted Mode = "assisted"
)

// ParseMode parses a mode name, defaulting to ModeHuman.
func ParseMode(s string) Mode {
	switch s {
	case string(ModeAssisted), "ai":
		return ModeAssisted
	default:
		return ModeHuman
	}
}
