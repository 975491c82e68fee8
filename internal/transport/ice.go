package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) used during
	// candidate gathering. An empty list gathers host candidates only,
	// which is enough on one machine or one LAN.
	Servers []webrtc.ICEServer
}

// defaultSTUNServers are public STUN servers that let most home and mobile
// NATs discover a reflexive address.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// DefaultICEConfig returns the public STUN server list.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{Servers: []webrtc.ICEServer{{URLs: append([]string(nil), defaultSTUNServers...)}}}
}

// ParseICEServers builds an ICEConfig from a comma separated list of
// stun:/turn: URLs. TURN entries may carry credentials as
// "turn:user:pass@host:port".
func ParseICEServers(list string) ICEConfig {
	var cfg ICEConfig
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		server := webrtc.ICEServer{URLs: []string{raw}}
		if scheme, rest, ok := strings.Cut(raw, ":"); ok && (scheme == "turn" || scheme == "turns") {
			if creds, host, ok := strings.Cut(rest, "@"); ok {
				if user, pass, ok := strings.Cut(creds, ":"); ok {
					server.URLs = []string{scheme + ":" + host}
					server.Username = user
					server.Credential = pass
				}
			}
		}
		cfg.Servers = append(cfg.Servers, server)
	}
	return cfg
}
