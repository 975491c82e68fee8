// stranger is the terminal chat client: it pairs with a random stranger
// through a strangerchat server and chats peer-to-peer over WebRTC.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ashureev/strangerchat/internal/assistant"
	"github.com/ashureev/strangerchat/internal/chatui"
	"github.com/ashureev/strangerchat/internal/config"
	"github.com/ashureev/strangerchat/internal/domain"
	"github.com/ashureev/strangerchat/internal/matchmaker"
	"github.com/ashureev/strangerchat/internal/session"
	"github.com/ashureev/strangerchat/internal/store"
	"github.com/ashureev/strangerchat/internal/transport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// serverSettings is the subset of GET /api/config the client honors.
type serverSettings struct {
	AssistantEnabled bool   `json:"assistant_enabled"`
	Strategy         string `json:"strategy"`
	Slots            int    `json:"slots"`
}

func run() error {
	_ = godotenv.Load()

	var serverURL, modeName, strategy, iceServers, logFile, joinCode string
	var slots int
	var invite bool

	flagSet := pflag.NewFlagSet("stranger", pflag.ContinueOnError)
	flagSet.StringVar(&serverURL, "server", config.Env("STRANGERCHAT_SERVER", "http://localhost:8080"), "rendezvous server URL")
	flagSet.StringVar(&modeName, "mode", "human", "chat mode: human or assisted")
	flagSet.StringVar(&strategy, "strategy", "", "override the server's matchmaking strategy (queue or slots)")
	flagSet.IntVar(&slots, "slots", 0, "override the server's slot count for the slots strategy")
	flagSet.StringVar(&iceServers, "ice", config.Env("ICE_SERVERS", ""), "comma-separated STUN/TURN URLs (turn:user:pass@host:port)")
	flagSet.StringVar(&logFile, "log-file", config.Env("STRANGERCHAT_LOG_FILE", ""), "write JSON log records to this file")
	flagSet.BoolVar(&invite, "invite", false, "chat with a friend: print a code they can --join")
	flagSet.StringVar(&joinCode, "join", "", "chat with the friend who shared this invite code")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	if invite && joinCode != "" {
		return fmt.Errorf("--invite and --join are mutually exclusive")
	}

	logger, closeLog, err := newLogger(logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	mm, err := config.LoadMatchmaking()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	settings, err := fetchServerSettings(ctx, serverURL)
	cancel()
	if err != nil {
		return fmt.Errorf("cannot reach %s: %w", serverURL, err)
	}
	// Every participant must agree on the strategy, so the server's wins
	// unless overridden explicitly.
	if settings.Strategy != "" {
		mm.Strategy = settings.Strategy
	}
	if settings.Slots > 0 {
		mm.Slots = settings.Slots
	}
	if strategy != "" {
		mm.Strategy = strings.ToLower(strategy)
	}
	if slots > 0 {
		mm.Slots = slots
	}
	if err := mm.Validate(); err != nil {
		return err
	}

	iceConfig := transport.DefaultICEConfig()
	if iceServers != "" {
		iceConfig = transport.ParseICEServers(iceServers)
	}

	dir := store.NewHTTPDirectory(serverURL, nil)
	defer func() { _ = dir.Close() }()
	tr := transport.NewWebRTCTransport(transport.NewWebSocketSignaler(serverURL, logger), iceConfig, logger)

	var pairer session.Pairer
	var inviteCode string
	switch {
	case invite:
		host := matchmaker.NewInviteHost(tr, logger)
		pairer, inviteCode = host, host.Code()
	case joinCode != "":
		guest, err := matchmaker.NewInviteGuest(tr, strings.TrimSpace(joinCode), logger)
		if err != nil {
			return err
		}
		pairer, inviteCode = guest, guest.Code()
	default:
		pairer = matchmaker.New(dir, tr, mm, logger)
	}

	var opts []session.Option
	if settings.AssistantEnabled && inviteCode == "" {
		opts = append(opts, session.WithStreamer(assistant.NewHTTPClient(serverURL)))
	}
	sess := session.New(pairer, logger, opts...)
	defer sess.Exit()

	logger.Info("Starting client", "server", serverURL, "strategy", mm.Strategy, "assisted", settings.AssistantEnabled, "invite", inviteCode != "")

	model := chatui.New(sess, domain.ParseMode(modeName), settings.AssistantEnabled)
	if inviteCode != "" {
		model = chatui.New(sess, domain.ModeHuman, false).WithInvite(inviteCode, invite)
	}
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err = program.Run()
	return err
}

// newLogger logs to path, or nowhere, so records never corrupt the TUI.
func newLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { _ = f.Close() }, nil
}

func fetchServerSettings(ctx context.Context, serverURL string) (serverSettings, error) {
	var settings serverSettings
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/api/config", nil)
	if err != nil {
		return settings, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return settings, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return settings, fmt.Errorf("GET /api/config: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		return settings, fmt.Errorf("decode server config: %w", err)
	}
	return settings, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `stranger: anonymous chat with a random stranger.

Pairs with another participant through a strangerchat server and chats
peer-to-peer. With --mode assisted, chats with a generated stranger when the
server has an assistant configured. With --invite, waits for a friend who
runs stranger --join with the printed code.

Usage:
  stranger [flags]

Flags:
%s`, flagSet.FlagUsages())
}
