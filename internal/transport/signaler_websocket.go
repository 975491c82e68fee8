package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// signalReadLimit bounds one signaling frame. Vanilla ICE SDPs carry
	// every candidate inline and can be a few kilobytes.
	signalReadLimit = 256 << 10
	// signalPingInterval keeps idle hub sockets alive through proxies.
	signalPingInterval = 20 * time.Second
)

// Compile-time interface check.
var _ Signaler = (*WebSocketSignaler)(nil)

// WebSocketSignaler attaches to the rendezvous server's signaling hub over a
// websocket.
type WebSocketSignaler struct {
	serverURL string
	logger    *slog.Logger
}

// NewWebSocketSignaler creates a signaler for the hub served by serverURL
// (http, https, ws or wss scheme).
func NewWebSocketSignaler(serverURL string, logger *slog.Logger) *WebSocketSignaler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketSignaler{serverURL: strings.TrimRight(serverURL, "/"), logger: logger}
}

// SignalURL returns the hub websocket URL for localID.
func SignalURL(serverURL, localID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/signal"
	u.RawQuery = url.Values{"participant_id": {localID}}.Encode()
	return u.String(), nil
}

// Attach dials the hub and registers localID.
func (s *WebSocketSignaler) Attach(ctx context.Context, localID string) (SignalSession, error) {
	target, err := SignalURL(s.serverURL, localID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial signaling hub: %w", err)
	}
	conn.SetReadLimit(signalReadLimit)

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &wsSignalSession{
		id:      localID,
		conn:    conn,
		logger:  s.logger.With("participant_id", localID),
		signals: make(chan Signal, 16),
		ctx:     sessCtx,
		cancel:  cancel,
	}
	sess.wg.Add(2)
	go sess.readLoop()
	go sess.keepalive()
	return sess, nil
}

type wsSignalSession struct {
	id      string
	conn    *websocket.Conn
	logger  *slog.Logger
	signals chan Signal

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *wsSignalSession) Send(ctx context.Context, sig Signal) error {
	sig.From = s.id
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode %s signal: %w", sig.Type, err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if s.ctx.Err() != nil {
			return fmt.Errorf("send %s signal: %w", sig.Type, ErrClosed)
		}
		return fmt.Errorf("send %s signal: %w", sig.Type, err)
	}
	return nil
}

func (s *wsSignalSession) Signals() <-chan Signal { return s.signals }

func (s *wsSignalSession) readLoop() {
	defer s.wg.Done()
	defer close(s.signals)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || s.ctx.Err() != nil {
				s.logger.Debug("Signaling socket closed")
			} else {
				s.logger.Warn("Signaling socket read error", "error", err)
			}
			return
		}

		var sig Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			s.logger.Debug("Ignoring malformed signal", "error", err)
			continue
		}

		select {
		case s.signals <- sig:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *wsSignalSession) keepalive() {
	defer s.wg.Done()
	ticker := time.NewTicker(signalPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.logger.Warn("Signaling keepalive failed", "error", err)
				_ = s.conn.Close(websocket.StatusGoingAway, "keepalive failed")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *wsSignalSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "participant left")
	})
	s.wg.Wait()
	return nil
}
