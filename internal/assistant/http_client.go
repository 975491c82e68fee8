package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/strangerchat/internal/domain"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []domain.Turn `json:"messages"`
}

// HTTPClient streams replies from a server's /api/chat endpoint. It keeps
// the server's anonymous identity cookie so rate limiting follows the
// participant.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	jar, _ := cookiejar.New(nil)
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Jar: jar},
	}
}

// Stream posts the conversation and yields the reply as it arrives.
func (c *HTTPClient) Stream(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(ChatRequest{Messages: turns})
		if err != nil {
			yield("", fmt.Errorf("encode chat request: %w", err))
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("build chat request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			yield("", fmt.Errorf("chat request failed: %w", err))
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			var apiErr struct {
				Error string `json:"error"`
			}
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
				apiErr.Error = strings.TrimSpace(string(data))
			}
			yield("", fmt.Errorf("chat request: %s: %s", resp.Status, apiErr.Error))
			return
		}

		buf := make([]byte, 1024)
		var pending []byte
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
				var text string
				text, pending = splitValidUTF8(pending)
				if text != "" && !yield(text, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				if len(pending) > 0 {
					yield(string(pending), nil)
				}
				return
			}
			if err != nil {
				yield("", fmt.Errorf("read chat stream: %w", err))
				return
			}
		}
	}
}

// splitValidUTF8 returns the longest prefix of b that does not end inside a
// multi-byte rune, and the remaining bytes.
func splitValidUTF8(b []byte) (string, []byte) {
	end := len(b)
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if !utf8.FullRune(b[start:]) {
			end = start
		}
		break
	}
	rest := append([]byte(nil), b[end:]...)
	return string(b[:end]), rest
}
