//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/strangerchat/internal/assistant"
	"github.com/ashureev/strangerchat/internal/config"
	"github.com/ashureev/strangerchat/internal/identity"
	"github.com/ashureev/strangerchat/internal/store"
	"github.com/go-chi/chi/v5"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{
			RequestsPerWindow: 100,
			WindowDuration:    time.Minute,
		},
		Matchmaking: config.DefaultMatchmaking(),
	}
}

// newTestServer wires the routes the way cmd/server does.
func newTestServer(t *testing.T, cfg *config.Config, dir store.Directory, gen assistant.Generator) *httptest.Server {
	t.Helper()
	base := NewHandler(dir, cfg, discardLogger)
	chat := NewChatHandler(base, gen)
	t.Cleanup(chat.Close)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	base.RegisterRoutes(r)
	NewDirectoryHandler(base).RegisterRoutes(r)
	chat.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestErrorCode(t *testing.T) {
	w := httptest.NewRecorder()
	ErrorCode(w, http.StatusConflict, "taken", store.CodeDuplicate)

	var got map[string]string
	if err := json.NewDecoder(w.Result().Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["error"] != "taken" || got["code"] != store.CodeDuplicate {
		t.Errorf("Unexpected body %v", got)
	}
}

func TestHealth(t *testing.T) {
	dir := store.NewMemory()
	srv := newTestServer(t, testConfig(), dir, nil)

	client := store.NewHTTPDirectory(srv.URL, nil)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error = %v", err)
	}

	_ = dir.Close()
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 from a closed directory, got %d", resp.StatusCode)
	}
}

func TestGetConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Assistant.Backend = config.AssistantGemini
	cfg.Matchmaking.Strategy = config.StrategySlots
	srv := newTestServer(t, cfg, store.NewMemory(), nil)

	resp, err := http.Get(srv.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got struct {
		AssistantEnabled bool   `json:"assistant_enabled"`
		Strategy         string `json:"strategy"`
		Slots            int    `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprint(true, config.StrategySlots, cfg.Matchmaking.Slots)
	if fmt.Sprint(got.AssistantEnabled, got.Strategy, got.Slots) != want {
		t.Errorf("config = %+v", got)
	}
}
