// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy names accepted by MATCHMAKING_STRATEGY.
const (
	StrategyQueue = "queue"
	StrategySlots = "slots"
)

// Assistant backends accepted by ASSISTANT_BACKEND.
const (
	AssistantDisabled = ""
	AssistantGemini   = "gemini"
	AssistantGrpc     = "grpc"
)

// Config holds all server configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	LogLevel       slog.Level
	EntryTTL       time.Duration
	SweepInterval  time.Duration
	RateLimit      RateLimitConfig
	Assistant      AssistantConfig
	Matchmaking    Matchmaking
	MaxRequestBody int64
	TrustProxy     bool
}

// RateLimitConfig controls the per-identity limiter on the chat proxy.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// AssistantConfig selects and configures the generated-stranger backend.
type AssistantConfig struct {
	Backend      string
	GeminiAPIKey string
	GeminiModel  string
	GrpcAddr     string
	GrpcListen   string
	Temperature  float64
	MaxTokens    int
}

// Matchmaking holds the pairing tuning parameters. None of them is protocol
// semantics; all have working defaults.
type Matchmaking struct {
	Strategy             string
	Slots                int
	HuntTimeout          time.Duration
	HostDuration         time.Duration
	ClaimGrace           time.Duration
	SwitchProbability    float64
	ClaimRetryDelay      time.Duration
	ClaimRetryJitter     time.Duration
	DirectoryRetryDelay  time.Duration
	DirectoryRetryLimit  int
	MaxTransportFailures int
	ScanLimit            int
	CleanupTimeout       time.Duration
}

// DefaultMatchmaking returns the tuning used when nothing is configured.
func DefaultMatchmaking() Matchmaking {
	return Matchmaking{
		Strategy:             StrategyQueue,
		Slots:                15,
		HuntTimeout:          1500 * time.Millisecond,
		HostDuration:         10 * time.Second,
		ClaimGrace:           3 * time.Second,
		SwitchProbability:    0.5,
		DirectoryRetryDelay:  500 * time.Millisecond,
		DirectoryRetryLimit:  10,
		MaxTransportFailures: 20,
		ScanLimit:            5,
		CleanupTimeout:       3 * time.Second,
	}
}

// Load reads server configuration from environment variables.
func Load() (*Config, error) {
	mm, err := LoadMatchmaking()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/directory.db"),
		LogLevel:      getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		EntryTTL:      getEnvDuration("DIRECTORY_ENTRY_TTL", 2*time.Minute),
		SweepInterval: getEnvDuration("DIRECTORY_SWEEP_INTERVAL", 30*time.Second),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("CHAT_RATE_LIMIT", 30),
			WindowDuration:    getEnvDuration("CHAT_RATE_WINDOW", time.Minute),
		},
		Assistant:      LoadAssistant(),
		Matchmaking:    mm,
		MaxRequestBody: int64(getEnvInt("MAX_REQUEST_BODY", 64<<10)),
		TrustProxy:     getEnvBool("TRUST_PROXY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadMatchmaking builds the matchmaking tuning from defaults, the optional
// YAML file named by MATCHMAKING_CONFIG, and MATCHMAKING_* environment
// variables, in that order of precedence (later wins).
func LoadMatchmaking() (Matchmaking, error) {
	mm := DefaultMatchmaking()

	if path := getEnv("MATCHMAKING_CONFIG", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return mm, fmt.Errorf("read matchmaking config: %w", err)
		}
		if err := mm.UnmarshalYAMLBytes(data); err != nil {
			return mm, err
		}
	}

	mm.Strategy = strings.ToLower(getEnv("MATCHMAKING_STRATEGY", mm.Strategy))
	mm.Slots = getEnvInt("MATCHMAKING_SLOTS", mm.Slots)
	mm.HuntTimeout = getEnvDuration("MATCHMAKING_HUNT_TIMEOUT", mm.HuntTimeout)
	mm.HostDuration = getEnvDuration("MATCHMAKING_HOST_DURATION", mm.HostDuration)
	mm.ClaimGrace = getEnvDuration("MATCHMAKING_CLAIM_GRACE", mm.ClaimGrace)
	mm.SwitchProbability = getEnvFloat("MATCHMAKING_SWITCH_PROBABILITY", mm.SwitchProbability)
	mm.ClaimRetryDelay = getEnvDuration("MATCHMAKING_CLAIM_RETRY_DELAY", mm.ClaimRetryDelay)
	mm.ClaimRetryJitter = getEnvDuration("MATCHMAKING_CLAIM_RETRY_JITTER", mm.ClaimRetryJitter)
	mm.DirectoryRetryDelay = getEnvDuration("MATCHMAKING_DIRECTORY_RETRY_DELAY", mm.DirectoryRetryDelay)
	mm.DirectoryRetryLimit = getEnvInt("MATCHMAKING_DIRECTORY_RETRY_LIMIT", mm.DirectoryRetryLimit)
	mm.MaxTransportFailures = getEnvInt("MATCHMAKING_MAX_TRANSPORT_FAILURES", mm.MaxTransportFailures)
	mm.ScanLimit = getEnvInt("MATCHMAKING_SCAN_LIMIT", mm.ScanLimit)
	mm.CleanupTimeout = getEnvDuration("MATCHMAKING_CLEANUP_TIMEOUT", mm.CleanupTimeout)

	if err := mm.Validate(); err != nil {
		return mm, fmt.Errorf("invalid matchmaking configuration: %w", err)
	}
	return mm, nil
}

// UnmarshalYAMLBytes overlays the YAML document onto m. Durations use Go
// syntax ("1500ms", "10s").
func (m *Matchmaking) UnmarshalYAMLBytes(data []byte) error {
	var raw struct {
		Strategy             *string  `yaml:"strategy"`
		Slots                *int     `yaml:"slots"`
		HuntTimeout          *string  `yaml:"hunt_timeout"`
		HostDuration         *string  `yaml:"host_duration"`
		ClaimGrace           *string  `yaml:"claim_grace"`
		SwitchProbability    *float64 `yaml:"switch_probability"`
		ClaimRetryDelay      *string  `yaml:"claim_retry_delay"`
		ClaimRetryJitter     *string  `yaml:"claim_retry_jitter"`
		DirectoryRetryDelay  *string  `yaml:"directory_retry_delay"`
		DirectoryRetryLimit  *int     `yaml:"directory_retry_limit"`
		MaxTransportFailures *int     `yaml:"max_transport_failures"`
		ScanLimit            *int     `yaml:"scan_limit"`
		CleanupTimeout       *string  `yaml:"cleanup_timeout"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse matchmaking config: %w", err)
	}

	if raw.Strategy != nil {
		m.Strategy = strings.ToLower(*raw.Strategy)
	}
	if raw.Slots != nil {
		m.Slots = *raw.Slots
	}
	if raw.SwitchProbability != nil {
		m.SwitchProbability = *raw.SwitchProbability
	}
	if raw.DirectoryRetryLimit != nil {
		m.DirectoryRetryLimit = *raw.DirectoryRetryLimit
	}
	if raw.MaxTransportFailures != nil {
		m.MaxTransportFailures = *raw.MaxTransportFailures
	}
	if raw.ScanLimit != nil {
		m.ScanLimit = *raw.ScanLimit
	}

	durations := []struct {
		name  string
		value *string
		dst   *time.Duration
	}{
		{"hunt_timeout", raw.HuntTimeout, &m.HuntTimeout},
		{"host_duration", raw.HostDuration, &m.HostDuration},
		{"claim_grace", raw.ClaimGrace, &m.ClaimGrace},
		{"claim_retry_delay", raw.ClaimRetryDelay, &m.ClaimRetryDelay},
		{"claim_retry_jitter", raw.ClaimRetryJitter, &m.ClaimRetryJitter},
		{"directory_retry_delay", raw.DirectoryRetryDelay, &m.DirectoryRetryDelay},
		{"cleanup_timeout", raw.CleanupTimeout, &m.CleanupTimeout},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("parse matchmaking config %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks that the tuning parameters are usable.
func (m Matchmaking) Validate() error {
	if m.Strategy != StrategyQueue && m.Strategy != StrategySlots {
		return fmt.Errorf("MATCHMAKING_STRATEGY must be %q or %q, got %q", StrategyQueue, StrategySlots, m.Strategy)
	}
	if m.Slots <= 0 {
		return fmt.Errorf("MATCHMAKING_SLOTS must be > 0")
	}
	if m.HuntTimeout <= 0 {
		return fmt.Errorf("MATCHMAKING_HUNT_TIMEOUT must be > 0")
	}
	if m.HostDuration <= 0 {
		return fmt.Errorf("MATCHMAKING_HOST_DURATION must be > 0")
	}
	if m.ClaimGrace < 0 {
		return fmt.Errorf("MATCHMAKING_CLAIM_GRACE cannot be negative")
	}
	if m.SwitchProbability < 0 || m.SwitchProbability > 1 {
		return fmt.Errorf("MATCHMAKING_SWITCH_PROBABILITY must be within [0, 1]")
	}
	if m.ClaimRetryDelay < 0 || m.ClaimRetryJitter < 0 || m.DirectoryRetryDelay < 0 {
		return fmt.Errorf("matchmaking retry delays cannot be negative")
	}
	if m.DirectoryRetryLimit <= 0 {
		return fmt.Errorf("MATCHMAKING_DIRECTORY_RETRY_LIMIT must be > 0")
	}
	if m.MaxTransportFailures < 0 {
		return fmt.Errorf("MATCHMAKING_MAX_TRANSPORT_FAILURES cannot be negative")
	}
	if m.ScanLimit <= 0 {
		return fmt.Errorf("MATCHMAKING_SCAN_LIMIT must be > 0")
	}
	if m.CleanupTimeout <= 0 {
		return fmt.Errorf("MATCHMAKING_CLEANUP_TIMEOUT must be > 0")
	}
	return nil
}

// LoadAssistant reads the assistant settings shared by the server and the
// assistant sidecar.
func LoadAssistant() AssistantConfig {
	return AssistantConfig{
		Backend:      strings.ToLower(getEnv("ASSISTANT_BACKEND", AssistantDisabled)),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", getEnv("API_KEY", "")),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GrpcAddr:     getEnv("ASSISTANT_GRPC_ADDR", "localhost:50051"),
		GrpcListen:   getEnv("ASSISTANT_GRPC_LISTEN", ":50051"),
		Temperature:  getEnvFloat("ASSISTANT_TEMPERATURE", 0.9),
		MaxTokens:    getEnvInt("ASSISTANT_MAX_TOKENS", 150),
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.EntryTTL <= c.Matchmaking.HostDuration {
		return fmt.Errorf("DIRECTORY_ENTRY_TTL must exceed MATCHMAKING_HOST_DURATION")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("DIRECTORY_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("CHAT_RATE_WINDOW must be > 0")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	switch c.Assistant.Backend {
	case AssistantDisabled, AssistantGrpc:
	case AssistantGemini:
		if c.Assistant.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when ASSISTANT_BACKEND=gemini")
		}
	default:
		return fmt.Errorf("unknown ASSISTANT_BACKEND %q", c.Assistant.Backend)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// Env returns the value of key or fallback when unset. Exposed for binaries
// that layer flags over environment defaults.
func Env(key, fallback string) string {
	return getEnv(key, fallback)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
