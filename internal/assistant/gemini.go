package assistant

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/ashureev/strangerchat/internal/domain"
	"google.golang.org/genai"
)

// GeminiConfig configures GeminiGenerator.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// GeminiGenerator generates replies with the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	cfg    GeminiConfig
	logger *slog.Logger
}

// Compile-time interface check.
var _ Generator = (*GeminiGenerator)(nil)

// NewGeminiGenerator creates a Gemini client.
func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiGenerator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	logger.Info("Gemini assistant ready", "model", cfg.Model)
	return &GeminiGenerator{client: client, cfg: cfg, logger: logger}, nil
}

// Generate streams the model's reply.
func (g *GeminiGenerator) Generate(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := g.client.Models.GenerateContentStream(ctx, g.cfg.Model, contentsFromTurns(turns), g.generateConfig())
		for resp, err := range stream {
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

func (g *GeminiGenerator) generateConfig() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(Persona, genai.RoleUser),
		Temperature:       genai.Ptr(float32(g.cfg.Temperature)),
	}
	if g.cfg.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(min(g.cfg.MaxTokens, 8192)) //nolint:gosec // bounded above
	}
	return cfg
}

func contentsFromTurns(turns []domain.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == domain.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}
	return contents
}
