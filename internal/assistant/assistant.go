// Package assistant generates the assisted-mode stranger's replies.
//
// The server runs a Generator (Gemini or a gRPC sidecar) behind
// POST /api/chat; clients reach it through HTTPClient.
package assistant

import (
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/ashureev/strangerchat/internal/domain"
)

// ErrEmptyConversation is returned when no user or model turn remains after
// normalization.
var ErrEmptyConversation = errors.New("conversation has no turns")

// Generator streams a reply to a conversation, chunk by chunk.
type Generator interface {
	Generate(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error]
}

// Persona is the system instruction that makes the model behave like a
// random stranger.
const Persona = `You are a random stranger on an anonymous chat platform.
Pick a random persona (age, gender, location, interests) and stick to it implicitly.
Do not announce your persona at the start. Reveal it naturally only if asked.
Keep your responses short, informal and conversational.
Use lowercase often, maybe occasional slang or typos to feel human.
Do not be overly helpful or robotic. Be casual.
If the user says "ASL", give your persona's age, sex and location.
Never reveal you are an AI.`

// NormalizeRole maps the roles clients send to assistant roles. System turns
// and unknown roles are dropped.
func NormalizeRole(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "me", "self", "user":
		return domain.RoleUser, true
	case "stranger", "partner", "model", "assistant":
		return domain.RoleModel, true
	default:
		return "", false
	}
}

// NormalizeTurns applies NormalizeRole to every turn and drops empty ones.
func NormalizeTurns(turns []domain.Turn) ([]domain.Turn, error) {
	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		role, ok := NormalizeRole(t.Role)
		if !ok || strings.TrimSpace(t.Content) == "" {
			continue
		}
		out = append(out, domain.Turn{Role: role, Content: t.Content})
	}
	if len(out) == 0 {
		return nil, ErrEmptyConversation
	}
	return out, nil
}
