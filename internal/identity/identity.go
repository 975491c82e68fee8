// Package identity provides anonymous identity primitives: fresh participant
// identities for matchmaking and a per-device cookie identity for the HTTP
// API.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	AnonCookieName   = "strangerchat_anon_id"
	anonCookieMaxAge = 30 * 24 * time.Hour

	participantPrefix = "p-"
)

type contextKey int

const (
	userIDKey contextKey = iota
	clientKeyKey
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// NewParticipantID returns a fresh participant identity. A new one is drawn
// for every matchmaking attempt and never reused across sessions.
func NewParticipantID() string {
	return participantPrefix + uuid.NewString()
}

// IsValidParticipantID reports whether id looks like an identity produced by
// NewParticipantID.
func IsValidParticipantID(id string) bool {
	rest, ok := strings.CutPrefix(id, participantPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil && len(rest) == 36
}

// UserIDFromContext extracts the anonymous device ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// ClientKeyFromContext returns the key used to attribute requests to one
// client: the device ID when the client presented its cookie, otherwise its
// IP address. Clients that drop cookies therefore cannot mint a fresh key
// per request.
func ClientKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientKeyKey).(string); ok {
		return v
	}
	return ""
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// getOrCreateAnonID returns the device ID and whether the client presented it.
func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, bool, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, true, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", false, err
	}
	setAnonCookie(w, id, isDev)
	return id, false, nil
}

// Middleware injects an anonymous per-device identity.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, presented, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			clientKey := "ip:" + IPFromRequest(r)
			if presented {
				clientKey = "anon:" + userID
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, clientKeyKey, clientKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
