package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewParticipantID(t *testing.T) {
	a := NewParticipantID()
	b := NewParticipantID()
	if a == b {
		t.Fatal("Expected distinct participant ids")
	}
	if !strings.HasPrefix(a, "p-") {
		t.Errorf("Expected p- prefix, got %q", a)
	}
	if !IsValidParticipantID(a) {
		t.Errorf("IsValidParticipantID(%q) = false", a)
	}
}

func TestIsValidParticipantID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"p-6fa459ea-ee8a-3ca4-894e-db77e160355e", true},
		{"6fa459ea-ee8a-3ca4-894e-db77e160355e", false},
		{"p-not-a-uuid", false},
		{"p-", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValidParticipantID(tt.id); got != tt.want {
			t.Errorf("IsValidParticipantID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestMiddleware_IssuesCookieAndKeysByIP(t *testing.T) {
	var gotUser, gotKey string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotKey = ClientKeyFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if !isValidAnonID(gotUser) {
		t.Errorf("Expected generated anon id, got %q", gotUser)
	}
	if gotKey != "ip:203.0.113.7" {
		t.Errorf("Expected ip client key for first visit, got %q", gotKey)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName {
		t.Fatalf("Expected anon cookie, got %+v", cookies)
	}
}

func TestMiddleware_ReturningClient(t *testing.T) {
	const id = "anon_0123456789abcdef0123456789abcdef"
	var gotKey string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotKey = ClientKeyFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotKey != "anon:"+id {
		t.Errorf("Expected cookie client key, got %q", gotKey)
	}
}
