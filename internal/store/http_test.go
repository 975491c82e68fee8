package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/strangerchat/internal/domain"
)

func TestHTTPDirectory_RoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/directory/entries", func(w http.ResponseWriter, r *http.Request) {
		var req insertRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ParticipantID != "p-a" || req.Slot != 4 {
			t.Errorf("Unexpected insert request: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(insertResponse{RowID: 42, CreatedAt: time.Now()})
	})
	mux.HandleFunc("GET /api/directory/entries", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("exclude"); got != "p-me" {
			t.Errorf("exclude = %q, want p-me", got)
		}
		_ = json.NewEncoder(w).Encode(scanResponse{Entries: []domain.Entry{{RowID: 42, ParticipantID: "p-a", Slot: 4}}})
	})
	mux.HandleFunc("DELETE /api/directory/entries/{rowID}", func(w http.ResponseWriter, r *http.Request) {
		deleted := int64(0)
		if r.PathValue("rowID") == "42" {
			deleted = 1
		}
		_ = json.NewEncoder(w).Encode(claimResponse{Deleted: deleted})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewHTTPDirectory(srv.URL, srv.Client())
	ctx := context.Background()

	rowID, err := d.Insert(ctx, domain.Entry{ParticipantID: "p-a", Slot: 4})
	if err != nil || rowID != 42 {
		t.Fatalf("Insert = %d, %v", rowID, err)
	}

	entries, err := d.Scan(ctx, ScanOptions{ExcludeParticipant: "p-me"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("Scan = %+v, %v", entries, err)
	}

	if n, err := d.ConditionalDelete(ctx, 42); err != nil || n != 1 {
		t.Errorf("ConditionalDelete(42) = %d, %v", n, err)
	}
	if n, err := d.ConditionalDelete(ctx, 7); err != nil || n != 0 {
		t.Errorf("ConditionalDelete(7) = %d, %v", n, err)
	}
}

func TestHTTPDirectory_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"conflict", http.StatusConflict, `{"error":"exists","code":"duplicate"}`, ErrDuplicateEntry},
		{"server error", http.StatusServiceUnavailable, `{"error":"busy"}`, ErrTransient},
		{"rate limited", http.StatusTooManyRequests, `slow down`, ErrTransient},
		{"explicit structural", http.StatusInternalServerError, `{"error":"no table","code":"structural"}`, ErrStructural},
		{"forbidden", http.StatusForbidden, `{"error":"denied"}`, ErrStructural},
		{"missing route", http.StatusNotFound, `404 page not found`, ErrStructural},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d := NewHTTPDirectory(srv.URL, srv.Client())
			_, err := d.Scan(context.Background(), ScanOptions{})
			if !errors.Is(err, tt.want) {
				t.Errorf("Scan error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTPDirectory_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := NewHTTPDirectory(url, nil)
	err := d.Ping(context.Background())
	if !errors.Is(err, ErrTransient) {
		t.Errorf("Expected transient error for unreachable server, got %v", err)
	}
}

func TestHTTPDirectory_DeleteOfMissingRowIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	d := NewHTTPDirectory(srv.URL, srv.Client())
	ctx := context.Background()

	n, err := d.ConditionalDelete(ctx, 7)
	if err != nil || n != 0 {
		t.Errorf("ConditionalDelete on 404 = %d, %v, want 0, nil", n, err)
	}
	if err := d.DeleteByParticipant(ctx, "p-gone"); err != nil {
		t.Errorf("DeleteByParticipant on 404 = %v, want nil", err)
	}
	if _, err := d.Insert(ctx, domain.Entry{ParticipantID: "p-a"}); !errors.Is(err, ErrStructural) {
		t.Errorf("Insert on 404 = %v, want ErrStructural", err)
	}
}
