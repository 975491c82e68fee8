package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/strangerchat/internal/domain"
)

// Error codes carried in directory API error bodies.
const (
	CodeStructural = "structural"
	CodeTransient  = "transient"
	CodeDuplicate  = "duplicate"
)

// errNotFound marks a 404. Deletes read it as "already gone"; anywhere else
// it means the client and server disagree about the API.
var errNotFound = errors.New("not found")

// HTTPDirectory is a Directory backed by the rendezvous server's directory API.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

// Compile-time interface check.
var _ Directory = (*HTTPDirectory)(nil)

// NewHTTPDirectory creates a client for the directory API rooted at baseURL
// (for example "https://chat.example.com").
func NewHTTPDirectory(baseURL string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type insertRequest struct {
	ParticipantID string `json:"participant_id"`
	Slot          int    `json:"slot"`
}

type insertResponse struct {
	RowID     int64     `json:"row_id"`
	CreatedAt time.Time `json:"created_at"`
}

type scanResponse struct {
	Entries []domain.Entry `json:"entries"`
}

type claimResponse struct {
	Deleted int64 `json:"deleted"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Insert adds a waiting entry.
func (d *HTTPDirectory) Insert(ctx context.Context, entry domain.Entry) (int64, error) {
	body, err := json.Marshal(insertRequest{ParticipantID: entry.ParticipantID, Slot: entry.Slot})
	if err != nil {
		return 0, fmt.Errorf("encode insert request: %w", err)
	}
	var resp insertResponse
	if err := d.do(ctx, http.MethodPost, "/api/directory/entries", bytes.NewReader(body), &resp); err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	return resp.RowID, nil
}

// Scan returns live entries, oldest first.
func (d *HTTPDirectory) Scan(ctx context.Context, opts ScanOptions) ([]domain.Entry, error) {
	q := url.Values{}
	if opts.ExcludeParticipant != "" {
		q.Set("exclude", opts.ExcludeParticipant)
	}
	if opts.Slot != 0 {
		q.Set("slot", strconv.Itoa(opts.Slot))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/directory/entries"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp scanResponse
	if err := d.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	return resp.Entries, nil
}

// ConditionalDelete removes a row by identity.
func (d *HTTPDirectory) ConditionalDelete(ctx context.Context, rowID int64) (int64, error) {
	var resp claimResponse
	path := "/api/directory/entries/" + strconv.FormatInt(rowID, 10)
	if err := d.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("claim entry %d: %w", rowID, err)
	}
	return resp.Deleted, nil
}

// DeleteByParticipant removes any entry owned by the participant.
func (d *HTTPDirectory) DeleteByParticipant(ctx context.Context, participantID string) error {
	path := "/api/directory/participants/" + url.PathEscape(participantID)
	if err := d.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		if errors.Is(err, errNotFound) {
			return nil
		}
		return fmt.Errorf("delete participant entry: %w", err)
	}
	return nil
}

// Ping checks the server's health endpoint.
func (d *HTTPDirectory) Ping(ctx context.Context) error {
	if err := d.do(ctx, http.MethodGet, "/api/health", nil, nil); err != nil {
		return fmt.Errorf("ping directory: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (d *HTTPDirectory) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *HTTPDirectory) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrStructural, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Unreachable right now; the caller bounds how long it keeps trying.
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %w", ErrStructural, err)
		}
		return nil
	}

	return statusError(resp)
}

func statusError(resp *http.Response) error {
	var apiErr errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error == "" {
		apiErr.Error = strings.TrimSpace(string(data))
	}
	detail := errors.New(resp.Status + ": " + apiErr.Error)

	switch {
	case apiErr.Code == CodeDuplicate || resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %w", ErrDuplicateEntry, detail)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w: %w", ErrStructural, errNotFound, detail)
	case apiErr.Code == CodeStructural:
		return fmt.Errorf("%w: %w", ErrStructural, detail)
	case apiErr.Code == CodeTransient,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("%w: %w", ErrTransient, detail)
	default:
		// Any other 4xx means the client and server disagree about the API.
		return fmt.Errorf("%w: %w", ErrStructural, detail)
	}
}
