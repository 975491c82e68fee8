// Package store provides the rendezvous Directory and its implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/strangerchat/internal/domain"
)

var (
	// ErrStructural marks failures that retrying cannot fix: the directory
	// is misconfigured, its schema is wrong or access is denied.
	ErrStructural = errors.New("directory structural failure")

	// ErrTransient marks failures worth retrying after a short delay.
	ErrTransient = errors.New("directory temporarily unavailable")

	// ErrDuplicateEntry is returned by Insert when the participant already
	// has a live entry.
	ErrDuplicateEntry = errors.New("participant already has a waiting entry")
)

// ScanOptions narrows a Directory scan.
type ScanOptions struct {
	// ExcludeParticipant skips entries owned by this participant.
	ExcludeParticipant string
	// Slot restricts the scan to one hunt slot. Zero matches every slot.
	Slot int
	// Limit caps the number of returned entries.
	Limit int
}

// Directory is the shared rendezvous store. Its only mutual-exclusion
// primitive is ConditionalDelete; nothing else is assumed to be atomic
// across participants.
type Directory interface {
	// Insert adds a waiting entry and returns the row identity assigned to it.
	Insert(ctx context.Context, entry domain.Entry) (int64, error)

	// Scan returns live entries ordered by creation time, oldest first.
	Scan(ctx context.Context, opts ScanOptions) ([]domain.Entry, error)

	// ConditionalDelete removes the row with the given identity and returns
	// the number of rows removed. Exactly one of several concurrent callers
	// for the same row observes 1.
	ConditionalDelete(ctx context.Context, rowID int64) (int64, error)

	// DeleteByParticipant removes any entry owned by the participant.
	// Deleting a missing entry is not an error.
	DeleteByParticipant(ctx context.Context, participantID string) error

	// Ping verifies the directory is reachable.
	Ping(ctx context.Context) error

	// Close releases the directory's resources.
	Close() error
}

// IsStructural reports whether err should stop matchmaking for good.
func IsStructural(err error) bool {
	return errors.Is(err, ErrStructural)
}
