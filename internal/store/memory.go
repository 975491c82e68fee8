package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/strangerchat/internal/domain"
)

// Directory operation names used for fault injection.
const (
	OpInsert = "insert"
	OpScan   = "scan"
	OpClaim  = "claim"
	OpDelete = "delete"
)

// MemoryDirectory is an in-process Directory. Several participants in one
// process sharing a MemoryDirectory behave exactly as participants sharing a
// networked directory, which makes it the directory of choice for tests.
type MemoryDirectory struct {
	mu     sync.Mutex
	rows   map[int64]domain.Entry
	owners map[string]int64
	nextID int64
	faults map[string][]error
	closed bool
}

// Compile-time interface check.
var _ Directory = (*MemoryDirectory)(nil)

// NewMemory creates an empty in-process directory.
func NewMemory() *MemoryDirectory {
	return &MemoryDirectory{
		rows:   make(map[int64]domain.Entry),
		owners: make(map[string]int64),
		faults: make(map[string][]error),
	}
}

// FailNext queues errors returned by the next calls of op, one per call.
func (m *MemoryDirectory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// popFault must be called with m.mu held.
func (m *MemoryDirectory) popFault(op string) error {
	if m.closed {
		return fmt.Errorf("%s: %w: directory closed", op, ErrStructural)
	}
	queue := m.faults[op]
	if len(queue) == 0 {
		return nil
	}
	m.faults[op] = queue[1:]
	return queue[0]
}

// Insert adds a waiting entry.
func (m *MemoryDirectory) Insert(ctx context.Context, entry domain.Entry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFault(OpInsert); err != nil {
		return 0, err
	}
	if entry.ParticipantID == "" {
		return 0, fmt.Errorf("insert entry: %w: empty participant id", ErrStructural)
	}
	if _, exists := m.owners[entry.ParticipantID]; exists {
		return 0, fmt.Errorf("insert entry for %s: %w", entry.ParticipantID, ErrDuplicateEntry)
	}

	m.nextID++
	entry.RowID = m.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.rows[entry.RowID] = entry
	m.owners[entry.ParticipantID] = entry.RowID
	return entry.RowID, nil
}

// Scan returns live entries, oldest first.
func (m *MemoryDirectory) Scan(ctx context.Context, opts ScanOptions) ([]domain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFault(OpScan); err != nil {
		return nil, err
	}

	entries := make([]domain.Entry, 0, len(m.rows))
	for _, e := range m.rows {
		if e.ParticipantID == opts.ExcludeParticipant {
			continue
		}
		if opts.Slot != 0 && e.Slot != opts.Slot {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].RowID < entries[j].RowID
	})
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// ConditionalDelete removes a row by identity.
func (m *MemoryDirectory) ConditionalDelete(ctx context.Context, rowID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFault(OpClaim); err != nil {
		return 0, err
	}
	entry, ok := m.rows[rowID]
	if !ok {
		return 0, nil
	}
	delete(m.rows, rowID)
	delete(m.owners, entry.ParticipantID)
	return 1, nil
}

// DeleteByParticipant removes any entry owned by the participant.
func (m *MemoryDirectory) DeleteByParticipant(ctx context.Context, participantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFault(OpDelete); err != nil {
		return err
	}
	if rowID, ok := m.owners[participantID]; ok {
		delete(m.rows, rowID)
		delete(m.owners, participantID)
	}
	return nil
}

// Len returns the number of live entries.
func (m *MemoryDirectory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Has reports whether the participant currently owns an entry.
func (m *MemoryDirectory) Has(participantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.owners[participantID]
	return ok
}

// Ping always succeeds until Close.
func (m *MemoryDirectory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("ping: %w: directory closed", ErrStructural)
	}
	return nil
}

// Close marks the directory closed; later calls fail structurally.
func (m *MemoryDirectory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SweepStale removes entries created before now-olderThan.
func (m *MemoryDirectory) SweepStale(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threshold := time.Now().Add(-olderThan)
	var deleted int64
	for rowID, e := range m.rows {
		if e.CreatedAt.Before(threshold) {
			delete(m.rows, rowID)
			delete(m.owners, e.ParticipantID)
			deleted++
		}
	}
	return deleted, nil
}
