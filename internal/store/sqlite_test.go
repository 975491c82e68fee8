package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/strangerchat/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "directory.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_InsertAndScanOrder(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i, id := range []string{"p-old", "p-mid", "p-new"} {
		entry := domain.Entry{ParticipantID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if _, err := s.Insert(ctx, entry); err != nil {
			t.Fatalf("Insert(%s) error = %v", id, err)
		}
	}

	entries, err := s.Scan(ctx, ScanOptions{ExcludeParticipant: "p-mid"})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].ParticipantID != "p-old" || entries[1].ParticipantID != "p-new" {
		t.Errorf("Unexpected scan order: %s, %s", entries[0].ParticipantID, entries[1].ParticipantID)
	}

	limited, err := s.Scan(ctx, ScanOptions{Limit: 1})
	if err != nil {
		t.Fatalf("Scan(limit) error = %v", err)
	}
	if len(limited) != 1 || limited[0].ParticipantID != "p-old" {
		t.Errorf("Expected only p-old with limit 1, got %+v", limited)
	}
}

func TestSQLiteStore_ScanBySlot(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, domain.Entry{ParticipantID: "p-a", Slot: 3}); err != nil {
		t.Fatalf("Insert error = %v", err)
	}
	if _, err := s.Insert(ctx, domain.Entry{ParticipantID: "p-b", Slot: 7}); err != nil {
		t.Fatalf("Insert error = %v", err)
	}

	entries, err := s.Scan(ctx, ScanOptions{Slot: 7})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(entries) != 1 || entries[0].ParticipantID != "p-b" {
		t.Errorf("Expected only p-b in slot 7, got %+v", entries)
	}
}

func TestSQLiteStore_DuplicateInsert(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, domain.Entry{ParticipantID: "p-dup"}); err != nil {
		t.Fatalf("first Insert error = %v", err)
	}
	_, err := s.Insert(ctx, domain.Entry{ParticipantID: "p-dup"})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("Expected ErrDuplicateEntry, got %v", err)
	}
}

func TestSQLiteStore_ConditionalDeleteRace(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rowID, err := s.Insert(ctx, domain.Entry{ParticipantID: "p-host"})
	if err != nil {
		t.Fatalf("Insert error = %v", err)
	}

	const claimers = 8
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.ConditionalDelete(ctx, rowID)
			if err != nil {
				t.Errorf("ConditionalDelete error = %v", err)
				return
			}
			if n == 1 {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Errorf("Expected exactly one claimer to win, got %d", got)
	}
}

func TestSQLiteStore_DeleteByParticipant(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, domain.Entry{ParticipantID: "p-gone"}); err != nil {
		t.Fatalf("Insert error = %v", err)
	}
	if err := s.DeleteByParticipant(ctx, "p-gone"); err != nil {
		t.Fatalf("DeleteByParticipant error = %v", err)
	}
	// Deleting again is not an error.
	if err := s.DeleteByParticipant(ctx, "p-gone"); err != nil {
		t.Errorf("second DeleteByParticipant error = %v", err)
	}

	entries, err := s.Scan(ctx, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty directory, got %d entries", len(entries))
	}
}

func TestSQLiteStore_SweepStale(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, domain.Entry{ParticipantID: "p-stale", CreatedAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("Insert error = %v", err)
	}
	if _, err := s.Insert(ctx, domain.Entry{ParticipantID: "p-fresh"}); err != nil {
		t.Fatalf("Insert error = %v", err)
	}

	deleted, err := s.SweepStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("SweepStale error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 stale entry removed, got %d", deleted)
	}

	entries, _ := s.Scan(ctx, ScanOptions{})
	if len(entries) != 1 || entries[0].ParticipantID != "p-fresh" {
		t.Errorf("Expected only p-fresh to survive, got %+v", entries)
	}
}

func TestSQLiteStore_ClosedIsStructural(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "directory.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	_ = s.Close()

	_, err = s.Scan(context.Background(), ScanOptions{})
	if !IsStructural(err) {
		t.Errorf("Expected structural error after close, got %v", err)
	}
}
