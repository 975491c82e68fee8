package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/strangerchat/internal/domain"
	"github.com/ashureev/strangerchat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Directory using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time interface check.
var _ Directory = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed directory.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets scans proceed while a claim is being written.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS waiting_entries (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id TEXT NOT NULL UNIQUE,
		slot INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_waiting_created ON waiting_entries(created_at, row_id);
	CREATE INDEX IF NOT EXISTS idx_waiting_slot ON waiting_entries(slot, created_at, row_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Insert adds a waiting entry.
func (s *SQLiteStore) Insert(ctx context.Context, entry domain.Entry) (int64, error) {
	if entry.ParticipantID == "" {
		return 0, fmt.Errorf("insert entry: %w: empty participant id", ErrStructural)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var rowID int64
	err := withBusyRetry(ctx, "insert entry", func() error {
		result, err := s.db.ExecContext(ctx,
			`INSERT INTO waiting_entries (participant_id, slot, created_at) VALUES (?, ?, ?)`,
			entry.ParticipantID, entry.Slot, createdAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		rowID, err = result.LastInsertId()
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("insert entry for %s: %w", entry.ParticipantID, ErrDuplicateEntry)
		}
		return 0, classify("insert entry", err)
	}
	return rowID, nil
}

// Scan returns live entries, oldest first.
func (s *SQLiteStore) Scan(ctx context.Context, opts ScanOptions) ([]domain.Entry, error) {
	query := `SELECT row_id, participant_id, slot, created_at FROM waiting_entries WHERE participant_id != ?`
	args := []interface{}{opts.ExcludeParticipant}
	if opts.Slot != 0 {
		query += ` AND slot = ?`
		args = append(args, opts.Slot)
	}
	query += ` ORDER BY created_at ASC, row_id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("scan entries", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close scan rows", "error", closeErr)
		}
	}()

	var entries []domain.Entry
	for rows.Next() {
		var entry domain.Entry
		var createdAt int64
		if err := rows.Scan(&entry.RowID, &entry.ParticipantID, &entry.Slot, &createdAt); err != nil {
			return nil, classify("scan entry row", err)
		}
		entry.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate entries", err)
	}
	return entries, nil
}

// ConditionalDelete removes a row by identity and reports how many rows went away.
func (s *SQLiteStore) ConditionalDelete(ctx context.Context, rowID int64) (int64, error) {
	var affected int64
	err := withBusyRetry(ctx, "claim entry", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM waiting_entries WHERE row_id = ?`, rowID)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, classify("claim entry", err)
	}
	if affected == 0 {
		slog.Debug("ConditionalDelete affected 0 rows", "row_id", rowID)
	}
	return affected, nil
}

// DeleteByParticipant removes any entry owned by the participant.
func (s *SQLiteStore) DeleteByParticipant(ctx context.Context, participantID string) error {
	err := withBusyRetry(ctx, "delete participant entry", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM waiting_entries WHERE participant_id = ?`, participantID)
		return err
	})
	if err != nil {
		return classify("delete participant entry", err)
	}
	return nil
}

// SweepStale removes entries created before now-olderThan. Participants that
// crashed while waiting leave such rows behind.
func (s *SQLiteStore) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).UnixMilli()
	var deleted int64
	err := withBusyRetry(ctx, "sweep stale entries", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM waiting_entries WHERE created_at < ?`, threshold)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, classify("sweep stale entries", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withBusyRetry retries fn with exponential backoff while SQLite reports
// SQLITE_BUSY or a locked database.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("Directory write hit SQLITE_BUSY, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// classify wraps err with ErrStructural or ErrTransient.
func classify(op string, err error) error {
	if shared.IsSQLiteStructuralError(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStructural, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
