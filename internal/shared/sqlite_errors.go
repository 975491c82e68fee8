// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError checks if the error is either a SQLITE_BUSY
// or "database is locked" error. Both warrant retry logic.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// structuralMarkers are fragments of SQLite errors that no retry can fix:
// missing schema, permissions, read-only or corrupt files.
var structuralMarkers = []string{
	"no such table",
	"no such column",
	"SQLITE_PERM",
	"SQLITE_AUTH",
	"SQLITE_READONLY",
	"readonly database",
	"SQLITE_CORRUPT",
	"malformed",
	"SQLITE_NOTADB",
	"file is not a database",
	"SQLITE_CANTOPEN",
	"unable to open database",
	"database is closed",
}

// IsSQLiteStructuralError reports whether err indicates a schema, permission
// or storage failure rather than a transient conflict.
func IsSQLiteStructuralError(err error) bool {
	if err == nil || IsSQLiteConflictError(err) {
		return false
	}
	msg := err.Error()
	for _, marker := range structuralMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
