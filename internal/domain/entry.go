// Package domain contains core domain types for the strangerchat application.
package domain

import (
	"time"
)

// Entry is a Directory row announcing that a participant is waiting to be paired.
type Entry struct {
	RowID         int64     `json:"row_id"`
	ParticipantID string    `json:"participant_id"`
	Slot          int       `json:"slot"`
	CreatedAt     time.Time `json:"created_at"`
}

// QueueSlot is the slot used by entries that are not bound to a hunt slot.
const QueueSlot = 0

// Age returns how long the entry has been waiting relative to now.
func (e *Entry) Age(now time.Time) time.Duration {
	if e.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(e.CreatedAt)
}
