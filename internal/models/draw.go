package models

import (
	"time"

	"github.com/google/uuid"
)

// Draw represents a time-boxed lucky-draw event within a savings group.
//
// The winner is selected at creation time and stored immediately; Revealed is
// purely a visibility flag that transitions exactly once from false to true.
// The reveal must never be a second chance for the outcome to change.
type Draw struct {
	ID              uuid.UUID `json:"id"`
	GroupID         uuid.UUID `json:"group_id"`
	StartTimestamp  time.Time `json:"start_timestamp"`
	DurationSeconds int       `json:"duration_seconds"`
	Revealed        bool      `json:"revealed"`
	WinnerID        uuid.UUID `json:"winner_id"`
	WinnerName      string    `json:"winner_name"`
	PrizeAmount     int64     `json:"prize_amount"`
	CreatedAt       time.Time  `json:"created_at"`
	RevealedAt      *time.Time `json:"revealed_at,omitempty"`
}

// Deadline returns the instant the draw's countdown elapses.
func (d *Draw) Deadline() time.Time {
	return d.StartTimestamp.Add(time.Duration(d.DurationSeconds) * time.Second)
}
