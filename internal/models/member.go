package models

import (
	"time"

	"github.com/google/uuid"
)

// Member is a participant in a savings group. Group CRUD and membership
// management live outside this service; the ledger only reads members to
// determine draw eligibility and to denormalize display names onto bids.
type Member struct {
	ID          uuid.UUID `json:"id"`
	GroupID     uuid.UUID `json:"group_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}
