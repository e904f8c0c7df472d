package ledger

import (
	"time"

	"github.com/google/uuid"
)

// CreateRoundRequest represents a request to create a new bidding round.
type CreateRoundRequest struct {
	GroupID     uuid.UUID  `json:"group_id"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	MinimumBid  int64      `json:"minimum_bid"`
	PrizeAmount int64      `json:"prize_amount"`
}

// PlaceBidRequest represents a request to place or supersede a bid.
type PlaceBidRequest struct {
	RoundID  uuid.UUID `json:"round_id"`
	MemberID uuid.UUID `json:"member_id"`
	Amount   int64     `json:"amount"`
}

// CreateDrawRequest represents a request to create a lucky draw. The start
// timestamp is always stamped by the ledger, never supplied by the caller.
type CreateDrawRequest struct {
	GroupID         uuid.UUID `json:"group_id"`
	DurationSeconds int       `json:"duration_seconds"`
	PrizeAmount     int64     `json:"prize_amount"`
}

// NextDeadline is the earliest pending deadline across active rounds and
// unrevealed draws, consumed by the auto-close scheduler.
type NextDeadline struct {
	Deadline *time.Time `json:"deadline"`
}
