package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundStatus defines the lifecycle state of a bidding round.
// Transitions are a total order: OPEN -> ACTIVE -> CLOSED -> COMPLETED.
// Automatic closure folds CLOSED and COMPLETED into a single transition;
// CLOSED on its own only occurs through the manual admin flow.
type RoundStatus string

const (
	RoundStatusOpen      RoundStatus = "OPEN"
	RoundStatusActive    RoundStatus = "ACTIVE"
	RoundStatusClosed    RoundStatus = "CLOSED"
	RoundStatusCompleted RoundStatus = "COMPLETED"
)

// Round represents a time-boxed reverse-auction round within a savings group.
// WinnerID is set if and only if Status is COMPLETED; EndTime, once set, never
// changes.
type Round struct {
	ID          uuid.UUID   `json:"id"`
	GroupID     uuid.UUID   `json:"group_id"`
	RoundNumber int         `json:"round_number"`
	Status      RoundStatus `json:"status"`
	StartTime   *time.Time  `json:"start_time,omitempty"`
	EndTime     *time.Time  `json:"end_time,omitempty"`
	MinimumBid  int64       `json:"minimum_bid"`
	PrizeAmount int64       `json:"prize_amount"`

	// Settled only on completion.
	WinnerID   *uuid.UUID `json:"winner_id,omitempty"`
	WinnerName *string    `json:"winner_name,omitempty"`
	WinningBid *int64     `json:"winning_bid,omitempty"`

	// Denormalized for display; rebuilt by the ledger on every bid.
	CurrentLowestBid *int64 `json:"current_lowest_bid,omitempty"`
	TotalBids        int    `json:"total_bids"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bid is a single bid in a round. Superseding a bid inserts a new row and
// deactivates the old one, so history is never destroyed. For a given member
// at most one bid per round has IsActive true.
type Bid struct {
	ID         uuid.UUID `json:"id"`
	RoundID    uuid.UUID `json:"round_id"`
	MemberID   uuid.UUID `json:"member_id"`
	MemberName string    `json:"member_name"`
	BidAmount  int64     `json:"bid_amount"`
	BidTime    time.Time `json:"bid_time"`
	IsActive   bool      `json:"is_active"`
}
