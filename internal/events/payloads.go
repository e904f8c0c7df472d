package events

import (
	"time"
)

// Event payload types shared between the ledger, outbox and gateway packages.

// RoundStartedPayload is the payload for a RoundStarted event.
type RoundStartedPayload struct {
	RoundID     string     `json:"round_id"`
	GroupID     string     `json:"group_id"`
	RoundNumber int        `json:"round_number"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	MinimumBid  int64      `json:"minimum_bid"`
	PrizeAmount int64      `json:"prize_amount"`
}

// BidPlacedPayload is the payload for a BidPlaced event. It carries the
// round's refreshed denormalizations so projections never have to derive them.
type BidPlacedPayload struct {
	BidID            string    `json:"bid_id"`
	RoundID          string    `json:"round_id"`
	MemberID         string    `json:"member_id"`
	MemberName       string    `json:"member_name"`
	BidAmount        int64     `json:"bid_amount"`
	BidTime          time.Time `json:"bid_time"`
	CurrentLowestBid int64     `json:"current_lowest_bid"`
	TotalBids        int       `json:"total_bids"`
}

// RoundClosedPayload is the payload for a RoundClosed event. A nil WinnerID
// means the round completed with no active bids; that outcome is explicit,
// not an error.
type RoundClosedPayload struct {
	RoundID    string    `json:"round_id"`
	GroupID    string    `json:"group_id"`
	Status     string    `json:"status"`
	ClosedAt   time.Time `json:"closed_at"`
	WinnerID   *string   `json:"winner_id,omitempty"`
	WinnerName *string   `json:"winner_name,omitempty"`
	WinningBid *int64    `json:"winning_bid,omitempty"`
}

// DrawCreatedPayload is the payload for a DrawCreated event. The winner is
// already settled at this point but is deliberately omitted: clients learn it
// only from DrawRevealed or the revealed ledger row.
type DrawCreatedPayload struct {
	DrawID          string    `json:"draw_id"`
	GroupID         string    `json:"group_id"`
	StartTimestamp  time.Time `json:"start_timestamp"`
	DurationSeconds int       `json:"duration_seconds"`
	PrizeAmount     int64     `json:"prize_amount"`
}

// DrawRevealedPayload is the payload for a DrawRevealed event.
type DrawRevealedPayload struct {
	DrawID      string    `json:"draw_id"`
	GroupID     string    `json:"group_id"`
	WinnerID    string    `json:"winner_id"`
	WinnerName  string    `json:"winner_name"`
	PrizeAmount int64     `json:"prize_amount"`
	RevealedAt  time.Time `json:"revealed_at"`
}
