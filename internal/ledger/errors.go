package ledger

import "errors"

// Domain errors returned by ledger operations. Callers classify with
// errors.Is: the first three are expected outcomes surfaced to users as
// information, never retried blindly; ErrNotFound and anything else is
// transient or a defect.
var (
	// ErrInvalidTransition is returned when an operation would move a round
	// backwards or skip a state, e.g. starting a round that is not OPEN.
	ErrInvalidTransition = errors.New("invalid round status transition")

	// ErrRoundNotActive is returned when a bid is placed on a round that is
	// not accepting bids.
	ErrRoundNotActive = errors.New("round is not active")

	// ErrBidTooLow is returned when a bid is below the round's minimum.
	ErrBidTooLow = errors.New("bid amount is below the round minimum")

	// ErrNoActiveBids signals that a round completed with zero active bids.
	// The round still lands in COMPLETED with a null winner; this is
	// informational, not a failure.
	ErrNoActiveBids = errors.New("round closed with no active bids")

	// ErrNoEligibleMembers is returned when a draw is created for a group
	// with no members to pick a winner from.
	ErrNoEligibleMembers = errors.New("no eligible members for draw")

	// ErrNotFound is returned when the requested round, draw or member does
	// not exist.
	ErrNotFound = errors.New("record not found")
)
