package ledger

import (
	"math/rand"

	"github.com/chitpool/backend/internal/models"
)

// ResolveWinner picks the winning bid from a round's active bid set: the
// numerically smallest amount wins, ties broken by earliest bid time. Returns
// nil when no active bids exist.
//
// The same ordering is enforced by the repository's SQL; this function is the
// reference implementation used on in-memory bid sets and in tests.
func ResolveWinner(bids []models.Bid) *models.Bid {
	var winner *models.Bid
	for i := range bids {
		b := &bids[i]
		if !b.IsActive {
			continue
		}
		if winner == nil {
			winner = b
			continue
		}
		if b.BidAmount < winner.BidAmount ||
			(b.BidAmount == winner.BidAmount && b.BidTime.Before(winner.BidTime)) {
			winner = b
		}
	}
	return winner
}

// PickDrawWinner selects a draw winner uniformly at random among the group's
// members. Selection happens at draw creation, not at reveal, so the outcome
// can never depend on when any client observes it.
func PickDrawWinner(members []models.Member) (*models.Member, error) {
	if len(members) == 0 {
		return nil, ErrNoEligibleMembers
	}
	return &members[rand.Intn(len(members))], nil
}
