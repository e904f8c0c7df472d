package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chitpool/backend/internal/models"
)

func bid(member string, amount int64, at time.Time, active bool) models.Bid {
	return models.Bid{
		ID:         uuid.New(),
		RoundID:    uuid.New(),
		MemberID:   uuid.New(),
		MemberName: member,
		BidAmount:  amount,
		BidTime:    at,
		IsActive:   active,
	}
}

func TestResolveWinner(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		bids []models.Bid
		want string // winning member name, "" for no winner
	}{
		{
			name: "no bids",
			bids: nil,
			want: "",
		},
		{
			name: "only inactive bids",
			bids: []models.Bid{
				bid("alice", 300, base, false),
				bid("bob", 200, base.Add(time.Minute), false),
			},
			want: "",
		},
		{
			name: "lowest amount wins",
			bids: []models.Bid{
				bid("alice", 500, base, true),
				bid("bob", 300, base.Add(time.Minute), true),
				bid("carol", 400, base.Add(2*time.Minute), true),
			},
			want: "bob",
		},
		{
			name: "tie broken by earliest bid time",
			bids: []models.Bid{
				bid("alice", 500, base, true),
				bid("dave", 300, base.Add(3*time.Minute), true),
				bid("carol", 300, base.Add(time.Minute), true),
			},
			want: "carol",
		},
		{
			name: "superseded bids are skipped",
			bids: []models.Bid{
				bid("alice", 100, base, false),
				bid("alice", 450, base.Add(time.Minute), true),
				bid("bob", 500, base.Add(2*time.Minute), true),
			},
			want: "alice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner := ResolveWinner(tt.bids)
			if tt.want == "" {
				assert.Nil(t, winner)
				return
			}
			require.NotNil(t, winner)
			assert.Equal(t, tt.want, winner.MemberName)
		})
	}
}

func TestResolveWinnerIsDeterministic(t *testing.T) {
	base := time.Now()
	bids := []models.Bid{
		bid("alice", 300, base.Add(2*time.Second), true),
		bid("bob", 300, base.Add(time.Second), true),
		bid("carol", 700, base, true),
	}

	first := ResolveWinner(bids)
	require.NotNil(t, first)
	for i := 0; i < 50; i++ {
		got := ResolveWinner(bids)
		require.NotNil(t, got)
		assert.Equal(t, first.ID, got.ID)
	}
}

func TestPickDrawWinner(t *testing.T) {
	t.Run("empty group", func(t *testing.T) {
		_, err := PickDrawWinner(nil)
		assert.ErrorIs(t, err, ErrNoEligibleMembers)
	})

	t.Run("winner is a group member", func(t *testing.T) {
		groupID := uuid.New()
		members := []models.Member{
			{ID: uuid.New(), GroupID: groupID, DisplayName: "alice"},
			{ID: uuid.New(), GroupID: groupID, DisplayName: "bob"},
			{ID: uuid.New(), GroupID: groupID, DisplayName: "carol"},
		}
		ids := map[uuid.UUID]bool{}
		for _, m := range members {
			ids[m.ID] = true
		}

		for i := 0; i < 100; i++ {
			winner, err := PickDrawWinner(members)
			require.NoError(t, err)
			assert.True(t, ids[winner.ID])
		}
	})

	t.Run("single member always wins", func(t *testing.T) {
		only := models.Member{ID: uuid.New(), DisplayName: "alice"}
		winner, err := PickDrawWinner([]models.Member{only})
		require.NoError(t, err)
		assert.Equal(t, only.ID, winner.ID)
	})
}
