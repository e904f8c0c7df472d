package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chitpool/backend/internal/models"
)

// fakeRepo is an in-memory LedgerRepository that mirrors the conditional
// transition semantics of the Postgres implementation: every status or
// revealed change happens under one lock and only from the expected prior
// state, so racing callers collapse into a single effective transition.
type fakeRepo struct {
	mu      sync.Mutex
	rounds  map[uuid.UUID]*models.Round
	draws   map[uuid.UUID]*models.Draw
	bids    map[uuid.UUID][]models.Bid
	members map[uuid.UUID][]models.Member

	closeEvents  int
	revealEvents int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rounds:  make(map[uuid.UUID]*models.Round),
		draws:   make(map[uuid.UUID]*models.Draw),
		bids:    make(map[uuid.UUID][]models.Bid),
		members: make(map[uuid.UUID][]models.Member),
	}
}

func (f *fakeRepo) addMember(groupID uuid.UUID, name string) models.Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := models.Member{ID: uuid.New(), GroupID: groupID, DisplayName: name, JoinedAt: time.Now()}
	f.members[groupID] = append(f.members[groupID], m)
	return m
}

func (f *fakeRepo) CreateRound(_ context.Context, req CreateRoundRequest) (*models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := 1
	for _, r := range f.rounds {
		if r.GroupID == req.GroupID && r.RoundNumber >= next {
			next = r.RoundNumber + 1
		}
	}
	now := time.Now()
	round := &models.Round{
		ID:          uuid.New(),
		GroupID:     req.GroupID,
		RoundNumber: next,
		Status:      models.RoundStatusOpen,
		EndTime:     req.Deadline,
		MinimumBid:  req.MinimumBid,
		PrizeAmount: req.PrizeAmount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.rounds[round.ID] = round
	out := *round
	return &out, nil
}

func (f *fakeRepo) StartRound(_ context.Context, id uuid.UUID) (*models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	round, ok := f.rounds[id]
	if !ok {
		return nil, ErrNotFound
	}
	if round.Status != models.RoundStatusOpen {
		return nil, ErrInvalidTransition
	}
	now := time.Now()
	round.Status = models.RoundStatusActive
	round.StartTime = &now
	round.UpdatedAt = now
	out := *round
	return &out, nil
}

func (f *fakeRepo) PlaceBid(_ context.Context, req PlaceBidRequest) (*models.Bid, *models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	round, ok := f.rounds[req.RoundID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if round.Status != models.RoundStatusActive {
		return nil, nil, ErrRoundNotActive
	}
	if req.Amount < round.MinimumBid {
		return nil, nil, ErrBidTooLow
	}

	var name string
	for _, m := range f.members[round.GroupID] {
		if m.ID == req.MemberID {
			name = m.DisplayName
		}
	}
	if name == "" {
		return nil, nil, ErrNotFound
	}

	bids := f.bids[req.RoundID]
	for i := range bids {
		if bids[i].MemberID == req.MemberID && bids[i].IsActive {
			bids[i].IsActive = false
		}
	}
	b := models.Bid{
		ID:         uuid.New(),
		RoundID:    req.RoundID,
		MemberID:   req.MemberID,
		MemberName: name,
		BidAmount:  req.Amount,
		BidTime:    time.Now(),
		IsActive:   true,
	}
	f.bids[req.RoundID] = append(bids, b)

	var lowest *int64
	total := 0
	for _, cur := range f.bids[req.RoundID] {
		if !cur.IsActive {
			continue
		}
		total++
		amount := cur.BidAmount
		if lowest == nil || amount < *lowest {
			lowest = &amount
		}
	}
	round.CurrentLowestBid = lowest
	round.TotalBids = total
	round.UpdatedAt = time.Now()

	outRound := *round
	return &b, &outRound, nil
}

func (f *fakeRepo) CloseRound(_ context.Context, id uuid.UUID) (*models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	round, ok := f.rounds[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch round.Status {
	case models.RoundStatusCompleted:
		out := *round
		return &out, nil
	case models.RoundStatusOpen:
		return nil, ErrInvalidTransition
	}

	if winner := ResolveWinner(f.bids[id]); winner != nil {
		round.WinnerID = &winner.MemberID
		round.WinnerName = &winner.MemberName
		round.WinningBid = &winner.BidAmount
	}
	round.Status = models.RoundStatusCompleted
	round.UpdatedAt = time.Now()
	f.closeEvents++

	out := *round
	return &out, nil
}

func (f *fakeRepo) CloseRoundManual(_ context.Context, id uuid.UUID) (*models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	round, ok := f.rounds[id]
	if !ok {
		return nil, ErrNotFound
	}
	if round.Status != models.RoundStatusActive {
		return nil, ErrInvalidTransition
	}
	round.Status = models.RoundStatusClosed
	round.UpdatedAt = time.Now()
	out := *round
	return &out, nil
}

func (f *fakeRepo) CreateDraw(_ context.Context, req CreateDrawRequest, winner models.Member) (*models.Draw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	draw := &models.Draw{
		ID:              uuid.New(),
		GroupID:         req.GroupID,
		StartTimestamp:  now,
		DurationSeconds: req.DurationSeconds,
		WinnerID:        winner.ID,
		WinnerName:      winner.DisplayName,
		PrizeAmount:     req.PrizeAmount,
		CreatedAt:       now,
	}
	f.draws[draw.ID] = draw
	out := *draw
	return &out, nil
}

func (f *fakeRepo) FinalizeDraw(_ context.Context, id uuid.UUID) (*models.Draw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	draw, ok := f.draws[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !draw.Revealed {
		now := time.Now()
		draw.Revealed = true
		draw.RevealedAt = &now
		f.revealEvents++
	}
	out := *draw
	return &out, nil
}

func (f *fakeRepo) GetRound(_ context.Context, id uuid.UUID) (*models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	round, ok := f.rounds[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *round
	return &out, nil
}

func (f *fakeRepo) GetLatestRoundByGroup(_ context.Context, groupID uuid.UUID) (*models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Round
	for _, r := range f.rounds {
		if r.GroupID != groupID {
			continue
		}
		if latest == nil || r.RoundNumber > latest.RoundNumber {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (f *fakeRepo) GetDraw(_ context.Context, id uuid.UUID) (*models.Draw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	draw, ok := f.draws[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *draw
	return &out, nil
}

func (f *fakeRepo) GetLatestDrawByGroup(_ context.Context, groupID uuid.UUID) (*models.Draw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Draw
	for _, d := range f.draws {
		if d.GroupID != groupID {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (f *fakeRepo) ListActiveBids(_ context.Context, roundID uuid.UUID) ([]models.Bid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Bid
	for _, b := range f.bids[roundID] {
		if b.IsActive {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListMembers(_ context.Context, groupID uuid.UUID) ([]models.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Member(nil), f.members[groupID]...), nil
}

func (f *fakeRepo) FetchNextDeadline(_ context.Context) (*NextDeadline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var min *time.Time
	for _, r := range f.rounds {
		unsettled := r.Status == models.RoundStatusActive || r.Status == models.RoundStatusClosed
		if unsettled && r.EndTime != nil {
			if min == nil || r.EndTime.Before(*min) {
				min = r.EndTime
			}
		}
	}
	for _, d := range f.draws {
		if !d.Revealed {
			deadline := d.Deadline()
			if min == nil || deadline.Before(*min) {
				min = &deadline
			}
		}
	}
	return &NextDeadline{Deadline: min}, nil
}

func (f *fakeRepo) FetchRoundsDueForClose(_ context.Context, limit int32) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	now := time.Now()
	for _, r := range f.rounds {
		unsettled := r.Status == models.RoundStatusActive || r.Status == models.RoundStatusClosed
		if unsettled && r.EndTime != nil && !r.EndTime.After(now) {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

func (f *fakeRepo) FetchDrawsDueForReveal(_ context.Context, limit int32) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	now := time.Now()
	for _, d := range f.draws {
		if !d.Revealed && !d.Deadline().After(now) {
			out = append(out, d.ID)
		}
	}
	return out, nil
}

func activeRound(t *testing.T, app *App, repo *fakeRepo, groupID uuid.UUID, minimum int64) *models.Round {
	t.Helper()
	deadline := time.Now().Add(time.Hour)
	round, err := app.CreateRound(context.Background(), CreateRoundRequest{
		GroupID:     groupID,
		Deadline:    &deadline,
		MinimumBid:  minimum,
		PrizeAmount: 10000,
	})
	require.NoError(t, err)
	round, err = app.StartRound(context.Background(), round.ID)
	require.NoError(t, err)
	return round
}

func TestCreateRoundValidation(t *testing.T) {
	app := NewApp(newFakeRepo())
	ctx := context.Background()

	_, err := app.CreateRound(ctx, CreateRoundRequest{MinimumBid: 100, PrizeAmount: 1000})
	assert.Error(t, err, "missing group id")

	_, err = app.CreateRound(ctx, CreateRoundRequest{GroupID: uuid.New(), MinimumBid: 0, PrizeAmount: 1000})
	assert.Error(t, err, "non-positive minimum bid")

	past := time.Now().Add(-time.Minute)
	_, err = app.CreateRound(ctx, CreateRoundRequest{
		GroupID: uuid.New(), Deadline: &past, MinimumBid: 100, PrizeAmount: 1000,
	})
	assert.Error(t, err, "deadline in the past")
}

func TestRoundNumbersIncrementPerGroup(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)
	ctx := context.Background()
	groupID := uuid.New()

	for want := 1; want <= 3; want++ {
		round, err := app.CreateRound(ctx, CreateRoundRequest{
			GroupID: groupID, MinimumBid: 100, PrizeAmount: 1000,
		})
		require.NoError(t, err)
		assert.Equal(t, want, round.RoundNumber)
	}

	other, err := app.CreateRound(ctx, CreateRoundRequest{
		GroupID: uuid.New(), MinimumBid: 100, PrizeAmount: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, other.RoundNumber)
}

func TestStartRoundOnlyFromOpen(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)
	round := activeRound(t, app, repo, uuid.New(), 100)

	_, err := app.StartRound(context.Background(), round.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPlaceBidSupersedes(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)
	ctx := context.Background()
	groupID := uuid.New()
	alice := repo.addMember(groupID, "alice")
	round := activeRound(t, app, repo, groupID, 100)

	_, updated, err := app.PlaceBid(ctx, PlaceBidRequest{RoundID: round.ID, MemberID: alice.ID, Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TotalBids)
	require.NotNil(t, updated.CurrentLowestBid)
	assert.Equal(t, int64(500), *updated.CurrentLowestBid)

	// A second bid by the same member replaces the first instead of
	// accumulating.
	_, updated, err = app.PlaceBid(ctx, PlaceBidRequest{RoundID: round.ID, MemberID: alice.ID, Amount: 400})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TotalBids)
	assert.Equal(t, int64(400), *updated.CurrentLowestBid)

	bids, err := app.ListActiveBids(ctx, round.ID)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, int64(400), bids[0].BidAmount)
}

func TestPlaceBidRejections(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)
	ctx := context.Background()
	groupID := uuid.New()
	alice := repo.addMember(groupID, "alice")
	round := activeRound(t, app, repo, groupID, 100)

	_, _, err := app.PlaceBid(ctx, PlaceBidRequest{RoundID: round.ID, MemberID: alice.ID, Amount: 50})
	assert.ErrorIs(t, err, ErrBidTooLow)

	_, _, err = app.PlaceBid(ctx, PlaceBidRequest{RoundID: round.ID, MemberID: alice.ID, Amount: -5})
	assert.ErrorIs(t, err, ErrBidTooLow)

	_, err = app.CloseRound(ctx, round.ID)
	require.NoError(t, err)
	_, _, err = app.PlaceBid(ctx, PlaceBidRequest{RoundID: round.ID, MemberID: alice.ID, Amount: 500})
	assert.ErrorIs(t, err, ErrRoundNotActive)
}

func TestCloseRoundSettlesWinner(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)
	ctx := context.Background()
	groupID := uuid.New()
	alice := repo.addMember(groupID, "alice")
	bob := repo.addMember(groupID, "bob")
	round := activeRound(t, app, repo, groupID, 100)

	_, _, err := app.PlaceBid(ctx, PlaceBidRequest{RoundID: round.ID, MemberID: alice.ID, Amount: 500})
	require.NoError(t, err)
	_, _, err = app.PlaceBid(ctx, PlaceBidRequest{RoundID: round.ID, MemberID: bob.ID, Amount: 300})
	require.NoError(t, err)

	closed, err := app.CloseRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, closed.Status)
	require.NotNil(t, closed.WinnerID)
	assert.Equal(t, bob.ID, *closed.WinnerID)
	assert.Equal(t, int64(300), *closed.WinningBid)
}

func TestCloseRoundWithNoBidsCompletesWithoutWinner(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)
	round := activeRound(t, app, repo, uuid.New(), 100)

	closed, err := app.CloseRound(context.Background(), round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, closed.Status)
	assert.Nil(t, closed.WinnerID)
	assert.Nil(t, closed.WinningBid)
}

func TestCloseRoundIsIdempotentUnderConcurrency(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)
	ctx := context.Background()
	groupID := uuid.New()
	alice := repo.addMember(groupID, "alice")
	round := activeRound(t, app, repo, groupID, 100)
	_, _, err := app.PlaceBid(ctx, PlaceBidRequest{RoundID: round.ID, MemberID: alice.ID, Amount: 500})
	require.NoError(t, err)

	const callers = 20
	results := make(chan *models.Round, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := app.CloseRound(ctx, round.ID)
			assert.NoError(t, err)
			results <- got
		}()
	}
	wg.Wait()
	close(results)

	// Every caller observes the same settled round, and the settlement
	// happened exactly once.
	for got := range results {
		assert.Equal(t, models.RoundStatusCompleted, got.Status)
		require.NotNil(t, got.WinnerID)
		assert.Equal(t, alice.ID, *got.WinnerID)
	}
	assert.Equal(t, 1, repo.closeEvents)
}

func TestManuallyLockedRoundStaysVisibleToAutoClose(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)
	ctx := context.Background()
	groupID := uuid.New()
	alice := repo.addMember(groupID, "alice")
	round := activeRound(t, app, repo, groupID, 100)
	_, _, err := app.PlaceBid(ctx, PlaceBidRequest{RoundID: round.ID, MemberID: alice.ID, Amount: 500})
	require.NoError(t, err)

	locked, err := app.CloseRoundManual(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusClosed, locked.Status)

	past := time.Now().Add(-time.Minute)
	repo.mu.Lock()
	repo.rounds[round.ID].EndTime = &past
	repo.mu.Unlock()

	// A locked round still owes a winner, so the deadline feeds keep
	// reporting it until the automatic close settles it.
	next, err := app.FetchNextDeadline(ctx)
	require.NoError(t, err)
	require.NotNil(t, next.Deadline)

	due, err := app.FetchRoundsDueForClose(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, due, round.ID)

	settled, err := app.CloseRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusCompleted, settled.Status)
	require.NotNil(t, settled.WinnerID)
	assert.Equal(t, alice.ID, *settled.WinnerID)
}

func TestCreateDrawRequiresMembers(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)

	_, err := app.CreateDraw(context.Background(), CreateDrawRequest{
		GroupID: uuid.New(), DurationSeconds: 60, PrizeAmount: 1000,
	})
	assert.ErrorIs(t, err, ErrNoEligibleMembers)
}

func TestCreateDrawStoresWinnerUnrevealed(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)
	groupID := uuid.New()
	alice := repo.addMember(groupID, "alice")

	draw, err := app.CreateDraw(context.Background(), CreateDrawRequest{
		GroupID: groupID, DurationSeconds: 60, PrizeAmount: 1000,
	})
	require.NoError(t, err)
	assert.False(t, draw.Revealed)
	assert.Equal(t, alice.ID, draw.WinnerID)
	assert.Nil(t, draw.RevealedAt)
}

func TestFinalizeDrawIsIdempotentUnderConcurrency(t *testing.T) {
	repo := newFakeRepo()
	app := NewApp(repo)
	ctx := context.Background()
	groupID := uuid.New()
	alice := repo.addMember(groupID, "alice")

	draw, err := app.CreateDraw(ctx, CreateDrawRequest{
		GroupID: groupID, DurationSeconds: 1, PrizeAmount: 1000,
	})
	require.NoError(t, err)

	const callers = 20
	var wg sync.WaitGroup
	winners := make(chan uuid.UUID, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := app.FinalizeDraw(ctx, draw.ID)
			assert.NoError(t, err)
			assert.True(t, got.Revealed)
			winners <- got.WinnerID
		}()
	}
	wg.Wait()
	close(winners)

	// The reveal is a visibility transition, never a re-roll: every caller
	// sees the winner chosen at creation, and it transitioned exactly once.
	for id := range winners {
		assert.Equal(t, alice.ID, id)
	}
	assert.Equal(t, 1, repo.revealEvents)
}
