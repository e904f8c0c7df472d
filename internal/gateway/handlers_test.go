package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chitpool/backend/internal/countdown"
	"github.com/chitpool/backend/internal/ledger"
	"github.com/chitpool/backend/internal/members"
	"github.com/chitpool/backend/internal/models"
	"github.com/chitpool/backend/internal/reconcile"
)

// stubRepo serves pre-seeded rounds and draws; write operations beyond
// FinalizeDraw are not exercised by these tests.
type stubRepo struct {
	mu    sync.Mutex
	round *models.Round
	draw  *models.Draw
}

func (s *stubRepo) CreateRound(context.Context, ledger.CreateRoundRequest) (*models.Round, error) {
	return nil, ledger.ErrNotFound
}

func (s *stubRepo) StartRound(context.Context, uuid.UUID) (*models.Round, error) {
	return nil, ledger.ErrNotFound
}

func (s *stubRepo) PlaceBid(context.Context, ledger.PlaceBidRequest) (*models.Bid, *models.Round, error) {
	return nil, nil, ledger.ErrNotFound
}

func (s *stubRepo) CloseRound(context.Context, uuid.UUID) (*models.Round, error) {
	return nil, ledger.ErrNotFound
}

func (s *stubRepo) CloseRoundManual(context.Context, uuid.UUID) (*models.Round, error) {
	return nil, ledger.ErrNotFound
}

func (s *stubRepo) CreateDraw(context.Context, ledger.CreateDrawRequest, models.Member) (*models.Draw, error) {
	return nil, ledger.ErrNotFound
}

func (s *stubRepo) FinalizeDraw(_ context.Context, id uuid.UUID) (*models.Draw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draw == nil || s.draw.ID != id {
		return nil, ledger.ErrNotFound
	}
	if !s.draw.Revealed {
		now := time.Now()
		s.draw.Revealed = true
		s.draw.RevealedAt = &now
	}
	out := *s.draw
	return &out, nil
}

func (s *stubRepo) GetRound(context.Context, uuid.UUID) (*models.Round, error) {
	return nil, ledger.ErrNotFound
}

func (s *stubRepo) GetLatestRoundByGroup(_ context.Context, groupID uuid.UUID) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round == nil || s.round.GroupID != groupID {
		return nil, ledger.ErrNotFound
	}
	out := *s.round
	return &out, nil
}

func (s *stubRepo) GetDraw(_ context.Context, id uuid.UUID) (*models.Draw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draw == nil || s.draw.ID != id {
		return nil, ledger.ErrNotFound
	}
	out := *s.draw
	return &out, nil
}

func (s *stubRepo) GetLatestDrawByGroup(_ context.Context, groupID uuid.UUID) (*models.Draw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draw == nil || s.draw.GroupID != groupID {
		return nil, ledger.ErrNotFound
	}
	out := *s.draw
	return &out, nil
}

func (s *stubRepo) ListActiveBids(context.Context, uuid.UUID) ([]models.Bid, error) {
	return nil, nil
}

func (s *stubRepo) ListMembers(context.Context, uuid.UUID) ([]models.Member, error) {
	return nil, nil
}

func (s *stubRepo) FetchNextDeadline(context.Context) (*ledger.NextDeadline, error) {
	return &ledger.NextDeadline{}, nil
}

func (s *stubRepo) FetchRoundsDueForClose(context.Context, int32) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *stubRepo) FetchDrawsDueForReveal(context.Context, int32) ([]uuid.UUID, error) {
	return nil, nil
}

type stubMemberRepo struct{}

func (stubMemberRepo) CreateMember(context.Context, members.CreateMemberRequest) (*models.Member, error) {
	return nil, members.ErrNotFound
}

func (stubMemberRepo) GetMember(context.Context, uuid.UUID) (*models.Member, error) {
	return nil, members.ErrNotFound
}

func (stubMemberRepo) ListMembers(context.Context, uuid.UUID) ([]models.Member, error) {
	return nil, nil
}

func (stubMemberRepo) RenameMember(context.Context, uuid.UUID, members.RenameMemberRequest) (*models.Member, error) {
	return nil, members.ErrNotFound
}

func (stubMemberRepo) RemoveMember(context.Context, uuid.UUID) error {
	return members.ErrNotFound
}

func newTestService(repo *stubRepo) *Service {
	rec := countdown.New(clockwork.NewRealClock())
	return NewService(ledger.NewApp(repo), members.NewApp(stubMemberRepo{}), rec, reconcile.DefaultConfig())
}

func getGroupState(t *testing.T, srv *httptest.Server, groupID uuid.UUID) GroupStateResponse {
	t.Helper()
	res, err := http.Get(srv.URL + "/api/groups/" + groupID.String() + "/state")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var state GroupStateResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&state))
	return state
}

func TestGroupStateResumesMidCountdown(t *testing.T) {
	groupID := uuid.New()
	start := time.Now().Add(-30 * time.Second)
	end := start.Add(10 * time.Minute)
	repo := &stubRepo{
		round: &models.Round{
			ID:        uuid.New(),
			GroupID:   groupID,
			Status:    models.RoundStatusActive,
			StartTime: &start,
			EndTime:   &end,
			CreatedAt: start,
			UpdatedAt: start,
		},
		draw: &models.Draw{
			ID:              uuid.New(),
			GroupID:         groupID,
			StartTimestamp:  start,
			DurationSeconds: 120,
			WinnerID:        uuid.New(),
			WinnerName:      "hidden-until-reveal",
			PrizeAmount:     5000,
			CreatedAt:       start,
		},
	}

	mux := http.NewServeMux()
	newTestService(repo).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	state := getGroupState(t, srv, groupID)

	require.NotNil(t, state.RoundOutcome)
	assert.Equal(t, reconcile.OutcomeResume, *state.RoundOutcome)
	require.NotNil(t, state.DrawOutcome)
	assert.Equal(t, reconcile.OutcomeResume, *state.DrawOutcome)

	require.NotNil(t, state.Draw)
	assert.Nil(t, state.Draw.WinnerName, "winner must not leak before reveal")
	assert.InDelta(t, 90, state.Draw.RemainingSeconds, 2)
}

func TestGroupStateShowsRecentResult(t *testing.T) {
	groupID := uuid.New()
	start := time.Now().Add(-2 * time.Minute)
	revealedAt := time.Now().Add(-time.Minute)
	repo := &stubRepo{
		draw: &models.Draw{
			ID:              uuid.New(),
			GroupID:         groupID,
			StartTimestamp:  start,
			DurationSeconds: 60,
			Revealed:        true,
			WinnerID:        uuid.New(),
			WinnerName:      "carol",
			PrizeAmount:     5000,
			CreatedAt:       start,
			RevealedAt:      &revealedAt,
		},
	}

	mux := http.NewServeMux()
	newTestService(repo).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	state := getGroupState(t, srv, groupID)

	require.NotNil(t, state.DrawOutcome)
	assert.Equal(t, reconcile.OutcomeShowResult, *state.DrawOutcome)
	require.NotNil(t, state.Draw)
	require.NotNil(t, state.Draw.WinnerName)
	assert.Equal(t, "carol", *state.Draw.WinnerName)
}

func TestGroupStateDropsStaleDraw(t *testing.T) {
	groupID := uuid.New()
	start := time.Now().Add(-3 * time.Hour)
	revealedAt := start.Add(time.Minute)
	repo := &stubRepo{
		draw: &models.Draw{
			ID:              uuid.New(),
			GroupID:         groupID,
			StartTimestamp:  start,
			DurationSeconds: 60,
			Revealed:        true,
			WinnerID:        uuid.New(),
			WinnerName:      "carol",
			CreatedAt:       start,
			RevealedAt:      &revealedAt,
		},
	}

	mux := http.NewServeMux()
	newTestService(repo).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	state := getGroupState(t, srv, groupID)

	require.NotNil(t, state.DrawOutcome)
	assert.Equal(t, reconcile.OutcomeIgnore, *state.DrawOutcome)
	assert.Nil(t, state.Draw, "stale draws are not rendered")
}

func TestRequestFinalizeEnforcesDeadline(t *testing.T) {
	groupID := uuid.New()
	repo := &stubRepo{
		draw: &models.Draw{
			ID:              uuid.New(),
			GroupID:         groupID,
			StartTimestamp:  time.Now(),
			DurationSeconds: 300,
			WinnerID:        uuid.New(),
			WinnerName:      "carol",
			PrizeAmount:     5000,
			CreatedAt:       time.Now(),
		},
	}
	service := newTestService(repo)
	ctx := context.Background()

	drawID := repo.draw.ID

	// 5 minutes remain; a client clock claiming otherwise is refused.
	err := service.RequestFinalize(ctx, drawID.String())
	assert.Error(t, err)
	draw, err := repo.GetDraw(ctx, drawID)
	require.NoError(t, err)
	assert.False(t, draw.Revealed)

	// Past the deadline the request is honored.
	repo.mu.Lock()
	repo.draw.StartTimestamp = time.Now().Add(-400 * time.Second)
	repo.mu.Unlock()
	require.NoError(t, service.RequestFinalize(ctx, drawID.String()))
	draw, err = repo.GetDraw(ctx, drawID)
	require.NoError(t, err)
	assert.True(t, draw.Revealed)

	// Repeats are a no-op, not an error.
	require.NoError(t, service.RequestFinalize(ctx, drawID.String()))
}
