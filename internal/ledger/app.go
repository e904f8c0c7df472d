package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chitpool/backend/internal/models"
)

// LedgerRepository defines what the app layer needs from the persistence
// layer. The Postgres implementation guarantees that every status/revealed
// transition is a conditional update; the app layer owns input validation and
// draw winner selection.
type LedgerRepository interface {
	CreateRound(ctx context.Context, req CreateRoundRequest) (*models.Round, error)
	StartRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	PlaceBid(ctx context.Context, req PlaceBidRequest) (*models.Bid, *models.Round, error)
	CloseRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	CloseRoundManual(ctx context.Context, id uuid.UUID) (*models.Round, error)
	CreateDraw(ctx context.Context, req CreateDrawRequest, winner models.Member) (*models.Draw, error)
	FinalizeDraw(ctx context.Context, id uuid.UUID) (*models.Draw, error)

	GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	GetLatestRoundByGroup(ctx context.Context, groupID uuid.UUID) (*models.Round, error)
	GetDraw(ctx context.Context, id uuid.UUID) (*models.Draw, error)
	GetLatestDrawByGroup(ctx context.Context, groupID uuid.UUID) (*models.Draw, error)
	ListActiveBids(ctx context.Context, roundID uuid.UUID) ([]models.Bid, error)
	ListMembers(ctx context.Context, groupID uuid.UUID) ([]models.Member, error)

	FetchNextDeadline(ctx context.Context) (*NextDeadline, error)
	FetchRoundsDueForClose(ctx context.Context, limit int32) ([]uuid.UUID, error)
	FetchDrawsDueForReveal(ctx context.Context, limit int32) ([]uuid.UUID, error)
}

// App handles ledger business logic.
type App struct {
	repo LedgerRepository
}

func NewApp(repo LedgerRepository) *App {
	return &App{repo: repo}
}

// CreateRound creates a new round in status OPEN.
func (a *App) CreateRound(ctx context.Context, req CreateRoundRequest) (*models.Round, error) {
	if req.GroupID == uuid.Nil {
		return nil, fmt.Errorf("group_id is required")
	}
	if req.MinimumBid <= 0 {
		return nil, fmt.Errorf("minimum_bid must be positive")
	}
	if req.PrizeAmount <= 0 {
		return nil, fmt.Errorf("prize_amount must be positive")
	}
	if req.Deadline != nil && req.Deadline.Before(time.Now()) {
		return nil, fmt.Errorf("deadline must be in the future")
	}

	round, err := a.repo.CreateRound(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}

	log.Info().
		Str("round_id", round.ID.String()).
		Str("group_id", round.GroupID.String()).
		Int("round_number", round.RoundNumber).
		Msg("round created")
	return round, nil
}

// StartRound transitions a round OPEN -> ACTIVE.
func (a *App) StartRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	round, err := a.repo.StartRound(ctx, id)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("round_id", round.ID.String()).
		Time("start_time", *round.StartTime).
		Msg("round started")
	return round, nil
}

// PlaceBid places or supersedes a member's bid on an active round.
func (a *App) PlaceBid(ctx context.Context, req PlaceBidRequest) (*models.Bid, *models.Round, error) {
	if req.Amount <= 0 {
		return nil, nil, fmt.Errorf("bid amount must be positive: %w", ErrBidTooLow)
	}

	bid, round, err := a.repo.PlaceBid(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("round_id", req.RoundID.String()).
		Str("member_id", req.MemberID.String()).
		Int64("amount", bid.BidAmount).
		Int("total_bids", round.TotalBids).
		Msg("bid placed")
	return bid, round, nil
}

// CloseRound settles a round idempotently; see Repository.CloseRound. A nil
// WinnerID on the returned round means it completed with no active bids.
func (a *App) CloseRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	round, err := a.repo.CloseRound(ctx, id)
	if err != nil {
		return nil, err
	}

	evt := log.Info().
		Str("round_id", round.ID.String()).
		Str("status", string(round.Status))
	if round.WinnerID != nil {
		evt = evt.Str("winner_id", round.WinnerID.String()).Int64("winning_bid", *round.WinningBid)
	} else {
		evt = evt.Bool("no_winner", true)
	}
	evt.Msg("round closed")
	return round, nil
}

// CloseRoundManual lands the intermediate CLOSED status for admin flows.
func (a *App) CloseRoundManual(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	return a.repo.CloseRoundManual(ctx, id)
}

// CreateDraw creates an unrevealed draw, picking the winner uniformly at
// random among the group's members right now. The reveal later is only a
// visibility event.
func (a *App) CreateDraw(ctx context.Context, req CreateDrawRequest) (*models.Draw, error) {
	if req.GroupID == uuid.Nil {
		return nil, fmt.Errorf("group_id is required")
	}
	if req.DurationSeconds <= 0 {
		return nil, fmt.Errorf("duration_seconds must be positive")
	}
	if req.PrizeAmount <= 0 {
		return nil, fmt.Errorf("prize_amount must be positive")
	}

	members, err := a.repo.ListMembers(ctx, req.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	winner, err := PickDrawWinner(members)
	if err != nil {
		return nil, err
	}

	draw, err := a.repo.CreateDraw(ctx, req, *winner)
	if err != nil {
		return nil, fmt.Errorf("failed to create draw: %w", err)
	}

	log.Info().
		Str("draw_id", draw.ID.String()).
		Str("group_id", draw.GroupID.String()).
		Int("duration_sec", draw.DurationSeconds).
		Msg("draw created")
	return draw, nil
}

// FinalizeDraw reveals a draw idempotently; see Repository.FinalizeDraw.
func (a *App) FinalizeDraw(ctx context.Context, id uuid.UUID) (*models.Draw, error) {
	draw, err := a.repo.FinalizeDraw(ctx, id)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("draw_id", draw.ID.String()).
		Str("winner_name", draw.WinnerName).
		Msg("draw revealed")
	return draw, nil
}

func (a *App) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	return a.repo.GetRound(ctx, id)
}

func (a *App) GetLatestRoundByGroup(ctx context.Context, groupID uuid.UUID) (*models.Round, error) {
	return a.repo.GetLatestRoundByGroup(ctx, groupID)
}

func (a *App) GetDraw(ctx context.Context, id uuid.UUID) (*models.Draw, error) {
	return a.repo.GetDraw(ctx, id)
}

func (a *App) GetLatestDrawByGroup(ctx context.Context, groupID uuid.UUID) (*models.Draw, error) {
	return a.repo.GetLatestDrawByGroup(ctx, groupID)
}

func (a *App) ListActiveBids(ctx context.Context, roundID uuid.UUID) ([]models.Bid, error) {
	return a.repo.ListActiveBids(ctx, roundID)
}

func (a *App) FetchNextDeadline(ctx context.Context) (*NextDeadline, error) {
	return a.repo.FetchNextDeadline(ctx)
}

func (a *App) FetchRoundsDueForClose(ctx context.Context, limit int32) ([]uuid.UUID, error) {
	return a.repo.FetchRoundsDueForClose(ctx, limit)
}

func (a *App) FetchDrawsDueForReveal(ctx context.Context, limit int32) ([]uuid.UUID, error) {
	return a.repo.FetchDrawsDueForReveal(ctx, limit)
}
