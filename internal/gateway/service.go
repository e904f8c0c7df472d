package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chitpool/backend/internal/countdown"
	"github.com/chitpool/backend/internal/ledger"
	"github.com/chitpool/backend/internal/members"
	"github.com/chitpool/backend/internal/reconcile"
)

// Service ties the websocket fan-out, the event consumer and the HTTP API
// together in front of the ledger and membership apps.
type Service struct {
	app        *ledger.App
	members    *members.App
	manager    *ConnectionManager
	state      *StateManager
	classifier *reconcile.Classifier
	rec        *countdown.Reconciler
	cfg        reconcile.Config
}

func NewService(app *ledger.App, membersApp *members.App, rec *countdown.Reconciler, cfg reconcile.Config) *Service {
	s := &Service{
		app:        app,
		members:    membersApp,
		state:      NewStateManager(rec),
		classifier: reconcile.NewClassifier(rec, cfg),
		rec:        rec,
		cfg:        cfg,
	}
	s.manager = NewConnectionManager(s)
	return s
}

func (s *Service) ConnectionManager() *ConnectionManager { return s.manager }
func (s *Service) StateManager() *StateManager           { return s.state }

// RequestFinalize honors a client's claim that a draw's countdown has
// elapsed. The ledger deadline stays authoritative: requests arriving more
// than the skip threshold before the deadline are refused, so a client with
// a fast clock cannot reveal early. Repeated requests for an already
// revealed draw are a no-op.
func (s *Service) RequestFinalize(ctx context.Context, drawID string) error {
	id, err := uuid.Parse(drawID)
	if err != nil {
		return fmt.Errorf("invalid draw id: %w", err)
	}

	draw, err := s.app.GetDraw(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch draw: %w", err)
	}
	if draw.Revealed {
		return nil
	}

	duration := time.Duration(draw.DurationSeconds) * time.Second
	if remaining := s.rec.Remaining(draw.StartTimestamp, duration); remaining > s.cfg.SkipThreshold {
		return fmt.Errorf("draw %s has %s remaining, refusing early reveal", drawID, remaining)
	}

	if _, err := s.app.FinalizeDraw(ctx, id); err != nil {
		return fmt.Errorf("failed to finalize draw: %w", err)
	}

	log.Debug().Str("draw_id", drawID).Msg("draw finalized on client request")
	return nil
}
