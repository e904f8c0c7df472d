package members

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chitpool/backend/internal/models"
)

// MembersRepository defines what the app layer needs from the repository.
type MembersRepository interface {
	CreateMember(ctx context.Context, req CreateMemberRequest) (*models.Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error)
	ListMembers(ctx context.Context, groupID uuid.UUID) ([]models.Member, error)
	RenameMember(ctx context.Context, id uuid.UUID, req RenameMemberRequest) (*models.Member, error)
	RemoveMember(ctx context.Context, id uuid.UUID) error
}

// App handles membership business logic.
type App struct {
	repo MembersRepository
}

func NewApp(repo MembersRepository) *App {
	return &App{repo: repo}
}

// CreateMember enrolls a member, rejecting duplicate display names within
// the group so bid and winner listings stay unambiguous.
func (a *App) CreateMember(ctx context.Context, req CreateMemberRequest) (*models.Member, error) {
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.GroupID == uuid.Nil {
		return nil, fmt.Errorf("group_id is required")
	}
	if req.DisplayName == "" {
		return nil, fmt.Errorf("display_name is required")
	}

	existing, err := a.repo.ListMembers(ctx, req.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	for _, m := range existing {
		if strings.EqualFold(m.DisplayName, req.DisplayName) {
			return nil, fmt.Errorf("member %q already exists in group", req.DisplayName)
		}
	}

	member, err := a.repo.CreateMember(ctx, req)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("member_id", member.ID.String()).
		Str("group_id", member.GroupID.String()).
		Str("display_name", member.DisplayName).
		Msg("member enrolled")
	return member, nil
}

func (a *App) GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	return a.repo.GetMember(ctx, id)
}

func (a *App) ListMembers(ctx context.Context, groupID uuid.UUID) ([]models.Member, error) {
	return a.repo.ListMembers(ctx, groupID)
}

// RenameMember updates a member's display name with the same uniqueness rule
// as enrollment.
func (a *App) RenameMember(ctx context.Context, id uuid.UUID, req RenameMemberRequest) (*models.Member, error) {
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		return nil, fmt.Errorf("display_name is required")
	}

	member, err := a.repo.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	existing, err := a.repo.ListMembers(ctx, member.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	for _, m := range existing {
		if m.ID != id && strings.EqualFold(m.DisplayName, req.DisplayName) {
			return nil, fmt.Errorf("member %q already exists in group", req.DisplayName)
		}
	}

	return a.repo.RenameMember(ctx, id, req)
}

func (a *App) RemoveMember(ctx context.Context, id uuid.UUID) error {
	if err := a.repo.RemoveMember(ctx, id); err != nil {
		return err
	}
	log.Info().Str("member_id", id.String()).Msg("member removed")
	return nil
}
