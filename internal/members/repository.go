package members

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chitpool/backend/internal/models"
)

// ErrNotFound is returned when the requested member does not exist.
var ErrNotFound = errors.New("member not found")

// Repository implements member data access over the shared pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const memberColumns = ` id, group_id, display_name, joined_at`

func scanMember(row pgx.Row) (*models.Member, error) {
	var m models.Member
	if err := row.Scan(&m.ID, &m.GroupID, &m.DisplayName, &m.JoinedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// CreateMember enrolls a member into a group.
func (r *Repository) CreateMember(ctx context.Context, req CreateMemberRequest) (*models.Member, error) {
	member, err := scanMember(r.pool.QueryRow(ctx, `
		INSERT INTO members (id, group_id, display_name)
		VALUES ($1, $2, $3)
		RETURNING`+memberColumns,
		uuid.New(), req.GroupID, req.DisplayName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create member: %w", err)
	}
	return member, nil
}

// GetMember retrieves a member by ID.
func (r *Repository) GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	return scanMember(r.pool.QueryRow(ctx,
		`SELECT`+memberColumns+` FROM members WHERE id = $1`, id))
}

// ListMembers returns a group's members in join order.
func (r *Repository) ListMembers(ctx context.Context, groupID uuid.UUID) ([]models.Member, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT`+memberColumns+` FROM members WHERE group_id = $1 ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var out []models.Member
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.ID, &m.GroupID, &m.DisplayName, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RenameMember updates a member's display name.
func (r *Repository) RenameMember(ctx context.Context, id uuid.UUID, req RenameMemberRequest) (*models.Member, error) {
	member, err := scanMember(r.pool.QueryRow(ctx, `
		UPDATE members SET display_name = $2 WHERE id = $1
		RETURNING`+memberColumns,
		id, req.DisplayName,
	))
	if err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember deletes a member. Members referenced by bids or draws cannot
// be removed; the FK violation surfaces as an error.
func (r *Repository) RemoveMember(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
