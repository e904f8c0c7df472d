package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Repository is the relay-side view of the outbox table. It runs over
// database/sql (lib/pq) so the relay shares a connection strategy with the
// LISTEN/NOTIFY listener.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// FetchUnsentOutbox returns up to limit unsent events in creation order.
// SKIP LOCKED keeps concurrent relay instances from double-claiming rows.
func (r *Repository) FetchUnsentOutbox(ctx context.Context, limit int32) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, group_id, entity_id, event_type, payload, created_at
		FROM chit_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			payload pqtype.NullRawMessage
		)
		if err := rows.Scan(&ev.ID, &ev.GroupID, &ev.EntityID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		ev.Payload = payload.RawMessage
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox rows: %w", err)
	}
	return events, nil
}

// FetchOutboxByID fetches a single unsent event, typically in response to a
// NOTIFY carrying its id.
func (r *Repository) FetchOutboxByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	var (
		ev      Event
		payload pqtype.NullRawMessage
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, group_id, entity_id, event_type, payload, created_at
		FROM chit_outbox
		WHERE id = $1 AND sent_at IS NULL`, id).
		Scan(&ev.ID, &ev.GroupID, &ev.EntityID, &ev.EventType, &payload, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("outbox event %s not found or already sent", id)
		}
		return nil, fmt.Errorf("failed to fetch outbox event by ID: %w", err)
	}
	ev.Payload = payload.RawMessage
	return &ev, nil
}

// MarkOutboxSent stamps an event as relayed. Marking twice is harmless, which
// keeps the at-least-once pipeline idempotent end to end.
func (r *Repository) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE chit_outbox SET sent_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}
