package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertTx appends an event to the outbox inside the caller's transaction.
// The ledger calls this in the same transaction as the state change it
// describes, so an event exists exactly when its state change committed.
// A row trigger NOTIFYs the relay with the new event's id.
func InsertTx(ctx context.Context, tx pgx.Tx, groupID, entityID uuid.UUID, eventType string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("event payload cannot be empty")
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO chit_outbox (id, group_id, entity_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), groupID, entityID, eventType, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s outbox event: %w", eventType, err)
	}
	return nil
}
