package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chitpool/backend/internal/events"
)

// GameEvent is the websocket wire structure for all round/draw events.
type GameEvent struct {
	ID        string          `json:"id"`        // Event UUID
	GroupID   string          `json:"group_id"`  // Savings group UUID
	Type      EventType       `json:"type"`      // Event type
	Timestamp time.Time       `json:"timestamp"` // Event creation time
	Data      json.RawMessage `json:"data"`      // Event-specific payload
}

// EventType represents the type of game event.
type EventType string

const (
	EventTypeRoundStarted EventType = EventType(events.TypeRoundStarted)
	EventTypeBidPlaced    EventType = EventType(events.TypeBidPlaced)
	EventTypeRoundClosed  EventType = EventType(events.TypeRoundClosed)
	EventTypeDrawCreated  EventType = EventType(events.TypeDrawCreated)
	EventTypeDrawRevealed EventType = EventType(events.TypeDrawRevealed)
)

// ParseEventPayload parses event data into the appropriate payload struct.
// Unknown event types return an error so new server events surface loudly in
// consumers instead of silently dropping UI updates.
func ParseEventPayload(event *GameEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeRoundStarted:
		var payload events.RoundStartedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeBidPlaced:
		var payload events.BidPlacedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeRoundClosed:
		var payload events.RoundClosedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeDrawCreated:
		var payload events.DrawCreatedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeDrawRevealed:
		var payload events.DrawRevealedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, fmt.Errorf("unknown event type: %s", event.Type)
	}
}
