package events

// Event type names as stored in the outbox and carried on the wire.
const (
	TypeRoundStarted = "RoundStarted"
	TypeBidPlaced    = "BidPlaced"
	TypeRoundClosed  = "RoundClosed"
	TypeDrawCreated  = "DrawCreated"
	TypeDrawRevealed = "DrawRevealed"
)
