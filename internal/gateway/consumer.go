package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const (
	streamName   = "CHIT_EVENTS"
	consumerName = "gateway-fanout"
	filterSubj   = "chit.events.>"
)

// Waker is poked whenever an event lands, so the deadline scheduler can
// re-fetch its next wake-up without waiting for the poll interval.
type Waker interface {
	Wake()
}

// envelope mirrors the outbox relay's published wire format.
type envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	GroupID   string          `json:"groupId"`
	EntityID  string          `json:"entityId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// EventConsumer subscribes to the JetStream event stream and fans events out
// to websocket clients and the in-memory group state projection.
type EventConsumer struct {
	js      jetstream.JetStream
	manager *ConnectionManager
	state   *StateManager
	waker   Waker
	cancel  jetstream.ConsumeContext
}

func NewEventConsumer(nc *nats.Conn, manager *ConnectionManager, state *StateManager, waker Waker) (*EventConsumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	return &EventConsumer{
		js:      js,
		manager: manager,
		state:   state,
		waker:   waker,
	}, nil
}

// Start creates the durable consumer and begins processing messages.
func (c *EventConsumer) Start(ctx context.Context) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: filterSubj,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(c.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.cancel = cc

	log.Info().
		Str("stream", streamName).
		Str("consumer", consumerName).
		Msg("event consumer started")
	return nil
}

// Stop drains the consumer.
func (c *EventConsumer) Stop() {
	if c.cancel != nil {
		c.cancel.Drain()
	}
}

func (c *EventConsumer) handleMessage(msg jetstream.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to unmarshal event envelope")
		// Poison message, no point redelivering.
		msg.Term()
		return
	}

	event := &GameEvent{
		ID:        env.EventID,
		GroupID:   env.GroupID,
		Type:      EventType(env.EventType),
		Timestamp: env.Timestamp,
		Data:      env.Payload,
	}

	if err := c.state.Apply(event); err != nil {
		log.Warn().
			Err(err).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("failed to apply event to group state")
	}

	c.manager.Broadcast(env.GroupID, event)
	if c.waker != nil {
		c.waker.Wake()
	}

	if err := msg.Ack(); err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("failed to ack event")
	}

	log.Debug().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("group_id", env.GroupID).
		Int("connections", c.manager.ConnectionCount(env.GroupID)).
		Msg("event dispatched")
}
