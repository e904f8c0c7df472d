package main

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"

	"github.com/chitpool/backend/internal/countdown"
	"github.com/chitpool/backend/internal/gateway"
	"github.com/chitpool/backend/internal/ledger"
	"github.com/chitpool/backend/internal/members"
	"github.com/chitpool/backend/internal/monitor"
	"github.com/chitpool/backend/internal/outbox"
)

type Services struct {
	Ledger    *ledger.App
	Gateway   *gateway.Service
	Scheduler *monitor.Scheduler
	Listener  *outbox.Listener
	Publisher *outbox.NATSPublisher
	Consumer  *gateway.EventConsumer

	nc *nats.Conn
}

// setupServices wires the dependency chain:
// repositories -> ledger app -> gateway/scheduler, with the outbox relay and
// the JetStream consumer bridging database commits to websocket delivery.
func setupServices(pool *pgxpool.Pool, relayDB *sql.DB, dsn string, config *Config) (*Services, error) {
	repo := ledger.NewRepository(pool)
	ledgerApp := ledger.NewApp(repo)
	membersApp := members.NewApp(members.NewRepository(pool))

	rec := countdown.New(clockwork.NewRealClock())
	gatewayService := gateway.NewService(ledgerApp, membersApp, rec, config.ReconcileConfig())
	scheduler := monitor.NewScheduler(ledgerApp, config.Scheduler.BatchSize)

	pubCfg := outbox.DefaultNATSPublisherConfig()
	pubCfg.URL = config.NATS.URL
	publisher, err := outbox.NewNATSPublisher(pubCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	listenCfg := outbox.DefaultListenerConfig()
	listenCfg.DatabaseURL = dsn
	listenCfg.NotifyChannel = config.Outbox.NotifyChannel
	listenCfg.FallbackInterval = config.FallbackInterval()
	listener, err := outbox.NewListener(outbox.NewRepository(relayDB), publisher, listenCfg)
	if err != nil {
		publisher.Close()
		return nil, fmt.Errorf("failed to create outbox listener: %w", err)
	}

	nc, err := nats.Connect(config.NATS.URL, nats.MaxReconnects(-1))
	if err != nil {
		publisher.Close()
		listener.Stop()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	consumer, err := gateway.NewEventConsumer(nc, gatewayService.ConnectionManager(), gatewayService.StateManager(), scheduler)
	if err != nil {
		publisher.Close()
		listener.Stop()
		nc.Close()
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	return &Services{
		Ledger:    ledgerApp,
		Gateway:   gatewayService,
		Scheduler: scheduler,
		Listener:  listener,
		Publisher: publisher,
		Consumer:  consumer,
		nc:        nc,
	}, nil
}

// Shutdown releases the messaging resources. Database handles are closed by
// the caller that opened them.
func (s *Services) Shutdown() {
	s.Consumer.Stop()
	s.Gateway.ConnectionManager().CloseAll()
	s.Publisher.Close()
	if s.nc != nil {
		s.nc.Close()
	}
}
