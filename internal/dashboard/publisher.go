package dashboard

import (
	"context"
	"encoding/json"

	"valet/internal/database"
	"valet/internal/events"
	"valet/internal/metrics"

	"github.com/rs/zerolog"
)

// Publisher rebuilds the snapshot after commits. Bursts of events collapse
// into one rebuild.
type Publisher struct {
	db     *database.DB
	hub    *Hub
	kick   chan struct{}
	logger zerolog.Logger
}

func NewPublisher(db *database.DB, hub *Hub, logger *zerolog.Logger) *Publisher {
	return &Publisher{
		db:     db,
		hub:    hub,
		kick:   make(chan struct{}, 1),
		logger: logger.With().Str("component", "dashboard_publisher").Logger(),
	}
}

// Subscribe requests a refresh on every bus event.
func (p *Publisher) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.All, func(events.Event) error {
		p.Notify()
		return nil
	})
}

// Notify schedules a refresh without blocking.
func (p *Publisher) Notify() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run refreshes once, then on every notification until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	p.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			p.Refresh(ctx)
		}
	}
}

// Refresh builds a snapshot, updates capacity gauges and pushes it.
func (p *Publisher) Refresh(ctx context.Context) {
	snap, err := Build(ctx, p.db)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("Failed to build dashboard snapshot")
		}
		return
	}
	metrics.SetCapacity(snap.Stats.AvailableSlots, snap.Stats.FreeDrivers)

	data, err := json.Marshal(snap)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode dashboard snapshot")
		return
	}
	p.hub.Broadcast(data)
}
