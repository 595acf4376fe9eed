package engine

import (
	"github.com/atmx/marketd/internal/model"
)

// EventType names a committed state change.
type EventType string

const (
	EventMarketCreated  EventType = "market_created"
	EventBetPlaced      EventType = "bet_placed"
	EventPriceUpdated   EventType = "price_updated"
	EventMarketResolved EventType = "market_resolved"
	EventClaimed        EventType = "claimed"
)

// Event describes one committed operation. Market is the state after it.
type Event struct {
	Type    EventType
	Market  model.Market
	Account model.Identity
	Side    model.Side
	Amount  uint64
	Shares  uint64
}

// EventSink receives events after their operation has committed. Publish
// must not block.
type EventSink interface {
	Publish(Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(Event) {}
