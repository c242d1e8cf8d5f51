// Package events is an in-process publish/subscribe bus feeding the status
// API's websocket stream. Every other component publishes through it rather
// than holding a direct reference to the websocket hub, which keeps
// internal/positionmgr, internal/hedge, and internal/circuit free of any
// dependency on internal/api.
package events

import (
	"sync"
	"time"
)

// EventType is one of the domain event kinds streamed to websocket clients.
type EventType string

const (
	EventPriceUpdate         EventType = "PRICE_UPDATE"
	EventPositionUpdate      EventType = "POSITION_UPDATE"
	EventHedgeExecuted       EventType = "HEDGE_EXECUTED"
	EventPositionClosed      EventType = "POSITION_CLOSED"
	EventPositionQuarantined EventType = "POSITION_QUARANTINED"
)

// Event is one published occurrence, timestamped at publish time if the
// caller leaves Timestamp zero.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles one published Event.
type Subscriber func(Event)

// EventBus fans out published events to per-type and catch-all subscribers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus builds an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for one event type.
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for every event type.
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish delivers event to every matching subscriber, each in its own
// goroutine so a slow or blocking subscriber never stalls the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPriceUpdate publishes a pool price refresh.
func (eb *EventBus) PublishPriceUpdate(poolAddress string, price float64) {
	eb.Publish(Event{
		Type: EventPriceUpdate,
		Data: map[string]interface{}{
			"pool_address": poolAddress,
			"price":        price,
		},
	})
}

// PublishPositionUpdate publishes a position's latest tick-derived metrics.
func (eb *EventBus) PublishPositionUpdate(positionID string, price, positionPercent, accumulatedFeesUSD float64) {
	eb.Publish(Event{
		Type: EventPositionUpdate,
		Data: map[string]interface{}{
			"position_id":          positionID,
			"price":                price,
			"position_percent":     positionPercent,
			"accumulated_fees_usd": accumulatedFeesUSD,
		},
	})
}

// PublishHedgeExecuted publishes a completed mirror-swap.
func (eb *EventBus) PublishHedgeExecuted(positionID, direction string, amountIn, price float64, signature string) {
	eb.Publish(Event{
		Type: EventHedgeExecuted,
		Data: map[string]interface{}{
			"position_id": positionID,
			"direction":   direction,
			"amount_in":   amountIn,
			"price":       price,
			"signature":   signature,
		},
	})
}

// PublishPositionClosed publishes a position's terminal closure.
func (eb *EventBus) PublishPositionClosed(positionID, reason string) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"position_id": positionID,
			"reason":      reason,
		},
	})
}

// PublishPositionQuarantined publishes a position tripping its structural
// error breaker (internal/circuit).
func (eb *EventBus) PublishPositionQuarantined(positionID, reason string) {
	eb.Publish(Event{
		Type: EventPositionQuarantined,
		Data: map[string]interface{}{
			"position_id": positionID,
			"reason":      reason,
		},
	})
}
