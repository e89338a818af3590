// Package events provides an in-process pub/sub bus used to surface engine
// activity (signals, orders, position changes) to the API layer.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventOrderEmitted    EventType = "ORDER_EMITTED"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventStrategyUpdated EventType = "STRATEGY_UPDATED"
	EventShardCreated    EventType = "SHARD_CREATED"
	EventShardDestroyed  EventType = "SHARD_DESTROYED"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their own
// goroutines so a slow consumer never blocks the publisher. Publishing on a
// nil bus is a no-op, so components can be wired without one.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishOrder publishes an order emitted event
func (b *Bus) PublishOrder(strategyName, symbol, action, position, reason string, price float64) {
	b.Publish(Event{
		Type: EventOrderEmitted,
		Data: map[string]interface{}{
			"strategy": strategyName,
			"symbol":   symbol,
			"action":   action,
			"position": position,
			"reason":   reason,
			"price":    price,
		},
	})
}

// PublishSignal publishes a signal generated event
func (b *Bus) PublishSignal(strategyName, symbol, reason string, price float64) {
	b.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"strategy": strategyName,
			"symbol":   symbol,
			"reason":   reason,
			"price":    price,
		},
	})
}

// PublishPositionOpened publishes a position opened event
func (b *Bus) PublishPositionOpened(strategyName, symbol, direction string, entryPrice, quantity float64) {
	b.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"strategy":    strategyName,
			"symbol":      symbol,
			"direction":   direction,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishPositionClosed publishes a position closed event
func (b *Bus) PublishPositionClosed(strategyName, symbol, direction string, entryPrice, exitPrice, quantity float64) {
	b.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"strategy":    strategyName,
			"symbol":      symbol,
			"direction":   direction,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
		},
	})
}

// PublishStrategyUpdated publishes a strategy lifecycle event. change is one
// of "added", "updated", "removed".
func (b *Bus) PublishStrategyUpdated(strategyID, strategyName, change string) {
	b.Publish(Event{
		Type: EventStrategyUpdated,
		Data: map[string]interface{}{
			"id":       strategyID,
			"strategy": strategyName,
			"change":   change,
		},
	})
}

// PublishShardCreated publishes a shard created event
func (b *Bus) PublishShardCreated(symbol, baseInterval string) {
	b.Publish(Event{
		Type: EventShardCreated,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"interval": baseInterval,
		},
	})
}

// PublishShardDestroyed publishes a shard destroyed event
func (b *Bus) PublishShardDestroyed(symbol, baseInterval string) {
	b.Publish(Event{
		Type: EventShardDestroyed,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"interval": baseInterval,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
