// Package events carries position lifecycle transitions and risk/circuit
// state changes to external subscribers (journaling, notification, the
// operational API). The decision core publishes; the host decides how to
// react, including to the emergency stop.
package events

import (
	"sync"
	"time"
)

// Type identifies an event kind
type Type string

const (
	EventPositionOpened    Type = "POSITION_OPENED"
	EventPositionClosed    Type = "POSITION_CLOSED"
	EventSignalGenerated   Type = "SIGNAL_GENERATED"
	EventSignalRejected    Type = "SIGNAL_REJECTED"
	EventRiskDenied        Type = "RISK_DENIED"
	EventRiskLimitBreached Type = "RISK_LIMIT_BREACHED"
	EventEmergencyStop     Type = "EMERGENCY_STOP"
	EventCircuitTripped    Type = "CIRCUIT_TRIPPED"
	EventCircuitRecovered  Type = "CIRCUIT_RECOVERED"
)

// Event is one published occurrence
type Event struct {
	Type      Type                   `json:"type"`
	Symbol    string                 `json:"symbol,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber handles published events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]Subscriber),
	}
}

// Subscribe registers a subscriber for one event type
func (b *Bus) Subscribe(t Type, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], s)
}

// SubscribeAll registers a subscriber for every event
func (b *Bus) SubscribeAll(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, s)
}

// Publish sends an event to all matching subscribers. Dispatch runs in
// goroutines so a slow subscriber never blocks the decision path.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subscribers[ev.Type] {
		go s(ev)
	}
	for _, s := range b.allSubs {
		go s(ev)
	}
}

// PublishPositionOpened publishes a position-opened event
func (b *Bus) PublishPositionOpened(symbol, positionID, direction string, entryPrice, quantity float64) {
	b.Publish(Event{
		Type:   EventPositionOpened,
		Symbol: symbol,
		Data: map[string]interface{}{
			"position_id": positionID,
			"direction":   direction,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishPositionClosed publishes a position-closed event
func (b *Bus) PublishPositionClosed(symbol, positionID, closeReason string, exitPrice, realizedPnL float64) {
	b.Publish(Event{
		Type:   EventPositionClosed,
		Symbol: symbol,
		Data: map[string]interface{}{
			"position_id":  positionID,
			"close_reason": closeReason,
			"exit_price":   exitPrice,
			"realized_pnl": realizedPnL,
		},
	})
}

// PublishRiskDenied publishes a risk denial with the reason and counters
func (b *Bus) PublishRiskDenied(symbol, reason string, dailyPnLPercent float64, consecutiveLosses int) {
	b.Publish(Event{
		Type:   EventRiskDenied,
		Symbol: symbol,
		Data: map[string]interface{}{
			"reason":             reason,
			"daily_pnl_percent":  dailyPnLPercent,
			"consecutive_losses": consecutiveLosses,
		},
	})
}

// PublishRiskLimitBreached publishes a hard risk-limit breach
func (b *Bus) PublishRiskLimitBreached(reason string, dailyPnLPercent float64) {
	b.Publish(Event{
		Type: EventRiskLimitBreached,
		Data: map[string]interface{}{
			"reason":            reason,
			"daily_pnl_percent": dailyPnLPercent,
		},
	})
}

// PublishEmergencyStop signals the host that the daily loss limit was
// breached in emergency-stop mode. The core never exits the process
// itself; the subscriber decides how to shut down.
func (b *Bus) PublishEmergencyStop(reason string, dailyPnLPercent float64) {
	b.Publish(Event{
		Type: EventEmergencyStop,
		Data: map[string]interface{}{
			"reason":            reason,
			"daily_pnl_percent": dailyPnLPercent,
		},
	})
}

// PublishCircuitTripped publishes a circuit breaker trip
func (b *Bus) PublishCircuitTripped(reason string) {
	b.Publish(Event{
		Type: EventCircuitTripped,
		Data: map[string]interface{}{"reason": reason},
	})
}

// PublishCircuitRecovered publishes a circuit breaker recovery
func (b *Bus) PublishCircuitRecovered() {
	b.Publish(Event{Type: EventCircuitRecovered})
}
