package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published after a transition commits.
const (
	CheckInStarted     = "car.checkin_started"
	CarCheckedIn       = "car.checked_in"
	CarParked          = "car.parked"
	RetrievalRequested = "car.retrieval_requested"
	CarRetrieved       = "car.retrieved"
	IntakeAbandoned    = "car.intake_abandoned"
	DriverChanged      = "driver.changed"
	StoreReset         = "store.reset"
)

// All subscribes a handler to every event type.
const All = "*"

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Transition is the payload of car and driver events.
type Transition struct {
	Action     string `json:"action"`
	CarID      int64  `json:"car_id,omitempty"`
	DriverID   int64  `json:"driver_id,omitempty"`
	SlotNumber int    `json:"slot_number,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	onError     func(Event, error)
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// OnError installs a callback for handler failures.
func (b *EventBus) OnError(fn func(Event, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Subscribe registers a handler for a given event type, or All.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type and wildcard subscribers.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[All]...)
	onError := b.onError
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil && onError != nil {
			onError(event, err)
		}
	}
}

// PublishJSON marshals payload and publishes it under evType.
func (b *EventBus) PublishJSON(evType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.Publish(Event{Type: evType, Payload: data})
	return nil
}
