package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var typed, wildcard []string
	bus.Subscribe(CarParked, func(e Event) error {
		typed = append(typed, e.Type)
		return nil
	})
	bus.Subscribe(All, func(e Event) error {
		wildcard = append(wildcard, e.Type)
		return nil
	})

	require.NoError(t, bus.PublishJSON(CarParked, Transition{Action: "parked", CarID: 7}))
	require.NoError(t, bus.PublishJSON(CarRetrieved, Transition{Action: "retrieved", CarID: 7}))

	assert.Equal(t, []string{CarParked}, typed)
	assert.Equal(t, []string{CarParked, CarRetrieved}, wildcard)
}

func TestEventBus_HandlerErrors(t *testing.T) {
	bus := NewEventBus()

	var failed []string
	bus.OnError(func(e Event, err error) { failed = append(failed, e.Type+": "+err.Error()) })

	calls := 0
	bus.Subscribe(CarCheckedIn, func(Event) error { return errors.New("boom") })
	bus.Subscribe(CarCheckedIn, func(Event) error { calls++; return nil })

	bus.Publish(Event{Type: CarCheckedIn})

	assert.Equal(t, 1, calls, "a failing handler does not stop the others")
	assert.Equal(t, []string{"car.checked_in: boom"}, failed)
}

func TestEvent_Decode(t *testing.T) {
	bus := NewEventBus()

	var got Transition
	bus.Subscribe(CarCheckedIn, func(e Event) error { return e.Decode(&got) })
	require.NoError(t, bus.PublishJSON(CarCheckedIn, Transition{Action: "x", CarID: 3, DriverID: 4, SlotNumber: 1}))

	assert.Equal(t, Transition{Action: "x", CarID: 3, DriverID: 4, SlotNumber: 1}, got)
}
