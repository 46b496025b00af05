package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCarStatus_Lifecycle(t *testing.T) {
	order := CarStatuses

	for i := 0; i < len(order)-1; i++ {
		assert.True(t, order[i].CanAdvanceTo(order[i+1]), "%s -> %s", order[i], order[i+1])
	}

	t.Run("NoSkipping", func(t *testing.T) {
		assert.False(t, CarPending.CanAdvanceTo(CarParked))
		assert.False(t, CarCheckedIn.CanAdvanceTo(CarRetrieved))
	})

	t.Run("NoGoingBack", func(t *testing.T) {
		assert.False(t, CarParked.CanAdvanceTo(CarCheckedIn))
		_, ok := CarRetrieved.Next()
		assert.False(t, ok)
	})

	t.Run("Occupancy", func(t *testing.T) {
		assert.False(t, CarPending.OccupiesSlot())
		assert.True(t, CarCheckedIn.OccupiesSlot())
		assert.True(t, CarAwaitingRetrieval.OccupiesSlot())
		assert.False(t, CarRetrieved.OccupiesSlot())

		assert.True(t, CarCheckedIn.HoldsDriver())
		assert.False(t, CarParked.HoldsDriver())
	})
}

func TestQRToken_Expired(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tok := &QRToken{ExpiresAt: now}

	assert.True(t, tok.Expired(now), "ttl=0 token expires immediately")
	assert.False(t, tok.Expired(now.Add(-time.Second)))
}

func TestSession_Helpers(t *testing.T) {
	s := &Session{}
	assert.Equal(t, "", s.GetString("plate"))

	s.Set("plate", "KA01AB1234")
	s.Set("count", 3)
	assert.Equal(t, "KA01AB1234", s.GetString("plate"))
	assert.Equal(t, "", s.GetString("count"))

	s.Reset("IDLE")
	assert.Equal(t, "IDLE", s.State)
	assert.Nil(t, s.Data)
}

func TestParseDriverStatus(t *testing.T) {
	st, ok := ParseDriverStatus("free")
	assert.True(t, ok)
	assert.Equal(t, DriverFree, st)

	_, ok = ParseDriverStatus("sleeping")
	assert.False(t, ok)
}
