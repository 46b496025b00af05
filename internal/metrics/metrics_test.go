package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	Register()
	Register()

	before := testutil.ToFloat64(transitions.WithLabelValues("Car parked"))
	IncTransition("Car parked")
	assert.Equal(t, before+1, testutil.ToFloat64(transitions.WithLabelValues("Car parked")))

	IncTokenConsumption("checkin", "ok")
	assert.GreaterOrEqual(t, testutil.ToFloat64(tokenConsumptions.WithLabelValues("checkin", "ok")), 1.0)

	SetCapacity(12, 3)
	assert.Equal(t, 12.0, testutil.ToFloat64(freeSlots))
	assert.Equal(t, 3.0, testutil.ToFloat64(freeDrivers))
}
