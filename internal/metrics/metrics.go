package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valet",
			Name:      "transitions_total",
			Help:      "Count of committed car and driver transitions by action.",
		},
		[]string{"action"},
	)

	allocationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valet",
			Name:      "allocation_failures_total",
			Help:      "Count of rejected allocator operations by reason.",
		},
		[]string{"reason"},
	)

	tokenConsumptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valet",
			Name:      "token_consumptions_total",
			Help:      "Count of QR token consumption attempts by kind and result.",
		},
		[]string{"kind", "result"},
	)

	inboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valet",
			Name:      "inbound_messages_total",
			Help:      "Count of inbound chat messages by outcome.",
		},
		[]string{"outcome"},
	)

	outboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valet",
			Name:      "outbound_messages_total",
			Help:      "Count of outbound chat messages by kind and result.",
		},
		[]string{"kind", "result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valet",
			Name:      "http_requests_total",
			Help:      "Count of HTTP requests by route.",
		},
		[]string{"route"},
	)

	freeSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "valet",
			Name:      "free_slots",
			Help:      "Number of unoccupied parking slots.",
		},
	)

	freeDrivers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "valet",
			Name:      "free_drivers",
			Help:      "Number of active drivers available for assignment.",
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			transitions,
			allocationFailures,
			tokenConsumptions,
			inboundMessages,
			outboundMessages,
			httpRequests,
			freeSlots,
			freeDrivers,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncTransition(action string) {
	transitions.WithLabelValues(action).Inc()
}

func IncAllocationFailure(reason string) {
	allocationFailures.WithLabelValues(reason).Inc()
}

func IncTokenConsumption(kind, result string) {
	tokenConsumptions.WithLabelValues(kind, result).Inc()
}

func IncInbound(outcome string) {
	inboundMessages.WithLabelValues(outcome).Inc()
}

func IncOutbound(kind, result string) {
	outboundMessages.WithLabelValues(kind, result).Inc()
}

func IncHTTP(route string) {
	httpRequests.WithLabelValues(route).Inc()
}

// SetCapacity publishes the current free slot and driver counts.
func SetCapacity(slots, drivers int) {
	freeSlots.Set(float64(slots))
	freeDrivers.Set(float64(drivers))
}
