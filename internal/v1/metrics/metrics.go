package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaborative editing coordination server.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab (application-level grouping)
// - subsystem: websocket, room, presence (feature-level grouping)
// - name: specific metric (connections_active, steps_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, versions)
// - Counter: Cumulative events (batches accepted, evictions)
// - Histogram: Latency distributions (message routing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomVersion tracks the authoritative document version per room
	RoomVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "version",
		Help:      "Authoritative document version per room",
	}, []string{"room_id"})

	// StepBatchesAccepted counts step batches admitted through the version gate
	StepBatchesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "step_batches_accepted_total",
		Help:      "Total step batches accepted and appended to history",
	})

	// StepBatchesRejected counts step batches rejected, labeled by reason
	StepBatchesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "room",
		Name:      "step_batches_rejected_total",
		Help:      "Total step batches rejected by the version gate or apply failure",
	}, []string{"reason"})

	// PresenceEvictions counts presence records removed by TTL pruning
	PresenceEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "presence",
		Name:      "evictions_total",
		Help:      "Total presence records evicted after exceeding the TTL",
	})

	// MessageProcessingDuration tracks the time spent routing inbound messages
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RateLimitRequests counts requests checked by the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests evaluated by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by the rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by the rate limiter",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState tracks breaker state per downstream service (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts operations dropped while a breaker is open
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Total operations dropped while a circuit breaker was open",
	}, []string{"service"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
