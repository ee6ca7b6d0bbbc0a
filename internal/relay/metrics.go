package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Publish outcomes recorded in chat_messages_total.
const (
	outcomePublished = "published"
	outcomeReplayed  = "replayed"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

var (
	// roomPresence is the live session count per room.
	roomPresence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_room_presence",
			Help: "Current number of live sessions per chat room.",
		},
		[]string{"room"},
	)

	// connectionsActive counts connections in the OPEN state.
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Current number of open chat connections.",
		},
	)

	// messagesTotal counts publish attempts by room and outcome.
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat messages by room and outcome (published, replayed, rejected, failed).",
		},
		[]string{"room", "outcome"},
	)

	// fanoutDrops counts deliveries that failed and evicted the session.
	fanoutDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_fanout_drops_total",
			Help: "Fan-out deliveries dropped because the session was closed or too slow.",
		},
		[]string{"room"},
	)

	// publishLatency measures append plus fan-out per room.
	publishLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_publish_duration_seconds",
			Help:    "Time to persist and fan out one chat message.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"room"},
	)
)

func init() {
	prometheus.MustRegister(roomPresence, connectionsActive, messagesTotal, fanoutDrops, publishLatency)
}

// ObservePresence exports a room's membership count; pass it to
// WithPresenceObserver.
func ObservePresence(roomID string, count int) {
	roomPresence.WithLabelValues(roomID).Set(float64(count))
}
