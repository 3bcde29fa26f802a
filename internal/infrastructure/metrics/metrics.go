package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection states reported by the broker supervisor.
const (
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnDisconnected = "disconnected"
	ConnGaveUp       = "gave_up"
)

var connStates = []string{ConnConnecting, ConnConnected, ConnDisconnected, ConnGaveUp}

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_messages_total",
			Help: "Booking confirmation messages by final disposition",
		},
		[]string{"disposition", "reason"},
	)

	messageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "confirmation_message_processing_duration_seconds",
			Help:    "Time from delivery to settlement",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"disposition"},
	)

	lookupTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_user_lookup_total",
			Help: "User directory lookups by result",
		},
		[]string{"result"},
	)

	lookupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "confirmation_user_lookup_duration_seconds",
			Help:    "User directory lookup latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_dispatch_total",
			Help: "Notification dispatch attempts by result",
		},
		[]string{"provider", "result"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "confirmation_dispatch_duration_seconds",
			Help:    "Notification transport latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	idempotencyHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "confirmation_idempotency_hits_total",
			Help: "Notifications skipped because their key was already marked sent",
		},
	)

	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "confirmation_broker_connection_state",
			Help: "1 for the current broker connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "confirmation_broker_reconnects_total",
			Help: "Broker reconnect attempts",
		},
	)

	publishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_publish_failures_total",
			Help: "Failed publishes to the retry or dead-letter queue",
		},
		[]string{"target"},
	)

	staleDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "confirmation_stale_deliveries_total",
			Help: "Messages left unsettled because their connection was replaced mid-processing",
		},
	)

	workersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "confirmation_workers_busy",
			Help: "Messages currently being processed",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "confirmation_circuit_breaker_open",
			Help: "1 while the named circuit breaker is not closed",
		},
		[]string{"name"},
	)
)

// RecordDisposition records the settled outcome of one message.
func RecordDisposition(disposition, reason string, duration time.Duration) {
	messagesTotal.WithLabelValues(disposition, reason).Inc()
	messageProcessingDuration.WithLabelValues(disposition).Observe(duration.Seconds())
}

func RecordLookup(result string, duration time.Duration) {
	lookupTotal.WithLabelValues(result).Inc()
	lookupDuration.Observe(duration.Seconds())
}

func RecordDispatch(provider, result string, duration time.Duration) {
	dispatchTotal.WithLabelValues(provider, result).Inc()
	dispatchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordIdempotencyHit() {
	idempotencyHitsTotal.Inc()
}

// SetConnectionState marks state as current and clears the others.
func SetConnectionState(state string) {
	for _, s := range connStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

func RecordReconnect() {
	reconnectsTotal.Inc()
}

func RecordPublishFailure(target string) {
	publishFailuresTotal.WithLabelValues(target).Inc()
}

func RecordStaleDelivery() {
	staleDeliveriesTotal.Inc()
}

func WorkerBusy() { workersBusy.Inc() }
func WorkerIdle() { workersBusy.Dec() }

func SetBreakerOpen(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	breakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}
