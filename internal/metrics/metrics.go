package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procguard",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful OS process launches.",
		}, []string{"name"},
	)
	loginDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "procguard",
			Subsystem: "device",
			Name:      "login_duration_seconds",
			Help:      "Time between arming the login guard and the remote login.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procguard",
			Subsystem: "controller",
			Name:      "state_transitions_total",
			Help:      "Number of controller state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procguard",
			Subsystem: "controller",
			Name:      "current_state",
			Help:      "Current controller state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procguard",
			Subsystem: "controller",
			Name:      "restarts_total",
			Help:      "Number of restarts performed by ExtProcessStartRetry.",
		}, []string{"name"},
	)
	tooManyRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procguard",
			Subsystem: "controller",
			Name:      "too_many_restarts_total",
			Help:      "Number of times the restart window was exceeded.",
		}, []string{"name"},
	)

	eventsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procguard",
			Subsystem: "events",
			Name:      "raised_total",
			Help:      "Number of raised events.",
		}, []string{"event_id"},
	)
	eventsAcknowledged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procguard",
			Subsystem: "events",
			Name:      "acknowledged_total",
			Help:      "Number of acknowledgements by type.",
		}, []string{"type"},
	)
	eventsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "procguard",
			Subsystem: "events",
			Name:      "active",
			Help:      "Events waiting for acknowledgement.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, loginDuration,
		stateTransitions, currentStates, restarts, tooManyRestarts,
		eventsRaised, eventsAcknowledged, eventsActive,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func ObserveLoginDuration(name string, seconds float64) {
	if regOK.Load() {
		loginDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		restarts.WithLabelValues(name).Inc()
	}
}

func IncTooManyRestarts(name string) {
	if regOK.Load() {
		tooManyRestarts.WithLabelValues(name).Inc()
	}
}

func IncEventRaised(eventID uint32) {
	if regOK.Load() {
		eventsRaised.WithLabelValues(strconv.FormatUint(uint64(eventID), 10)).Inc()
	}
}

func IncEventAcknowledged(ackType string) {
	if regOK.Load() {
		eventsAcknowledged.WithLabelValues(ackType).Inc()
	}
}

func SetEventsActive(n int) {
	if regOK.Load() {
		eventsActive.Set(float64(n))
	}
}
