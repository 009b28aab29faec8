// Package metrics holds the Prometheus collectors for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pcsc_bridge"

var (
	// RecoveryAttempts counts recovery entries by trigger
	RecoveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_attempts_total",
		Help:      "Recovery sequences started, by trigger",
	}, []string{"trigger"})

	// RecoveryDropped counts triggers rejected by the supervisor guard
	RecoveryDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_dropped_total",
		Help:      "Recovery triggers dropped by the in-flight or exhausted guard",
	}, []string{"trigger"})

	// RecoveryResults counts subsystem restarts by result
	RecoveryResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_restarts_total",
		Help:      "Subsystem restarts by result",
	}, []string{"result"})

	// RecoveryExhausted counts transitions into the exhausted state
	RecoveryExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_exhausted_total",
		Help:      "Times automatic recovery gave up",
	})

	// RecoveryState is 0 idle, 1 recovering, 2 exhausted
	RecoveryState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recovery_state",
		Help:      "Recovery supervisor state (0 idle, 1 recovering, 2 exhausted)",
	})

	// RecoveryAttemptCounter mirrors the supervisor's attempt counter
	RecoveryAttemptCounter = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recovery_attempt",
		Help:      "Current consecutive recovery attempt",
	})

	// ReaderConnected is 1 while a reader is published as connected
	ReaderConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reader_connected",
		Help:      "Whether a reader is connected",
	})

	// CardPresent is 1 while a card is published as present
	CardPresent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "card_present",
		Help:      "Whether a card is present",
	})

	// CardsDetected counts card insertions
	CardsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cards_detected_total",
		Help:      "Card insertions seen",
	})

	// ProbeSteps counts probe step outcomes
	ProbeSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_steps_total",
		Help:      "Card probe step outcomes",
	}, []string{"step", "result"})

	// DriverErrors counts subsystem and reader errors by classification
	DriverErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "driver_errors_total",
		Help:      "Driver error notifications by source and class",
	}, []string{"source", "class"})

	// WatchdogDivergences counts inconsistencies found by the watchdog
	WatchdogDivergences = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watchdog_divergences_total",
		Help:      "Times the watchdog found a connected state without a reader",
	})

	// Commands counts operator commands by command and result
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Operator commands by command and result",
	}, []string{"command", "result"})

	// Observers is the number of connected WebSocket observers
	Observers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "observers",
		Help:      "Connected WebSocket observers",
	})
)

// Bool converts a flag to a gauge value.
func Bool(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
