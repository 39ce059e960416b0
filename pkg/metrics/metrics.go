package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for jmxcluster.
// Using promauto for automatic registration with default registry.
var (
	// --- Ownership Metrics ---

	// OwnedTargets tracks targets this worker currently owns.
	OwnedTargets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jmxcluster",
			Subsystem: "ownership",
			Name:      "owned_targets",
			Help:      "Number of targets owned by this worker",
		},
	)

	// HandlerState is 1 for the current state of each target handler and 0 otherwise.
	HandlerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jmxcluster",
			Subsystem: "ownership",
			Name:      "handler_state",
			Help:      "Current ownership state per target",
		},
		[]string{"target", "state"},
	)

	// ElectionsTotal counts election runs by outcome.
	ElectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jmxcluster",
			Subsystem: "election",
			Name:      "runs_total",
			Help:      "Total number of election runs by outcome",
		},
		[]string{"outcome"},
	)

	// LockAcquireDuration tracks how long acquisition attempts take.
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jmxcluster",
			Subsystem: "election",
			Name:      "lock_acquire_seconds",
			Help:      "Duration of ownership lock acquisition attempts",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13), // 1ms to ~4s
		},
		[]string{"acquired"},
	)

	// YieldsTotal counts locks released to a returning affinity worker.
	YieldsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jmxcluster",
			Subsystem: "election",
			Name:      "yields_total",
			Help:      "Total number of ownership locks yielded to the affinity worker",
		},
	)

	// --- Watch Metrics ---

	// WatchEvents counts watch events received by kind.
	WatchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jmxcluster",
			Subsystem: "watch",
			Name:      "events_total",
			Help:      "Total watch events received",
		},
		[]string{"subtree", "type"},
	)

	// WatchErrors counts failures while reacting to watch events.
	WatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jmxcluster",
			Subsystem: "watch",
			Name:      "errors_total",
			Help:      "Total failures while processing watch events",
		},
		[]string{"subtree"},
	)

	// --- Session Metrics ---

	// HeartbeatRegistered is 1 while this worker's heartbeat node is registered.
	HeartbeatRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jmxcluster",
			Subsystem: "session",
			Name:      "heartbeat_registered",
			Help:      "Whether this worker's heartbeat node is registered",
		},
	)

	// ConnectionLosses counts coordination connections lost in steady state.
	ConnectionLosses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jmxcluster",
			Subsystem: "session",
			Name:      "connection_losses_total",
			Help:      "Total coordination connections lost while running",
		},
	)

	// MisconfiguredTargets tracks targets skipped for missing affinity or config.
	MisconfiguredTargets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jmxcluster",
			Subsystem: "session",
			Name:      "misconfigured_targets",
			Help:      "Number of targets skipped because they lack affinity or config",
		},
	)

	// Reconciles counts periodic reconcile passes.
	Reconciles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "jmxcluster",
			Subsystem: "session",
			Name:      "reconciles_total",
			Help:      "Total number of reconcile passes",
		},
	)

	// --- Sink Metrics ---

	// SinkFailures counts failed listener notifications per sink.
	SinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jmxcluster",
			Subsystem: "sink",
			Name:      "failures_total",
			Help:      "Total failed notifications per sink",
		},
		[]string{"sink"},
	)

	// CircuitState tracks circuit breaker state per sink (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jmxcluster",
			Subsystem: "sink",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per sink",
		},
		[]string{"sink"},
	)
)

// RecordElection records the outcome of one election run.
func RecordElection(outcome string) {
	ElectionsTotal.WithLabelValues(outcome).Inc()
}

// RecordAcquire records a lock acquisition attempt.
func RecordAcquire(acquired bool, seconds float64) {
	label := "false"
	if acquired {
		label = "true"
	}
	LockAcquireDuration.WithLabelValues(label).Observe(seconds)
}

// SetHandlerState marks state as current for target and clears the others.
func SetHandlerState(target, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		HandlerState.WithLabelValues(target, s).Set(v)
	}
}
