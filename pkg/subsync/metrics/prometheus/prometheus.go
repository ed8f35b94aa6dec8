package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flippify/payments/pkg/subsync"
)

// Metrics implements subsync.Metrics using Prometheus.
type Metrics struct {
	eventsTotal                *prometheus.CounterVec
	reconcileChangesTotal      *prometheus.CounterVec
	sweepUsersTotal            *prometheus.CounterVec
	sweepDuration              prometheus.Histogram
	referralGrantsTotal        prometheus.Counter
	storeOpsDuration           *prometheus.HistogramVec
	storeOpsErrors             *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "events_total",
			Help:      "Total number of handled provider events by kind and outcome.",
		}, []string{"kind", "outcome"}),

		reconcileChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "reconcile_changes_total",
			Help:      "Total number of subscriptions added or removed by reconciliation.",
		}, []string{"change"}),

		sweepUsersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "sweep_users_total",
			Help:      "Total number of users processed by sweeps, by outcome.",
		}, []string{"outcome"}),

		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of full subscription sweeps in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		referralGrantsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "referral_grants_total",
			Help:      "Total number of referral credits granted.",
		}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of user store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "store_operation_errors_total",
			Help:      "Total number of user store operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordEvent(kind subsync.EventKind, outcome string) {
	m.eventsTotal.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) RecordReconcile(added, removed int) {
	m.reconcileChangesTotal.WithLabelValues("added").Add(float64(added))
	m.reconcileChangesTotal.WithLabelValues("removed").Add(float64(removed))
}

func (m *Metrics) RecordSweepUser(outcome string) {
	m.sweepUsersTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSweepDuration(duration time.Duration) {
	m.sweepDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordReferralGranted() {
	m.referralGrantsTotal.Inc()
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) subsync.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
