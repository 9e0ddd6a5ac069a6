// Package metrics collects prometheus/client_golang counters for dispatch
// outcome (local/forwarded/retried/timed-out), registry size, correlator
// pending-call depth, and provisioning-state transitions, following the
// teacher's internal/api/observability.go idiom (package-level
// prometheus.NewCounterVec/NewGaugeVec registered in init, small recorder
// functions) repointed at the dispatcher's domain events.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "iamfleet", Name: "dispatch_total", Help: "Total RPC dispatches by route and outcome"},
		[]string{"route", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "iamfleet", Name: "dispatch_duration_seconds", Help: "Dispatch duration by route", Buckets: prometheus.DefBuckets},
		[]string{"route"},
	)
	retryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "iamfleet", Name: "dispatch_retry_total", Help: "Forwarded-call retries by route"},
		[]string{"route"},
	)
	registrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "iamfleet", Name: "registry_nodes", Help: "Number of nodes currently registered"},
	)
	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "iamfleet", Name: "correlator_pending_calls", Help: "Sum of in-flight PendingCalls across all node streams"},
	)
	provisioningTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "iamfleet", Name: "provisioning_transitions_total", Help: "Provisioning state transitions by operation and resulting state"},
		[]string{"op", "to_state"},
	)
	subscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "iamfleet", Name: "stream_subscriptions", Help: "Active server-streaming subscriptions by kind"},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal, dispatchDuration, retryTotal, registrySize, pendingCalls, provisioningTransitions, subscriptions)
}

// RecordDispatch records one completed RPC route: "local" or "forwarded",
// outcome one of "ok"/"unavailable"/"timeout"/"error".
func RecordDispatch(route, outcome string, seconds float64) {
	dispatchTotal.WithLabelValues(route, outcome).Inc()
	dispatchDuration.WithLabelValues(route).Observe(seconds)
}

// RecordRetry increments the retry counter for a forwarded route.
func RecordRetry(route string) { retryTotal.WithLabelValues(route).Inc() }

// SetRegistrySize reports the live NodeStreamRegistry size.
func SetRegistrySize(n int) { registrySize.Set(float64(n)) }

// SetPendingCalls reports the aggregate in-flight PendingCall count.
func SetPendingCalls(n int) { pendingCalls.Set(float64(n)) }

// RecordProvisioningTransition increments the transition counter.
func RecordProvisioningTransition(op, toState string) {
	provisioningTransitions.WithLabelValues(op, toState).Inc()
}

// SetSubscriptions reports the active subscription count for kind
// ("node_info"/"subjects"/"cert").
func SetSubscriptions(kind string, n int) { subscriptions.WithLabelValues(kind).Set(float64(n)) }
