package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	entriesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sogara_sync",
			Name:      "entries_enqueued_total",
			Help:      "Queue entries enqueued, by action.",
		},
		[]string{"action"},
	)

	dispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sogara_sync",
			Name:      "dispatch_attempts_total",
			Help:      "Dispatch attempts, by action.",
		},
		[]string{"action"},
	)

	dispatchSuccesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sogara_sync",
			Name:      "dispatch_success_total",
			Help:      "Successful dispatches, by action.",
		},
		[]string{"action"},
	)

	dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sogara_sync",
			Name:      "dispatch_failures_total",
			Help:      "Failed dispatch attempts, by action.",
		},
		[]string{"action"},
	)

	entriesExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sogara_sync",
			Name:      "entries_exhausted_total",
			Help:      "Entries removed after reaching the attempt limit.",
		},
	)

	entriesPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sogara_sync",
			Name:      "entries_purged_total",
			Help:      "Entries removed by the TTL sweep.",
		},
	)

	entriesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sogara_sync",
			Name:      "entries_dropped_total",
			Help:      "Malformed entries dropped on read.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sogara_sync",
			Name:      "queue_depth",
			Help:      "Entries currently persisted in the offline queue.",
		},
	)

	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sogara_sync",
			Name:      "inflight_entries",
			Help:      "Entries currently dispatched and unacknowledged.",
		},
	)

	bridgeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sogara_sync",
			Name:      "bridge_requests_total",
			Help:      "Cross-context bridge requests, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sogara_sync",
			Name:      "cache_lookups_total",
			Help:      "Resource cache lookups, by strategy and result.",
		},
		[]string{"strategy", "result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			entriesEnqueued,
			dispatchAttempts,
			dispatchSuccesses,
			dispatchFailures,
			entriesExhausted,
			entriesPurged,
			entriesDropped,
			queueDepth,
			inFlight,
			bridgeRequests,
			cacheLookups,
		)
	})
}

func IncEnqueued(action string)        { entriesEnqueued.WithLabelValues(action).Inc() }
func IncDispatchAttempt(action string) { dispatchAttempts.WithLabelValues(action).Inc() }
func IncDispatchSuccess(action string) { dispatchSuccesses.WithLabelValues(action).Inc() }
func IncDispatchFailure(action string) { dispatchFailures.WithLabelValues(action).Inc() }
func IncExhausted()                    { entriesExhausted.Inc() }

func AddPurged(n int) { entriesPurged.Add(float64(n)) }
func IncDropped()     { entriesDropped.Inc() }

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }
func IncInFlight()        { inFlight.Inc() }
func DecInFlight()        { inFlight.Dec() }

func IncBridgeRequest(reqType, outcome string) {
	bridgeRequests.WithLabelValues(reqType, outcome).Inc()
}

func IncCacheLookup(strategy, result string) {
	cacheLookups.WithLabelValues(strategy, result).Inc()
}
