package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Matching
	MatchesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcall_matches_created_total",
		Help: "Total matches created, by pairing engine",
	}, []string{"engine"})

	MatchesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcall_matches_failed_total",
		Help: "Total match creation failures, by pairing engine",
	}, []string{"engine"})

	CooldownSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilcall_cooldown_skips_total",
		Help: "Total candidate pairs skipped because a cooldown was active",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veilcall_queue_depth",
		Help: "Number of users currently waiting to be matched",
	})

	BackpressureEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilcall_backpressure_events_total",
		Help: "Total cycles that widened the batch size under queue pressure",
	})

	CycleDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veilcall_cycle_duration_seconds",
		Help:    "Pairing cycle duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"engine"})

	// State machine
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcall_transitions_total",
		Help: "Total state transitions applied",
	}, []string{"to", "forced"})

	TransitionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilcall_transition_failures_total",
		Help: "Total rejected or failed state transitions",
	})

	RollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilcall_rollbacks_total",
		Help: "Total compensating rollbacks applied",
	})

	// Lock
	LockAcquisitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilcall_lock_acquisitions_total",
		Help: "Total successful global lock acquisitions",
	})

	LockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilcall_lock_contention_total",
		Help: "Total lock acquisition attempts that found the lock held",
	})

	StaleLockReclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilcall_stale_lock_reclaims_total",
		Help: "Total stale locks forcibly reclaimed",
	})

	// Recovery
	AloneRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcall_alone_recoveries_total",
		Help: "Total left-behind recoveries, by trigger path",
	}, []string{"trigger"})

	QueueRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilcall_queue_repairs_total",
		Help: "Total self-healed queue inconsistencies, by kind",
	}, []string{"kind"})

	// Store health
	StoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilcall_store_errors_total",
		Help: "Total store operation errors",
	})

	StoreLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "veilcall_store_latency_seconds",
		Help:    "Store round-trip latency in seconds",
		Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05},
	})

	ActiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veilcall_active_matches",
		Help: "Number of currently active matches",
	})
)

// Helper functions

func RecordMatch(engine string, success bool) {
	if success {
		MatchesCreatedTotal.WithLabelValues(engine).Inc()
	} else {
		MatchesFailedTotal.WithLabelValues(engine).Inc()
	}
}

func RecordTransition(to string, forced bool) {
	label := "false"
	if forced {
		label = "true"
	}
	TransitionsTotal.WithLabelValues(to, label).Inc()
}

func RecordLockAcquired() {
	LockAcquisitionsTotal.Inc()
}

func RecordLockContention() {
	LockContentionTotal.Inc()
}

func RecordStaleLockReclaim() {
	StaleLockReclaimsTotal.Inc()
}

func RecordAloneRecovery(trigger string) {
	AloneRecoveriesTotal.WithLabelValues(trigger).Inc()
}

func RecordQueueRepair(kind string) {
	QueueRepairsTotal.WithLabelValues(kind).Inc()
}
