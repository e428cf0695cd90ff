// Package metrics wires the Logger Core and Access Tracker into
// Prometheus, following the teacher stack's promauto style. Unlike the
// teacher's package-level vars registered to the global default
// registry, every metric here is built against a caller-supplied
// prometheus.Registerer via promauto.With, so embedding the core never
// forces a process-wide registration a test or a second instance can
// collide with.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters, gauges, and histograms the Logger Core
// and Access Tracker report through.
type Metrics struct {
	EmitTotal             *prometheus.CounterVec
	PolicyViolationsTotal prometheus.Counter
	SinkFailuresTotal     prometheus.Counter

	TrackedRequestsTotal prometheus.Counter
	AlertsTotal          *prometheus.CounterVec
	TrackedIPs           prometheus.Gauge
	BlockedIPs           prometheus.Gauge
	WhitelistedIPs       prometheus.Gauge
	SuspiciousIPs        prometheus.Gauge
	CompactionDuration   prometheus.Histogram
	CompactionEvicted    *prometheus.CounterVec
}

// New registers every metric against reg. Pass nil to get a private
// registry suitable for tests or for embedders who collect metrics some
// other way.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		EmitTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "obscore_logger_emit_total",
			Help: "Total LogRecords handed to a sink, by level.",
		}, []string{"level"}),
		PolicyViolationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "obscore_logger_policy_violations_total",
			Help: "Total emits rejected by strict_mode PII policy enforcement.",
		}),
		SinkFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "obscore_logger_sink_failures_total",
			Help: "Total sink Accept calls that returned an error and fell back to stderr.",
		}),

		TrackedRequestsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "obscore_tracker_requests_total",
			Help: "Total AccessEvents ingested by the Access Tracker.",
		}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "obscore_tracker_alerts_total",
			Help: "Total alerts raised, by alert type.",
		}, []string{"alert_type"}),
		TrackedIPs: f.NewGauge(prometheus.GaugeOpts{
			Name: "obscore_tracker_tracked_ips",
			Help: "Current number of IPs with retained statistics.",
		}),
		BlockedIPs: f.NewGauge(prometheus.GaugeOpts{
			Name: "obscore_tracker_blocked_ips",
			Help: "Current number of blocked IPs.",
		}),
		WhitelistedIPs: f.NewGauge(prometheus.GaugeOpts{
			Name: "obscore_tracker_whitelisted_ips",
			Help: "Current number of whitelisted IPs.",
		}),
		SuspiciousIPs: f.NewGauge(prometheus.GaugeOpts{
			Name: "obscore_tracker_suspicious_ips",
			Help: "Current number of IPs with a non-zero suspicious score.",
		}),
		CompactionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "obscore_tracker_compaction_duration_seconds",
			Help:    "Wall time spent per background compaction sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		CompactionEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "obscore_tracker_compaction_evicted_total",
			Help: "Total IP records evicted by compaction, by reason (ttl, capacity).",
		}, []string{"reason"}),
	}
}
