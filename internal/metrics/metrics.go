// Package metrics provides Prometheus-backed counters and gauges for SWIM
// failure detection. Collector bundles the metrics behind a struct rather
// than package-level globals so multiple Cluster instances in the same
// process (as in tests) don't collide on Prometheus's default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the failure-detection core reports.
type Collector struct {
	ProbesSent        prometheus.Counter
	ProbesAcked       prometheus.Counter
	ProbesTimedOut    prometheus.Counter
	IndirectProbes    prometheus.Counter
	Suspicions        prometheus.Counter
	Promotions        prometheus.Counter
	Refutations       prometheus.Counter
	SyncRounds        prometheus.Counter
	SyncFailures      prometheus.Counter
	BroadcastQueueLen prometheus.Gauge
	MemberCount       prometheus.Gauge
}

// NewCollector registers a fresh set of metrics against reg. Passing
// prometheus.NewRegistry() keeps test instances isolated; passing
// prometheus.DefaultRegisterer wires into the process-wide /metrics
// endpoint the admin server exposes.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		ProbesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swimcluster",
			Subsystem: "probe",
			Name:      "sent_total",
			Help:      "Total direct PING probes sent.",
		}),
		ProbesAcked: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swimcluster",
			Subsystem: "probe",
			Name:      "acked_total",
			Help:      "Total direct PING probes that resolved with an ACK.",
		}),
		ProbesTimedOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swimcluster",
			Subsystem: "probe",
			Name:      "timed_out_total",
			Help:      "Total direct PING probes that timed out without resolution.",
		}),
		IndirectProbes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swimcluster",
			Subsystem: "probe",
			Name:      "indirect_total",
			Help:      "Total PING-REQ indirect probes sent to relays.",
		}),
		Suspicions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swimcluster",
			Subsystem: "membership",
			Name:      "suspicions_total",
			Help:      "Total transitions into SUSPECT.",
		}),
		Promotions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swimcluster",
			Subsystem: "membership",
			Name:      "promotions_to_dead_total",
			Help:      "Total SUSPECT-to-DEAD promotions by suspicion timer expiry.",
		}),
		Refutations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swimcluster",
			Subsystem: "membership",
			Name:      "refutations_total",
			Help:      "Total self-refutations (incarnation bumps in response to SUSPECT/DEAD about the local node).",
		}),
		SyncRounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swimcluster",
			Subsystem: "sync",
			Name:      "rounds_total",
			Help:      "Total full-state TCP sync exchanges attempted.",
		}),
		SyncFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "swimcluster",
			Subsystem: "sync",
			Name:      "failures_total",
			Help:      "Total full-state TCP sync exchanges that failed.",
		}),
		BroadcastQueueLen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "swimcluster",
			Subsystem: "gossip",
			Name:      "broadcast_queue_length",
			Help:      "Current number of pending piggy-back gossip items.",
		}),
		MemberCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "swimcluster",
			Subsystem: "membership",
			Name:      "member_count",
			Help:      "Current number of known members, any status.",
		}),
	}
}
