// Package metrics exposes Prometheus instrumentation for the trust
// ledger and the amendment pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles every collector the service registers.
type Set struct {
	ScoreUpdates     *prometheus.CounterVec
	GateRejections   *prometheus.CounterVec
	DeferredUnits    prometheus.Counter
	Violations       *prometheus.CounterVec
	Quarantines      prometheus.Counter
	Decommissions    prometheus.Counter
	GuardSuspensions prometheus.Counter
	GuardReleases    prometheus.Counter
	ChamberOutcomes  *prometheus.CounterVec
	AmendmentsFiled  prometheus.Counter
	AmendmentsFinal  *prometheus.CounterVec
	TrustScore       *prometheus.GaugeVec
	RequestDuration  *prometheus.HistogramVec
}

// New registers the collector set against the given registerer.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		ScoreUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "ledger",
			Name:      "score_updates_total",
			Help:      "Trust score updates applied, by domain.",
		}, []string{"domain"}),
		GateRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "ledger",
			Name:      "gate_rejections_total",
			Help:      "Evidence submissions rejected before scoring, by gate.",
		}, []string{"gate"}),
		DeferredUnits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "ledger",
			Name:      "deferred_gain_total",
			Help:      "Score gain deferred to later epochs by the per-epoch limit.",
		}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "ledger",
			Name:      "violations_total",
			Help:      "Violations recorded, by severity.",
		}, []string{"severity"}),
		Quarantines: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "ledger",
			Name:      "quarantines_total",
			Help:      "Actors placed in quarantine.",
		}),
		Decommissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "ledger",
			Name:      "decommissions_total",
			Help:      "Actors permanently decommissioned.",
		}),
		GuardSuspensions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "guard",
			Name:      "suspensions_total",
			Help:      "Deltas intercepted pending quorum sign-off.",
		}),
		GuardReleases: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "guard",
			Name:      "releases_total",
			Help:      "Suspended deltas released by quorum.",
		}),
		ChamberOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "amendment",
			Name:      "chamber_outcomes_total",
			Help:      "Chamber tallies, by chamber type and result.",
		}, []string{"chamber", "result"}),
		AmendmentsFiled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "amendment",
			Name:      "proposed_total",
			Help:      "Amendments filed.",
		}),
		AmendmentsFinal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord",
			Subsystem: "amendment",
			Name:      "resolved_total",
			Help:      "Amendments reaching a terminal outcome.",
		}, []string{"outcome"}),
		TrustScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "concord",
			Subsystem: "ledger",
			Name:      "trust_score",
			Help:      "Current trust score per actor.",
		}, []string{"actor", "domain"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "concord",
			Subsystem: "console",
			Name:      "request_duration_seconds",
			Help:      "Console request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
}
