// Package metrics exposes Prometheus instrumentation for the engine. All
// collectors hang off a Set so callers can register against their own
// registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds every collector the engine emits.
type Set struct {
	SyncCycles       *prometheus.CounterVec
	SyncDuration     prometheus.Histogram
	NodesCreated     prometheus.Counter
	NodesUpdated     prometheus.Counter
	NodesDisappeared prometheus.Counter
	EdgesCreated     prometheus.Counter
	EdgesRemoved     prometheus.Counter
	SourceErrors     *prometheus.CounterVec

	SnapshotsCreated prometheus.Counter
	SnapshotNodes    prometheus.Gauge
	SnapshotEdges    prometheus.Gauge

	PolicyEvaluations *prometheus.CounterVec
	PolicyViolations  *prometheus.CounterVec

	RequestsSubmitted  prometheus.Counter
	RequestTransitions *prometheus.CounterVec
}

// New builds the collector set against reg. Passing
// prometheus.DefaultRegisterer wires the process-global registry.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		SyncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Reconciliation cycles, labelled by terminal outcome.",
		}, []string{"outcome"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cartograph",
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a full reconciliation cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		NodesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "sync",
			Name:      "nodes_created_total",
			Help:      "Nodes first observed by a cycle.",
		}),
		NodesUpdated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "sync",
			Name:      "nodes_updated_total",
			Help:      "Nodes whose observable fields changed.",
		}),
		NodesDisappeared: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "sync",
			Name:      "nodes_disappeared_total",
			Help:      "Nodes marked terminated after the grace period.",
		}),
		EdgesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "sync",
			Name:      "edges_created_total",
			Help:      "Relationships first observed by a cycle.",
		}),
		EdgesRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "sync",
			Name:      "edges_removed_total",
			Help:      "Relationships removed after their endpoints stopped reporting them.",
		}),
		SourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "sync",
			Name:      "source_errors_total",
			Help:      "Partial discovery failures, labelled by source.",
		}, []string{"source"}),

		SnapshotsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "temporal",
			Name:      "snapshots_total",
			Help:      "Snapshots captured.",
		}),
		SnapshotNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cartograph",
			Subsystem: "temporal",
			Name:      "snapshot_nodes",
			Help:      "Node count of the most recent snapshot.",
		}),
		SnapshotEdges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cartograph",
			Subsystem: "temporal",
			Name:      "snapshot_edges",
			Help:      "Edge count of the most recent snapshot.",
		}),

		PolicyEvaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "policy",
			Name:      "evaluations_total",
			Help:      "Policy evaluations, labelled by evaluator mode.",
		}, []string{"mode"}),
		PolicyViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "policy",
			Name:      "violations_total",
			Help:      "Violations returned by evaluation, labelled by severity.",
		}, []string{"severity"}),

		RequestsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "governance",
			Name:      "requests_total",
			Help:      "Change requests accepted for governance.",
		}),
		RequestTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartograph",
			Subsystem: "governance",
			Name:      "transitions_total",
			Help:      "Request state transitions, labelled by target state.",
		}, []string{"to"}),
	}
}
