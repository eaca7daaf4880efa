// Package monitoring exposes the prometheus metrics the replication engine
// and anti-entropy loop emit. Each Metrics instance owns its own registry so
// that multiple mesh nodes can coexist inside one process (as the local
// demo and the test harness do) without colliding on global metric names.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	registry *prometheus.Registry

	PutsCommitted             prometheus.Counter
	PutDuration               prometheus.Histogram
	RemotePutsIngested        prometheus.Counter
	MessagesDeduplicated      prometheus.Counter
	MessagesLoopSuppressed    prometheus.Counter
	MessagesForwarded         prometheus.Counter
	MessagesDropped           *prometheus.CounterVec
	ConflictsResolved         *prometheus.CounterVec
	ConflictsResolvedFallback prometheus.Counter
	AntiEntropyCycles         prometheus.Counter
	AntiEntropyBatchesSent    prometheus.Counter
	AntiEntropyBatchesApplied prometheus.Counter
	ClockSyncRoundtrips       prometheus.Counter
	SubscriberNotifications   prometheus.Counter
	SubscriberErrors          prometheus.Counter
	EngineClockSize           prometheus.Gauge
	VersionHistoryEntries     prometheus.Gauge
}

// NewMetrics builds a Metrics bound to a fresh, private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		PutsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_puts_committed_total",
			Help: "Total number of local puts committed to the store",
		}),
		PutDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshgraph_put_duration_seconds",
			Help:    "Time taken to commit a local put",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		RemotePutsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_remote_puts_ingested_total",
			Help: "Total number of remote puts accepted by handleIncoming",
		}),
		MessagesDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_messages_deduplicated_total",
			Help: "Total number of messages dropped as already-processed",
		}),
		MessagesLoopSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_messages_loop_suppressed_total",
			Help: "Total number of messages dropped because self was already visited",
		}),
		MessagesForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_messages_forwarded_total",
			Help: "Total number of puts re-broadcast after ingestion",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshgraph_messages_dropped_total",
			Help: "Total number of messages dropped, labeled by reason",
		}, []string{"reason"}),
		ConflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshgraph_conflicts_resolved_total",
			Help: "Total number of conflict resolutions, labeled by strategy",
		}, []string{"strategy"}),
		ConflictsResolvedFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_conflicts_resolved_fallback_total",
			Help: "Total number of custom-resolver failures that fell back to vector-dominance",
		}),
		AntiEntropyCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_anti_entropy_cycles_total",
			Help: "Total number of anti-entropy reconciliation cycles run",
		}),
		AntiEntropyBatchesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_anti_entropy_batches_sent_total",
			Help: "Total number of data-reconciliation batches sent",
		}),
		AntiEntropyBatchesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_anti_entropy_batches_applied_total",
			Help: "Total number of data-reconciliation batches applied by a requester",
		}),
		ClockSyncRoundtrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_clock_sync_roundtrips_total",
			Help: "Total number of vector-clock sync request/response roundtrips",
		}),
		SubscriberNotifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_subscriber_notifications_total",
			Help: "Total number of subscriber callbacks invoked",
		}),
		SubscriberErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgraph_subscriber_errors_total",
			Help: "Total number of subscriber callbacks that panicked",
		}),
		EngineClockSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshgraph_engine_known_ids",
			Help: "Number of node ids known to the local engine",
		}),
		VersionHistoryEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshgraph_version_history_entries",
			Help: "Total number of entries retained across all per-path version histories",
		}),
	}
}

// Registry exposes the private registry for an HTTP /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
