package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks announce, discovery, index and sync activity
type Metrics struct {
	// Announce engine
	Announces        prometheus.Counter
	AnnounceFailures prometheus.Counter

	// Discovery engine
	DiscoverRequests *prometheus.CounterVec
	SearchDegraded   prometheus.Counter
	SearchLatency    prometheus.Histogram

	// Index
	IndexDocuments prometheus.Gauge
	IndexPublishes prometheus.Counter
	IndexSearches  prometheus.Counter
	StaleNodes     prometheus.Gauge

	// Node sync
	SyncPublishes prometheus.Counter
	SyncFailures  prometheus.Counter
}

// New creates and registers the metrics. A nil registry means the default
// registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Announces: factory.NewCounter(prometheus.CounterOpts{
			Name: "muster_announces_total",
			Help: "Total number of committed component announcements",
		}),
		AnnounceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "muster_announce_failures_total",
			Help: "Total number of announcements that failed to commit",
		}),
		DiscoverRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "muster_discover_requests_total",
			Help: "Discovery requests by outcome",
		}, []string{"result"}),
		SearchDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "muster_search_degraded_total",
			Help: "Searches answered as empty because the index failed",
		}),
		SearchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "muster_search_latency_seconds",
			Help:    "Latency of index searches issued by discovery",
			Buckets: prometheus.DefBuckets,
		}),
		IndexDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "muster_index_documents",
			Help: "Number of node documents held by the index",
		}),
		IndexPublishes: factory.NewCounter(prometheus.CounterOpts{
			Name: "muster_index_publishes_total",
			Help: "Total number of documents published to the index",
		}),
		IndexSearches: factory.NewCounter(prometheus.CounterOpts{
			Name: "muster_index_searches_total",
			Help: "Total number of searches served by the index",
		}),
		StaleNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "muster_index_stale_nodes",
			Help: "Nodes whose document has not been refreshed within the stale window",
		}),
		SyncPublishes: factory.NewCounter(prometheus.CounterOpts{
			Name: "muster_sync_publishes_total",
			Help: "Total number of local documents pushed to the index",
		}),
		SyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "muster_sync_failures_total",
			Help: "Total number of failed pushes to the index",
		}),
	}
}

// NewNop returns metrics bound to a private registry, for callers that do
// not export them.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
