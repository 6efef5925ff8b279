package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mesh metrics
	PeersAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "midrender_peers_alive",
			Help: "Number of peers currently considered alive",
		},
	)

	PeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "midrender_peers_total",
			Help: "Number of peers known to the local registry",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "midrender_is_leader",
			Help: "Whether this node is the elected leader (1 = leader, 0 = follower)",
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "midrender_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	ChunksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "midrender_chunks_total",
			Help: "Total number of chunks by state",
		},
		[]string{"state"},
	)

	// Dispatch metrics
	ChunksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "midrender_chunks_assigned_total",
			Help: "Total number of chunk assignments dispatched",
		},
	)

	ChunksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "midrender_chunks_completed_total",
			Help: "Total number of chunk completions applied",
		},
	)

	ChunksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "midrender_chunks_failed_total",
			Help: "Total number of chunk failures applied",
		},
	)

	DispatchReverts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "midrender_dispatch_reverts_total",
			Help: "Total number of assignments reverted after a failed dispatch send",
		},
	)

	NodesSuspended = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "midrender_nodes_suspended",
			Help: "Number of nodes currently suspended by the failure tracker",
		},
	)

	DispatchTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "midrender_dispatch_tick_duration_seconds",
			Help:    "Duration of one dispatcher tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "midrender_snapshot_duration_seconds",
			Help:    "Duration of store snapshots in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "midrender_api_requests_total",
			Help: "Total number of mesh API requests by path and status",
		},
		[]string{"path", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PeersAlive)
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(ChunksTotal)
	prometheus.MustRegister(ChunksAssigned)
	prometheus.MustRegister(ChunksCompleted)
	prometheus.MustRegister(ChunksFailed)
	prometheus.MustRegister(DispatchReverts)
	prometheus.MustRegister(NodesSuspended)
	prometheus.MustRegister(DispatchTickDuration)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
