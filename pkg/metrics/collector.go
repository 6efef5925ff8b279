package metrics

import (
	"time"

	"github.com/midrender/midrender/pkg/types"
)

// Source provides the farm state the collector samples. The farm object
// implements it; handing the collector an interface keeps this package
// free of farm internals.
type Source interface {
	JobSummaries() []*types.JobSummary
	Peers() []*types.PeerInfo
	IsLeader() bool
	SuspendedCount() int
}

// Collector periodically samples farm state into the gauges
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectPeerMetrics()
	c.collectJobMetrics()

	if c.source.IsLeader() {
		IsLeader.Set(1)
	} else {
		IsLeader.Set(0)
	}
	NodesSuspended.Set(float64(c.source.SuspendedCount()))
}

func (c *Collector) collectPeerMetrics() {
	peers := c.source.Peers()

	alive := 0
	for _, p := range peers {
		if p.IsAlive {
			alive++
		}
	}

	PeersTotal.Set(float64(len(peers)))
	PeersAlive.Set(float64(alive))
}

func (c *Collector) collectJobMetrics() {
	summaries := c.source.JobSummaries()

	jobCounts := make(map[types.JobState]int)
	var pending, rendering, completed, failed int

	for _, s := range summaries {
		jobCounts[s.State]++
		pending += s.Chunks.Pending
		rendering += s.Chunks.Rendering
		completed += s.Chunks.Completed
		failed += s.Chunks.Failed
	}

	for _, state := range []types.JobState{
		types.JobStateActive,
		types.JobStatePaused,
		types.JobStateCancelled,
		types.JobStateCompleted,
		types.JobStateArchived,
	} {
		JobsTotal.WithLabelValues(string(state)).Set(float64(jobCounts[state]))
	}

	ChunksTotal.WithLabelValues(string(types.ChunkStatePending)).Set(float64(pending))
	ChunksTotal.WithLabelValues(string(types.ChunkStateAssigned)).Set(float64(rendering))
	ChunksTotal.WithLabelValues(string(types.ChunkStateCompleted)).Set(float64(completed))
	ChunksTotal.WithLabelValues(string(types.ChunkStateFailed)).Set(float64(failed))
}
