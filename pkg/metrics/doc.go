/*
Package metrics exposes Prometheus metrics and health endpoints.

Collectors are package-level and registered in init; the mesh server
mounts Handler at /metrics and the health handlers at /health and
/ready. A Collector periodically samples farm state (peers, jobs,
leadership, suspensions) into the gauges; counters and histograms are
driven inline by the dispatcher and API layer.

Metric names are prefixed midrender_. The Timer helper measures
durations for histogram observations:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchTickDuration)
*/
package metrics
