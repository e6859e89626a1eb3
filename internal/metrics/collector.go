package metrics

import "github.com/prometheus/client_golang/prometheus"

// Compile-time check that Recorder implements prometheus.Collector.
var _ prometheus.Collector = (*Recorder)(nil)

// Metric descriptors for the Collector side of Recorder. The counter names
// mirror the PoolMetrics JSON fields so the /metrics and /poolstats views
// stay reconcilable.
var (
	descHits = prometheus.NewDesc(
		"foyer_pool_hits_total",
		"Requests served by an already-cached worker.",
		nil, nil)
	descMisses = prometheus.NewDesc(
		"foyer_pool_misses_total",
		"Requests that required spawning a worker.",
		nil, nil)
	descEvictions = prometheus.NewDesc(
		"foyer_pool_evictions_total",
		"Workers evicted because the pool was at capacity.",
		nil, nil)
	descCreated = prometheus.NewDesc(
		"foyer_pool_workers_created_total",
		"Worker processes spawned successfully.",
		nil, nil)
	descFailed = prometheus.NewDesc(
		"foyer_pool_workers_failed_total",
		"Worker spawns that never reached readiness.",
		nil, nil)
	descRetired = prometheus.NewDesc(
		"foyer_pool_workers_retired_total",
		"Workers retired for health, TTL or shutdown reasons.",
		nil, nil)
	descActive = prometheus.NewDesc(
		"foyer_pool_active_workers",
		"Workers currently cached in the pool.",
		nil, nil)
	descAvgResponse = prometheus.NewDesc(
		"foyer_pool_response_time_avg_ms",
		"Average response time over the recent sample window, in milliseconds.",
		nil, nil)
)

// Describe implements prometheus.Collector.
func (r *Recorder) Describe(ch chan<- *prometheus.Desc) {
	ch <- descHits
	ch <- descMisses
	ch <- descEvictions
	ch <- descCreated
	ch <- descFailed
	ch <- descRetired
	ch <- descActive
	ch <- descAvgResponse
}

// Collect implements prometheus.Collector. Counter values come straight
// from the atomics; the active-worker gauge asks the pool via the callback
// installed with SetActiveFunc.
func (r *Recorder) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v int64) prometheus.Metric {
		return prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	ch <- counter(descHits, r.hits.Load())
	ch <- counter(descMisses, r.misses.Load())
	ch <- counter(descEvictions, r.evictions.Load())
	ch <- counter(descCreated, r.created.Load())
	ch <- counter(descFailed, r.failed.Load())
	ch <- counter(descRetired, r.retired.Load())

	var active float64
	if r.activeFunc != nil {
		active = float64(r.activeFunc())
	}
	ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(descAvgResponse, prometheus.GaugeValue, r.avgResponseMs())
}
