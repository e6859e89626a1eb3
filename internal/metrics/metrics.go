// Package metrics records worker pool counters and response-time samples.
//
// The Recorder keeps cheap atomic counters plus a fixed-size circular
// buffer of the most recent response times; Snapshot condenses both into
// the PoolMetrics structure served by the stats endpoints. The Recorder is
// also a prometheus.Collector so the same numbers land on /metrics.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSampleWindow is the number of response-time samples retained for
// the rolling average.
const DefaultSampleWindow = 100

// PoolMetrics is one coherent view of pool activity. Counters are
// cumulative since the pool started; rates and averages are derived at
// snapshot time.
type PoolMetrics struct {
	ActiveWorkers       int     `json:"activeWorkers"`
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	Evictions           int64   `json:"evictions"`
	HitRate             float64 `json:"hitRate"`
	TotalRequests       int64   `json:"totalRequests"`
	TotalWorkersCreated int64   `json:"totalWorkersCreated"`
	TotalWorkersFailed  int64   `json:"totalWorkersFailed"`
	AvgResponseTimeMs   float64 `json:"avgResponseTimeMs"`
	RequestsPerSecond   float64 `json:"requestsPerSecond"`
	UptimeMs            int64   `json:"uptimeMs"`
}

// Recorder accumulates pool counters. All methods are safe for concurrent
// use; counter updates are lock-free and only the sample ring takes a
// mutex, held for a single index write.
type Recorder struct {
	start time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	created   atomic.Int64
	failed    atomic.Int64
	retired   atomic.Int64

	mu      sync.Mutex
	samples []time.Duration // fixed-size ring
	next    int             // next write index
	filled  int             // saturates at len(samples)

	// activeFunc reports current live workers for the prometheus gauge.
	// Set once by the pool before the Recorder is registered.
	activeFunc func() int
}

// NewRecorder returns a Recorder keeping window response-time samples
// (DefaultSampleWindow when window is zero or negative).
func NewRecorder(window int) *Recorder {
	if window <= 0 {
		window = DefaultSampleWindow
	}
	return &Recorder{
		start:   time.Now(),
		samples: make([]time.Duration, window),
	}
}

// SetActiveFunc installs the callback reporting live worker count.
func (r *Recorder) SetActiveFunc(f func() int) {
	r.activeFunc = f
}

// Hit records a request served by a cached worker.
func (r *Recorder) Hit() { r.hits.Add(1) }

// Miss records a request that required spawning a worker, including every
// ephemeral request.
func (r *Recorder) Miss() { r.misses.Add(1) }

// Eviction records a capacity eviction. Retirements for health, TTL or
// shutdown are counted separately by WorkerRetired.
func (r *Recorder) Eviction() { r.evictions.Add(1) }

// WorkerCreated records a successful spawn.
func (r *Recorder) WorkerCreated() { r.created.Add(1) }

// WorkerFailed records a spawn that never reached readiness.
func (r *Recorder) WorkerFailed() { r.failed.Add(1) }

// WorkerRetired records a non-eviction retirement.
func (r *Recorder) WorkerRetired() { r.retired.Add(1) }

// Observe appends one response time to the ring, overwriting the oldest
// sample once the window is full.
func (r *Recorder) Observe(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.filled < len(r.samples) {
		r.filled++
	}
	r.mu.Unlock()
}

// Retired returns the non-eviction retirement count, used by worker
// accounting checks.
func (r *Recorder) Retired() int64 { return r.retired.Load() }

// avgResponseMs averages the current ring contents in milliseconds.
func (r *Recorder) avgResponseMs() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range r.samples[:r.filled] {
		sum += d
	}
	return float64(sum.Microseconds()) / float64(r.filled) / 1000
}

// Snapshot returns one coherent PoolMetrics view. Each counter is loaded
// once; totalRequests is derived as hits+misses so the two always account
// for every admitted request, and hitRate divides by that same total.
func (r *Recorder) Snapshot(activeWorkers int) PoolMetrics {
	hits := r.hits.Load()
	misses := r.misses.Load()
	total := hits + misses

	uptime := time.Since(r.start)
	m := PoolMetrics{
		ActiveWorkers:       activeWorkers,
		Hits:                hits,
		Misses:              misses,
		Evictions:           r.evictions.Load(),
		TotalRequests:       total,
		TotalWorkersCreated: r.created.Load(),
		TotalWorkersFailed:  r.failed.Load(),
		AvgResponseTimeMs:   r.avgResponseMs(),
		UptimeMs:            uptime.Milliseconds(),
	}
	if total > 0 {
		m.HitRate = float64(hits) / float64(total)
	}
	if s := uptime.Seconds(); s > 0 {
		m.RequestsPerSecond = float64(total) / s
	}
	return m
}
