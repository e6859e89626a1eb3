package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/foyerhq/foyer/internal/appid"
	"github.com/foyerhq/foyer/internal/config"
	"github.com/foyerhq/foyer/internal/ipc"
	"github.com/foyerhq/foyer/internal/logging"
	"github.com/foyerhq/foyer/internal/metrics"
	"github.com/foyerhq/foyer/internal/sentinel"
	"github.com/foyerhq/foyer/internal/worker"
)

// ErrPoolClosed is returned by Fetch during and after Shutdown.
const ErrPoolClosed = sentinel.Error("worker pool is closed")

// ErrKeyCollision is returned when two distinct app directories resolve to
// the same "name@version" key. This is a deployment error; the operator
// must rename one of the apps.
const ErrKeyCollision = sentinel.Error("app key collision")

// DefaultRetireTimeout bounds each out-of-band worker termination
// (eviction, staleness, shutdown).
const DefaultRetireTimeout = 10 * time.Second

// Instance is the behavior the pool needs from a worker. *worker.Instance
// implements it; tests substitute fakes.
type Instance interface {
	Fetch(ctx context.Context, req ipc.Request) (ipc.Response, error)
	Healthy() bool
	Retiring() bool
	Touch()
	NotifyIdle()
	Stats() worker.Stats
	Totals() (requests int64, total time.Duration)
	Terminate(ctx context.Context) error
}

// Factory spawns a worker instance for an app directory. id is the pool's
// monotonic instance id.
type Factory func(id int64, dir string, cfg config.WorkerConfig) (Instance, error)

// Options configures a Pool.
type Options struct {
	// Factory spawns workers. Required.
	Factory Factory
	// MaxSize caps the number of cached instances. Required, > 0.
	MaxSize int
	// Recorder receives counters and response-time samples. A nil value
	// gets a private recorder with the default sample window.
	Recorder *metrics.Recorder
	// RetireTimeout bounds each out-of-band termination.
	// DefaultRetireTimeout when zero.
	RetireTimeout time.Duration
}

// entry is one cached worker plus its cleanup bookkeeping. All fields
// except inst are guarded by the pool mutex.
type entry struct {
	key  string
	dir  string
	cfg  config.WorkerConfig
	inst Instance

	// checkEvery is min(IdleTimeout, TTL)/2, the health check cadence.
	checkEvery time.Duration
	// nextCheck is when the scheduler looks at this entry again.
	nextCheck time.Time
	// idleNotified is set after the one-time IDLE advisory.
	idleNotified bool
	// retired marks an entry whose stats were already accumulated, so the
	// eviction callback never double-counts.
	retired bool
}

// history accumulates per-app counters across worker retirements, so a
// key's reported totals never decrease when its worker churns.
type history struct {
	requests int64
	total    time.Duration
	lastSeen time.Time
}

// WorkerStats is the per-app view served by the stats endpoint: the live
// instance observation (when one is cached) merged with the historical
// accumulator.
type WorkerStats struct {
	Key          string        `json:"key"`
	Live         bool          `json:"live"`
	Status       worker.Status `json:"status,omitempty"`
	Age          time.Duration `json:"age,omitempty"`
	Idle         time.Duration `json:"idle,omitempty"`
	RequestCount int64         `json:"requestCount"`
	TotalLatency time.Duration `json:"totalLatency"`
	LastSeen     time.Time     `json:"lastSeen"`
}

// Pool is the bounded LRU of live workers. It exclusively owns every
// cached instance; callers get transient references for one request.
//
// The mutex guards the LRU, the ephemeral set and the historical map, and
// is held only across map and pointer updates. Worker spawns run outside
// the lock, deduplicated per key by the singleflight group so at most one
// non-retiring instance exists per key. Terminations run on background
// goroutines tracked by bg; Shutdown waits for them.
type Pool struct {
	factory       Factory
	rec           *metrics.Recorder
	retireTimeout time.Duration

	mu  sync.Mutex
	lru *simplelru.LRU[string, *entry]
	// eph holds in-flight ephemeral instances so their EPHEMERAL status is
	// observable through WorkerStats. They never enter the LRU.
	eph    map[int64]Instance
	hist   map[string]*history
	closed bool
	// intentional distinguishes deliberate removals (stale, unhealthy,
	// shutdown) from capacity evictions inside the shared LRU callback.
	intentional bool

	group  singleflight.Group
	nextID atomic.Int64

	closeCh   chan struct{}
	closeOnce sync.Once
	// wake re-arms the scheduler when an entry with an earlier deadline
	// appears.
	wake chan struct{}
	bg   sync.WaitGroup
}

// New creates a Pool and starts its cleanup scheduler. Panics on a nil
// factory or a non-positive max size; these are programmer errors.
func New(opts Options) *Pool {
	if opts.Factory == nil {
		panic("foyer: pool factory must not be nil")
	}
	if opts.MaxSize <= 0 {
		panic(fmt.Sprintf("foyer: pool max size must be greater than 0, got %d", opts.MaxSize))
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NewRecorder(0)
	}
	if opts.RetireTimeout <= 0 {
		opts.RetireTimeout = DefaultRetireTimeout
	}

	p := &Pool{
		factory:       opts.Factory,
		rec:           opts.Recorder,
		retireTimeout: opts.RetireTimeout,
		eph:           make(map[int64]Instance),
		hist:          make(map[string]*history),
		closeCh:       make(chan struct{}),
		wake:          make(chan struct{}, 1),
	}
	lru, err := simplelru.NewLRU(opts.MaxSize, p.onEvict)
	if err != nil {
		panic(fmt.Sprintf("foyer: new pool lru: %v", err))
	}
	p.lru = lru
	p.rec.SetActiveFunc(p.Len)

	p.bg.Add(1)
	go p.runScheduler()

	return p
}

// Len returns the number of cached instances.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// Metrics returns one snapshot of the pool counters.
func (p *Pool) Metrics() metrics.PoolMetrics {
	return p.rec.Snapshot(p.Len())
}

// Fetch routes one request to a worker for the app deployed at dir: the
// cached instance on a healthy hit, a freshly spawned one on a miss or
// stale hit, or a single-shot process when cfg is ephemeral.
//
// The context carries the per-request deadline; it bounds the readiness
// wait and the IPC round trip.
func (p *Pool) Fetch(ctx context.Context, dir string, cfg config.WorkerConfig, req ipc.Request) (ipc.Response, error) {
	key, err := appid.FromDir(dir)
	if err != nil {
		return ipc.Response{}, err
	}

	if cfg.Ephemeral() {
		return p.fetchEphemeral(ctx, key.String(), dir, cfg, req)
	}

	inst, err := p.instanceFor(key.String(), dir, cfg)
	if err != nil {
		return ipc.Response{}, err
	}

	start := time.Now()
	resp, err := inst.Fetch(ctx, req)
	if err == nil {
		p.rec.Observe(time.Since(start))
	}
	// A worker that moved to Retiring (crash, fatal error) leaves the
	// cache so the next request spawns fresh. Other failures keep it.
	if inst.Retiring() {
		p.removeInstance(key.String(), inst)
	}
	return resp, err
}

// instanceFor returns the live worker for key, spawning one when the cache
// has no healthy entry. Concurrent misses for one key share a single spawn.
func (p *Pool) instanceFor(key, dir string, cfg config.WorkerConfig) (Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if e, ok := p.lru.Get(key); ok { // Get refreshes recency
		if e.dir != dir {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is deployed at both %s and %s", ErrKeyCollision, key, e.dir, dir)
		}
		if e.inst.Healthy() {
			p.mu.Unlock()
			p.rec.Hit()
			e.inst.Touch()
			return e.inst, nil
		}
		// Stale hit: retire out of band, then fall through to a fresh spawn.
		p.intentional = true
		p.lru.Remove(key)
		p.intentional = false
	}
	p.mu.Unlock()

	p.rec.Miss()

	v, err, _ := p.group.Do(key, func() (any, error) {
		return p.createEntry(key, dir, cfg)
	})
	if err != nil {
		return nil, err
	}
	e := v.(*entry)
	if e.dir != dir {
		return nil, fmt.Errorf("%w: %s is deployed at both %s and %s", ErrKeyCollision, key, e.dir, dir)
	}
	return e.inst, nil
}

// createEntry spawns a worker and inserts it into the LRU, evicting the
// oldest entry at capacity. Runs inside the singleflight group; a flight
// that lost the insert race returns the winner's entry.
func (p *Pool) createEntry(key, dir string, cfg config.WorkerConfig) (*entry, error) {
	p.mu.Lock()
	if e, ok := p.lru.Get(key); ok {
		p.mu.Unlock()
		return e, nil
	}
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	// Hold a bg slot across the spawn so a Shutdown that overlaps it waits
	// for the worker instead of returning with a live child.
	p.bg.Add(1)
	p.mu.Unlock()

	id := p.nextID.Add(1)
	inst, err := p.factory(id, dir, cfg)
	if err != nil {
		p.bg.Done()
		p.rec.WorkerFailed()
		return nil, fmt.Errorf("spawn worker for %s: %w", key, err)
	}
	p.rec.WorkerCreated()

	e := &entry{
		key:        key,
		dir:        dir,
		cfg:        cfg,
		inst:       inst,
		checkEvery: checkInterval(cfg),
	}
	e.nextCheck = time.Now().Add(e.checkEvery)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		// Shutdown is waiting on bg; kill the child and balance the
		// creation counter before releasing the slot.
		p.retireDetached(key, id, inst)
		return nil, ErrPoolClosed
	}
	p.lru.Add(key, e) // may evict the LRU victim via onEvict
	p.mu.Unlock()
	p.bg.Done() // the entry is owned by the cache now

	p.kick()
	return e, nil
}

// fetchEphemeral serves one request on a dedicated single-shot worker.
// The cache is never touched; concurrent ephemeral requests for the same
// app each get their own process.
func (p *Pool) fetchEphemeral(ctx context.Context, key, dir string, cfg config.WorkerConfig, req ipc.Request) (ipc.Response, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ipc.Response{}, ErrPoolClosed
	}
	// Registered with bg under the admission lock so a Shutdown that
	// overlaps the spawn waits for this worker's termination.
	p.bg.Add(1)
	p.mu.Unlock()

	p.rec.Miss()

	id := p.nextID.Add(1)
	inst, err := p.factory(id, dir, cfg)
	if err != nil {
		p.bg.Done()
		p.rec.WorkerFailed()
		return ipc.Response{}, fmt.Errorf("spawn worker for %s: %w", key, err)
	}
	p.rec.WorkerCreated()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		// Shutdown is waiting on bg; kill the child before releasing the
		// slot so it cannot outlive Shutdown.
		p.retireDetached(key, id, inst)
		return ipc.Response{}, ErrPoolClosed
	}
	p.eph[id] = inst
	p.mu.Unlock()

	start := time.Now()
	resp, ferr := inst.Fetch(ctx, req)
	if ferr == nil {
		p.rec.Observe(time.Since(start))
	}

	go p.retireDetached(key, id, inst)

	return resp, ferr
}

// retireDetached kills a worker the cache does not own (an ephemeral one,
// or a spawn that lost the race with Shutdown), folds its totals into the
// history accumulator, and releases its bg slot.
func (p *Pool) retireDetached(key string, id int64, inst Instance) {
	defer p.bg.Done()
	tctx, cancel := context.WithTimeout(context.Background(), p.retireTimeout)
	defer cancel()
	if err := inst.Terminate(tctx); err != nil {
		logging.Logger().Warn("detached worker termination failed", "app", key, "error", err)
	}
	p.mu.Lock()
	delete(p.eph, id)
	p.accumulateLocked(key, inst)
	p.mu.Unlock()
	p.rec.WorkerRetired()
}

// checkInterval is the per-entry health check cadence: half the tighter of
// the idle window and the TTL.
func checkInterval(cfg config.WorkerConfig) time.Duration {
	d := cfg.IdleTimeout
	if cfg.TTL > 0 && cfg.TTL < d {
		d = cfg.TTL
	}
	d /= 2
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// onEvict is the LRU callback, invoked under the pool mutex for capacity
// evictions and deliberate removals alike. The intentional flag tells the
// two apart for the counters; both retire the instance and fold its totals
// into the historical accumulator.
func (p *Pool) onEvict(key string, e *entry) {
	if e.retired {
		return
	}
	e.retired = true
	p.accumulateLocked(key, e.inst)
	if p.intentional {
		p.rec.WorkerRetired()
	} else {
		p.rec.Eviction()
		logging.Logger().Debug("evicted least-recently-used worker", "app", key)
	}
	p.terminateAsync(e.inst)
}

// accumulateLocked folds an instance's totals into the historical stats.
// Caller holds the pool mutex.
func (p *Pool) accumulateLocked(key string, inst Instance) {
	requests, total := inst.Totals()
	h := p.hist[key]
	if h == nil {
		h = &history{}
		p.hist[key] = h
	}
	h.requests += requests
	h.total += total
	h.lastSeen = time.Now()
}

// terminateAsync stops an instance on a background goroutine so no lock is
// held across process teardown.
func (p *Pool) terminateAsync(inst Instance) {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.retireTimeout)
		defer cancel()
		if err := inst.Terminate(ctx); err != nil {
			logging.Logger().Warn("worker termination failed", "error", err)
		}
	}()
}

// removeInstance retires the cache entry for key if it still holds exactly
// inst. A newer instance under the same key is left alone.
func (p *Pool) removeInstance(key string, inst Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.lru.Peek(key); ok && e.inst == inst {
		p.intentional = true
		p.lru.Remove(key)
		p.intentional = false
	}
}

// WorkerStats returns the per-app stats map: live instance observations
// merged with the historical accumulator, so a just-retired app still
// reports its cumulative counters.
func (p *Pool) WorkerStats() map[string]WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]WorkerStats, len(p.hist)+p.lru.Len())
	for key, h := range p.hist {
		out[key] = WorkerStats{
			Key:          key,
			RequestCount: h.requests,
			TotalLatency: h.total,
			LastSeen:     h.lastSeen,
		}
	}
	merge := func(key string, inst Instance) {
		st := inst.Stats()
		ws := out[key]
		ws.Key = key
		ws.Live = true
		ws.Status = st.Status
		ws.Age = st.Age
		ws.Idle = st.Idle
		ws.RequestCount += st.RequestCount
		_, total := inst.Totals()
		ws.TotalLatency += total
		ws.LastSeen = time.Now()
		out[key] = ws
	}
	for _, key := range p.lru.Keys() {
		if e, ok := p.lru.Peek(key); ok {
			merge(key, e.inst)
		}
	}
	for _, inst := range p.eph {
		merge(inst.Stats().Key, inst)
	}
	return out
}

// kick wakes the scheduler so it re-reads the earliest deadline.
func (p *Pool) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// runScheduler is the single cleanup goroutine: it sleeps until the
// earliest per-entry check is due, sends the one-time IDLE advisory when
// an entry's idle window has elapsed, and retires unhealthy entries out
// of band.
func (p *Pool) runScheduler() {
	defer p.bg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := p.nextDue()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(next))

		select {
		case <-p.closeCh:
			return
		case <-p.wake:
		case <-timer.C:
			p.sweep()
		}
	}
}

// nextDue returns the earliest pending check time, or a far-future tick
// for an empty pool.
func (p *Pool) nextDue() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := time.Now().Add(time.Hour)
	for _, key := range p.lru.Keys() {
		if e, ok := p.lru.Peek(key); ok && e.nextCheck.Before(next) {
			next = e.nextCheck
		}
	}
	return next
}

// sweep runs all due health checks.
func (p *Pool) sweep() {
	now := time.Now()
	var idle []Instance

	p.mu.Lock()
	for _, key := range p.lru.Keys() {
		e, ok := p.lru.Peek(key)
		if !ok || now.Before(e.nextCheck) {
			continue
		}
		e.nextCheck = now.Add(e.checkEvery)

		if !e.idleNotified && e.inst.Stats().Idle >= e.cfg.IdleTimeout {
			e.idleNotified = true
			idle = append(idle, e.inst)
		}
		if !e.inst.Healthy() {
			p.intentional = true
			p.lru.Remove(key)
			p.intentional = false
			logging.Logger().Debug("retired unhealthy worker", "app", key)
		}
	}
	p.mu.Unlock()

	// Advisories are I/O; send them outside the lock.
	for _, inst := range idle {
		inst.NotifyIdle()
	}
}

// Shutdown retires every cached instance, stops the scheduler, and waits
// until all terminations have finished or ctx expires. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.intentional = true
		p.lru.Purge() // onEvict retires every entry
		p.intentional = false
	}
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.closeCh) })

	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}
