// Package pool keeps a bounded LRU of warm worker instances keyed by
// application identity. A request for a cached, healthy instance reuses
// it; a miss spawns a worker and may evict the least-recently-used entry.
// Workers with a zero TTL bypass the cache entirely: one process per
// request, discarded afterwards. A single scheduler goroutine retires
// entries that outlive their idle window, TTL or request budget, and
// per-app counters survive worker churn in a historical accumulator.
package pool
