// Package worker owns one application worker: the child process, its IPC
// pipes, and the lifecycle state machine. An Instance multiplexes
// concurrent requests over a single child by correlating frames with
// request ids, enforces the per-request deadline, and reports the health
// signals (age, idle time, request count) the pool retires on.
package worker
